package fakedns

import (
	"context"
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"
)

// Responder answers A queries for names the client's traffic has
// referenced with their allocated synthetic IPv4, TTL 1 (§4.7), and
// forwards everything else to a fixed upstream over the tunnel.
//
// Grounded on github.com/miekg/dns, already a transitive dependency
// of the ambient-stack teacher (gosuda-portal) and the only complete
// DNS message library in the retrieval pack.
type Responder struct {
	alloc    *Allocator
	upstream string
	dial     func(ctx context.Context, network, addr string) (net.Conn, error)
	log      zerolog.Logger
}

// NewResponder builds a responder allocating synthetic addresses from
// alloc and forwarding every query that is not a single A question to
// upstream via dial, which the caller wires to the tunneled stream
// dialer so upstream DNS traffic itself stays inside the VPN.
func NewResponder(alloc *Allocator, upstream string, dial func(ctx context.Context, network, addr string) (net.Conn, error), log zerolog.Logger) *Responder {
	return &Responder{alloc: alloc, upstream: upstream, dial: dial, log: log}
}

// ServeDNS implements dns.Handler.
func (r *Responder) ServeDNS(w dns.ResponseWriter, req *dns.Msg) {
	if len(req.Question) == 1 && req.Question[0].Qtype == dns.TypeA {
		r.answerA(w, req)
		return
	}
	r.forward(w, req)
}

func (r *Responder) answerA(w dns.ResponseWriter, req *dns.Msg) {
	name := req.Question[0].Name
	ip, err := r.alloc.Allocate(dns.Fqdn(name))
	if err != nil {
		r.log.Warn().Err(err).Str("name", name).Msg("fakedns: allocation failed")
		_ = w.WriteMsg(new(dns.Msg).SetRcode(req, dns.RcodeServerFailure))
		return
	}

	msg := new(dns.Msg)
	msg.SetReply(req)
	msg.Answer = append(msg.Answer, &dns.A{
		Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 1},
		A:   net.IP(ip.AsSlice()),
	})
	if err := w.WriteMsg(msg); err != nil {
		r.log.Warn().Err(err).Msg("fakedns: write reply failed")
	}
}

func (r *Responder) forward(w dns.ResponseWriter, req *dns.Msg) {
	c := &dns.Client{
		Net:     "udp",
		Timeout: 5 * time.Second,
		Dialer:  &net.Dialer{},
	}
	if r.dial != nil {
		conn, err := r.dial(context.Background(), "udp", r.upstream)
		if err != nil {
			r.log.Warn().Err(err).Msg("fakedns: upstream dial failed")
			_ = w.WriteMsg(new(dns.Msg).SetRcode(req, dns.RcodeServerFailure))
			return
		}
		defer conn.Close()
		dc := &dns.Conn{Conn: conn}
		if err := dc.WriteMsg(req); err != nil {
			r.log.Warn().Err(err).Msg("fakedns: upstream write failed")
			return
		}
		resp, err := dc.ReadMsg()
		if err != nil {
			r.log.Warn().Err(err).Msg("fakedns: upstream read failed")
			return
		}
		_ = w.WriteMsg(resp)
		return
	}

	resp, _, err := c.Exchange(req, r.upstream)
	if err != nil {
		r.log.Warn().Err(err).Msg("fakedns: upstream exchange failed")
		_ = w.WriteMsg(new(dns.Msg).SetRcode(req, dns.RcodeServerFailure))
		return
	}
	_ = w.WriteMsg(resp)
}

var _ dns.Handler = (*Responder)(nil)
