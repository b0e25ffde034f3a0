package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/yawning/veilnet/accounting"
	"github.com/yawning/veilnet/mux"
	"github.com/yawning/veilnet/pipe"
	"github.com/yawning/veilnet/route"
)

// defaultSlots is the size of the controller's session pool, per
// §4.6 ("order of 16").
const defaultSlots = 16

const (
	minBackoff       = 0
	maxBackoff       = 120 * time.Second
	backoffBase      = 100 * time.Millisecond
	perSlotStaggerMS = 10000 // slot*10s per §4.6
	dialBudget       = 5 * time.Second

	dialerRefreshMin = 300 * time.Second
	dialerRefreshMax = 3600 * time.Second

	hotPotatoTrySend = 100 * time.Millisecond
)

// State is a session slot's externally observable lifecycle state.
type State int

const (
	StateIdle State = iota
	StateDialing
	StateConnected
	StateFailed
)

// ConnectRequest is one entry on the shared hot-potato channel: a
// destination string awaiting a mux stream, with a reply slot any
// session may fulfil.
type ConnectRequest struct {
	Destination string
	Reply       chan ConnectResult
}

// ConnectResult is delivered to a ConnectRequest's Reply channel.
type ConnectResult struct {
	Stream *mux.Stream
	Err    error
}

// DialerFactory produces a fresh route.Descriptor-compiled dialer and
// the exit it targets, refreshed periodically so stale net-status
// never persists across a slot's whole lifetime.
type DialerFactory func(ctx context.Context) (pipe.Dialer, ExitStatus, error)

// Authenticator runs the §4.5 handshake over a freshly dialed and
// obfuscated pipe, returning the authenticated pipe ready for mux.New.
type Authenticator func(p pipe.Pipe, exit ExitStatus) (pipe.Pipe, error)

// TokenStore supplies stored bandwidth tokens for the client-side
// redemption loop (§4.8); satisfied by *store.Store. A nil TokenStore
// disables redemption, e.g. for an unmetered direct exit.
type TokenStore interface {
	PopBandwidthToken(ctx context.Context) ([]byte, bool, error)
}

// Controller owns the client's pool of concurrently live sessions.
type Controller struct {
	factory      DialerFactory
	authenticate Authenticator
	tokens       TokenStore
	log          zerolog.Logger

	hotPotato chan ConnectRequest

	activeSessions int64

	slots []*Slot

	cancel context.CancelFunc
}

// Slot is one of the controller's supervised session loops.
type Slot struct {
	id       int
	ctrl     *Controller
	state    atomic.Value // State
	failures int
	mu       sync.Mutex
	mx       *mux.Mux
	exit     ExitStatus
}

// NewController builds a controller with n slots (defaultSlots if
// n<=0) and starts each slot's supervisor loop plus the independent
// dialer-refresh task. tokens may be nil to disable bandwidth-token
// redemption entirely.
func NewController(ctx context.Context, n int, factory DialerFactory, authenticate Authenticator, tokens TokenStore, log zerolog.Logger) *Controller {
	if n <= 0 {
		n = defaultSlots
	}
	ctx, cancel := context.WithCancel(ctx)
	c := &Controller{
		factory:      factory,
		authenticate: authenticate,
		tokens:       tokens,
		log:          log,
		hotPotato:    make(chan ConnectRequest, 64),
		cancel:       cancel,
	}
	for i := 0; i < n; i++ {
		s := &Slot{id: i, ctrl: c}
		s.state.Store(StateIdle)
		c.slots = append(c.slots, s)
		go s.run(ctx)
	}
	return c
}

// Stop cancels every slot's context, tearing down dials, muxes, and
// downstream streams.
func (c *Controller) Stop() { c.cancel() }

// ActiveSessions reports the current count of Connected slots.
func (c *Controller) ActiveSessions() int64 { return atomic.LoadInt64(&c.activeSessions) }

// OpenConn queues a hot-potato request for destination, failing if the
// queue stays full for hotPotatoTrySend, and then waits for a session
// to satisfy it or ctx to end.
func (c *Controller) OpenConn(ctx context.Context, destination string) (*mux.Stream, error) {
	req := ConnectRequest{Destination: destination, Reply: make(chan ConnectResult, 1)}
	select {
	case c.hotPotato <- req:
	case <-time.After(hotPotatoTrySend):
		return nil, fmt.Errorf("session: no session took the request for %s", destination)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-req.Reply:
		return res.Stream, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Slot) setState(st State) { s.state.Store(st) }

// State reports the slot's current lifecycle state.
func (s *Slot) State() State { return s.state.Load().(State) }

func (s *Slot) run(ctx context.Context) {
	stagger := time.Duration(rand.Intn(s.id*perSlotStaggerMS+1)) * time.Millisecond
	select {
	case <-time.After(stagger):
	case <-ctx.Done():
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		wait := backoff(s.failures)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}

		if err := s.connectAndServe(ctx); err != nil {
			s.ctrl.log.Warn().Int("slot", s.id).Err(err).Msg("session: slot failed")
			s.failures++
			s.setState(StateFailed)
			continue
		}
		s.failures = 0
	}
}

func backoff(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	maxJitter := backoffBase * time.Duration(math.Pow(2, float64(failures)))
	if maxJitter > maxBackoff {
		maxJitter = maxBackoff
	}
	return time.Duration(rand.Int63n(int64(maxJitter) + 1))
}

func (s *Slot) connectAndServe(ctx context.Context) error {
	s.setState(StateDialing)

	dialCtx, cancel := context.WithTimeout(ctx, dialBudget+backoff(s.failures))
	defer cancel()

	dialer, exit, err := s.ctrl.factory(dialCtx)
	if err != nil {
		return fmt.Errorf("session: resolve dialer: %w", err)
	}

	type dialOut struct {
		p   pipe.Pipe
		err error
	}
	ch := make(chan dialOut, 1)
	go func() {
		p, err := dialer.Dial()
		ch <- dialOut{p, err}
	}()

	var raw pipe.Pipe
	select {
	case r := <-ch:
		if r.err != nil {
			return fmt.Errorf("session: dial: %w", r.err)
		}
		raw = r.p
	case <-dialCtx.Done():
		return fmt.Errorf("session: dial timed out")
	}

	authed, err := s.ctrl.authenticate(raw, exit)
	if err != nil {
		_ = raw.Close()
		return fmt.Errorf("session: handshake: %w", err)
	}

	mx := mux.New(authed, false, mux.DefaultOptions(), s.ctrl.log)
	s.mu.Lock()
	s.mx = mx
	s.exit = exit
	s.mu.Unlock()

	s.setState(StateConnected)
	atomic.AddInt64(&s.ctrl.activeSessions, 1)
	defer func() {
		atomic.AddInt64(&s.ctrl.activeSessions, -1)
		_ = mx.Close()
	}()

	if s.id == 0 {
		go runBandwidthAccounting(ctx, mx, s.ctrl.tokens, s.ctrl.log)
	}

	refreshCtx, stopRefresh := context.WithCancel(ctx)
	defer stopRefresh()
	go s.refreshDialerPeriodically(refreshCtx, mx)

	return s.serveHotPotato(ctx, mx)
}

func (s *Slot) serveHotPotato(ctx context.Context, mx *mux.Mux) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-s.ctrl.hotPotato:
			meta := []byte(req.Destination)
			stream, err := mx.Open(meta)
			if err != nil {
				// Hot potato: someone else's slot may still succeed.
				select {
				case s.ctrl.hotPotato <- req:
				default:
					req.Reply <- ConnectResult{Err: err}
				}
				if isMuxFatal(err) {
					return err
				}
				continue
			}
			req.Reply <- ConnectResult{Stream: stream}
		}
	}
}

// refreshDialerPeriodically tears the slot's mux down after a random
// interval in [dialerRefreshMin, dialerRefreshMax], forcing the slot's
// supervisor loop to re-resolve the route from fresh net-status
// instead of dialing the same cached exit indefinitely.
func (s *Slot) refreshDialerPeriodically(ctx context.Context, mx *mux.Mux) {
	span := int64(dialerRefreshMax - dialerRefreshMin)
	wait := dialerRefreshMin + time.Duration(rand.Int63n(span+1))
	select {
	case <-time.After(wait):
		_ = mx.Close()
	case <-ctx.Done():
	}
}

func isMuxFatal(err error) bool {
	return errors.Is(err, mux.ErrMuxDead)
}

// bwAccountingMetadata is the reserved stream metadata slot 0 opens
// for the bandwidth-token exchange loop, per §4.6.
const bwAccountingMetadata = accounting.StreamMetadata

// runBandwidthAccounting drives the §4.8 client-side bandwidth loop over
// the reserved stream: it tracks the exit's reported remaining balance
// and, concurrently, redeems stored tokens once that balance runs low.
// tokens may be nil, in which case only the read half runs.
func runBandwidthAccounting(ctx context.Context, mx *mux.Mux, tokens TokenStore, log zerolog.Logger) {
	stream, err := mx.Open([]byte(bwAccountingMetadata))
	if err != nil {
		log.Warn().Err(err).Msg("session: bandwidth accounting stream open failed")
		return
	}
	defer stream.Close()

	var remaining uint64
	atomic.StoreUint64(&remaining, math.MaxUint64)

	if tokens != nil {
		go redeemBandwidthTokens(ctx, stream, tokens, &remaining, log)
	}

	buf := make([]byte, 8)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := stream.Read(buf)
		if err != nil {
			return
		}
		if n != 8 {
			continue
		}
		r, err := accounting.DecodeRemaining(buf[:n])
		if err != nil {
			continue
		}
		atomic.StoreUint64(&remaining, r)
		log.Debug().Uint64("remaining", r).Msg("session: bandwidth balance update")
	}
}

// redeemBandwidthTokens pops a stored token and writes it to stream
// whenever remaining drops below accounting.LowBalanceThreshold, per
// §4.8: "when below a threshold, it pops one stored token and sends it
// to the exit. When no token is available, it waits 1s and retries."
func redeemBandwidthTokens(ctx context.Context, stream *mux.Stream, tokens TokenStore, remaining *uint64, log zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if atomic.LoadUint64(remaining) >= accounting.LowBalanceThreshold {
			select {
			case <-time.After(accounting.TokenRetryInterval):
				continue
			case <-ctx.Done():
				return
			}
		}

		blob, ok, err := tokens.PopBandwidthToken(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("session: bandwidth token pop failed")
			select {
			case <-time.After(accounting.TokenRetryInterval):
			case <-ctx.Done():
				return
			}
			continue
		}
		if !ok {
			select {
			case <-time.After(accounting.TokenRetryInterval):
			case <-ctx.Done():
				return
			}
			continue
		}

		if _, err := stream.Write(append(blob, '\n')); err != nil {
			log.Warn().Err(err).Msg("session: bandwidth token write failed")
			return
		}
		// Hold off re-checking until the exit's next remaining update
		// reflects the redemption, rather than spinning on a stale balance.
		select {
		case <-time.After(accounting.TokenRetryInterval):
		case <-ctx.Done():
			return
		}
	}
}

// NewRequestID mints a fresh session/control-RPC request id.
func NewRequestID() string { return uuid.NewString() }
