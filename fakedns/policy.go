package fakedns

import (
	"net/netip"
	"strings"

	"github.com/gobwas/glob"
)

// Policy decides whether a destination host bypasses the tunnel
// ("whitelisted") per §4.7. Grounded on the gobwas/glob matcher
// already present across the retrieval pack's manifest corpus for
// exactly this "match a domain against a static pattern set" shape.
type Policy struct {
	PassthroughChina bool

	chinaDomains glob.Glob
	chinaCIDRs   []netip.Prefix
}

// NewPolicy compiles the optional China-domain globset (one pattern
// per slice element, gobwas/glob syntax) and CIDR set. Either list may be nil.
func NewPolicy(passthroughChina bool, chinaDomainPatterns []string, chinaCIDRs []netip.Prefix) (*Policy, error) {
	p := &Policy{PassthroughChina: passthroughChina, chinaCIDRs: chinaCIDRs}
	if len(chinaDomainPatterns) > 0 {
		combined := "{" + strings.Join(chinaDomainPatterns, ",") + "}"
		g, err := glob.Compile(combined)
		if err != nil {
			return nil, err
		}
		p.chinaDomains = g
	}
	return p, nil
}

// IsWhitelisted reports whether host should be sent direct rather
// than tunneled, per §4.7's four conditions.
func (p *Policy) IsWhitelisted(host string) bool {
	if host == "" {
		return true
	}
	if strings.Contains(host, "[") || strings.Contains(host, "]") {
		return true
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		if addr.Is4() && (addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast()) {
			return true
		}
		if p.PassthroughChina {
			for _, prefix := range p.chinaCIDRs {
				if prefix.Contains(addr) {
					return true
				}
			}
		}
		return false
	}
	if p.PassthroughChina && p.chinaDomains != nil {
		return p.chinaDomains.Match(host)
	}
	return false
}
