// Package resolver decides which address a decoy connection is attributed to.
package resolver

import (
	"math/rand/v2"
	"net"
	"net/netip"
	"strings"
	"sync"
)

// Resolver maps raw peer addresses to attributed ones. With TestMode on,
// non-routable peers are swapped for a random member of the demo set so a
// local connection still produces a plottable event.
type Resolver struct {
	testMode bool
	demo     []string

	mu  sync.Mutex
	rnd *rand.Rand
}

type Option func(*Resolver)

// WithRand injects the random source used for demo substitution.
func WithRand(r *rand.Rand) Option {
	return func(res *Resolver) { res.rnd = r }
}

func New(testMode bool, demo []string, opts ...Option) *Resolver {
	r := &Resolver{testMode: testMode, demo: append([]string(nil), demo...)}
	for _, o := range opts {
		o(r)
	}
	if r.rnd == nil {
		r.rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return r
}

func (r *Resolver) TestMode() bool { return r.testMode }

// Resolve never fails: it only normalises and optionally substitutes.
func (r *Resolver) Resolve(raw string) string {
	addr := Normalize(raw)
	if !r.testMode || len(r.demo) == 0 || !IsNonRoutable(addr) {
		return addr
	}
	r.mu.Lock()
	i := r.rnd.IntN(len(r.demo))
	r.mu.Unlock()
	return r.demo[i]
}

// Normalize strips a port and unmaps IPv4-in-IPv6 forms. Input that does
// not parse as an IP is returned trimmed but otherwise untouched.
func Normalize(raw string) string {
	s := strings.TrimSpace(raw)
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.Trim(s, "[]")
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}
	ip, err := netip.ParseAddr(s)
	if err != nil {
		return s
	}
	return ip.Unmap().String()
}

// IsNonRoutable reports loopback, private, link-local and unspecified
// addresses. Unparseable input is treated as routable so it is never
// silently replaced.
func IsNonRoutable(addr string) bool {
	ip, err := netip.ParseAddr(Normalize(addr))
	if err != nil {
		return false
	}
	ip = ip.Unmap()
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}
