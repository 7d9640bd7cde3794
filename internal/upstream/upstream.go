// Package upstream implements Warden's UpstreamSelector: a pluggable
// backend-selection policy (round robin, consistent hash, random) over
// a deduplicated, DNS-resolved set of upstream socket addresses.
package upstream

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"sort"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/wardenproxy/warden/internal/proxyconfig"
)

// Backend is one resolved, selectable upstream address.
type Backend struct {
	Addr   string // host:port, already resolved
	Weight int
}

// Selector picks a Backend for a request. All implementations are
// safe for concurrent use; Select never blocks.
type Selector interface {
	// Select returns a backend for the given hash key, or false if the
	// pool is empty. key is only consulted by hash-based policies.
	Select(key []byte) (Backend, bool)
}

// resolveDedup resolves each upstream's host:port via DNS and
// deduplicates by resolved socket address. Resolution failures are
// logged and the upstream is dropped, not fatal to the build.
func resolveDedup(ctx context.Context, ups []proxyconfig.Upstream, logger *zap.Logger) []Backend {
	seen := make(map[string]struct{})
	var out []Backend
	resolver := net.DefaultResolver
	for _, u := range ups {
		resolveCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		ips, err := resolver.LookupHost(resolveCtx, u.Server)
		cancel()
		if err != nil {
			logger.Warn("dropping unresolvable upstream",
				zap.String("server", u.Server), zap.Error(err))
			continue
		}
		for _, ip := range ips {
			addr := fmt.Sprintf("%s:%d", ip, u.Port)
			if _, dup := seen[addr]; dup {
				continue
			}
			seen[addr] = struct{}{}
			out = append(out, Backend{Addr: addr, Weight: u.Weight})
			break // one resolved address per configured upstream entry
		}
	}
	return out
}

// Build constructs a Selector for the given upstreams and balance
// method. It returns (nil, false) if, after DNS resolution and
// dedup, no backend remains.
func Build(ctx context.Context, ups []proxyconfig.Upstream, method proxyconfig.BalanceMethod, logger *zap.Logger) (Selector, bool) {
	backends := resolveDedup(ctx, ups, logger)
	if len(backends) == 0 {
		return nil, false
	}

	switch method {
	case proxyconfig.BalanceIPHash:
		return newConsistentSelector(backends), true
	case proxyconfig.BalanceRandom:
		return &randomSelector{backends: backends}, true
	default: // round_robin, weighted, least_connections all bind to weighted RR
		return newRoundRobinSelector(backends), true
	}
}

// --- round robin / weighted round robin ---

// roundRobinSelector expands weighted backends into a flat multiset
// and cycles through it with an atomic counter. Weight 0 contributes
// no entries.
type roundRobinSelector struct {
	entries []Backend
	counter atomic.Uint64
}

func newRoundRobinSelector(backends []Backend) *roundRobinSelector {
	var entries []Backend
	for _, b := range backends {
		for i := 0; i < b.Weight; i++ {
			entries = append(entries, b)
		}
	}
	return &roundRobinSelector{entries: entries}
}

func (s *roundRobinSelector) Select([]byte) (Backend, bool) {
	if len(s.entries) == 0 {
		return Backend{}, false
	}
	i := s.counter.Add(1) - 1
	return s.entries[i%uint64(len(s.entries))], true
}

// --- random ---

type randomSelector struct {
	backends []Backend
}

func (s *randomSelector) Select([]byte) (Backend, bool) {
	if len(s.backends) == 0 {
		return Backend{}, false
	}
	return s.backends[rand.IntN(len(s.backends))], true
}

// --- consistent hashing (Ketama-style ring) ---

const ringPointsPerBackend = 160

type ringPoint struct {
	hash    uint64
	backend int
}

type consistentSelector struct {
	backends []Backend
	ring     []ringPoint
}

func newConsistentSelector(backends []Backend) *consistentSelector {
	s := &consistentSelector{backends: backends}
	for bi, b := range backends {
		for p := 0; p < ringPointsPerBackend; p++ {
			key := fmt.Sprintf("%s-%d", b.Addr, p)
			s.ring = append(s.ring, ringPoint{hash: xxhash.Sum64String(key), backend: bi})
		}
	}
	sort.Slice(s.ring, func(i, j int) bool { return s.ring[i].hash < s.ring[j].hash })
	return s
}

func (s *consistentSelector) Select(key []byte) (Backend, bool) {
	if len(s.backends) == 0 {
		return Backend{}, false
	}
	if len(key) == 0 {
		return s.backends[0], true
	}
	h := xxhash.Sum64(key)
	i := sort.Search(len(s.ring), func(i int) bool { return s.ring[i].hash >= h })
	if i == len(s.ring) {
		i = 0
	}
	return s.backends[s.ring[i].backend], true
}
