// Package router implements Warden's compiled routing table: the
// domain-to-Host map and, per host, a specificity-ordered list of
// compiled location matchers.
package router

import (
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/wardenproxy/warden/internal/proxyconfig"
)

// Header is a pre-compiled response header name/value pair, computed
// once at snapshot build time so dispatching a request never
// allocates or re-sorts custom headers.
type Header struct {
	Name  string
	Value string
}

// CompiledLocation is a Location plus its compiled matcher and its
// original (pre-sort) index, so callers can look up precomputed
// per-location state keyed by that stable index.
type CompiledLocation struct {
	proxyconfig.Location
	OriginalIndex int
	Headers       []Header
	regex         *regexp.Regexp
}

func compileHeaders(m map[string]string) []Header {
	if len(m) == 0 {
		return nil
	}
	out := make([]Header, 0, len(m))
	for k, v := range m {
		out = append(out, Header{Name: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// HostEntry is one routable Host: its config plus compiled locations,
// already sorted by specificity.
type HostEntry struct {
	Host      *proxyconfig.Host
	Locations []CompiledLocation
}

// Table is the built routing table: a lowercase-domain to HostEntry map.
type Table struct {
	byDomain map[string]*HostEntry
}

// Build compiles a routing table from the given hosts. Disabled hosts
// are excluded entirely. Invalid regex locations are dropped (logged),
// the rest of the host remains active.
func Build(hosts []*proxyconfig.Host, logger *zap.Logger) *Table {
	t := &Table{byDomain: make(map[string]*HostEntry)}

	for _, h := range hosts {
		if !h.Enabled {
			continue
		}
		entry := &HostEntry{Host: h}
		for _, loc := range h.Locations {
			cl := CompiledLocation{Location: loc, OriginalIndex: loc.Index, Headers: compileHeaders(loc.Headers)}
			if loc.MatchType == proxyconfig.MatchRegex {
				re, err := regexp.Compile(loc.Path)
				if err != nil {
					logger.Warn("dropping location with invalid regex",
						zap.Int("host_id", h.ID), zap.String("path", loc.Path), zap.Error(err))
					continue
				}
				cl.regex = re
			}
			entry.Locations = append(entry.Locations, cl)
		}
		sortBySpecificity(entry.Locations)

		for _, domain := range h.Domains {
			d := strings.ToLower(domain)
			t.byDomain[d] = entry // duplicate domain keys: last host wins
			if h.RedirectWWW && !strings.HasPrefix(d, "www.") {
				t.byDomain["www."+d] = entry
			}
		}
	}

	return t
}

// sortBySpecificity orders locations exact (longest path first), then
// prefix (longest path first), then regex (original config order).
// The sort is stable, so regex order is preserved by construction.
func sortBySpecificity(locs []CompiledLocation) {
	rank := func(mt proxyconfig.MatchType) int {
		switch mt {
		case proxyconfig.MatchExact:
			return 0
		case proxyconfig.MatchPrefix:
			return 1
		default:
			return 2
		}
	}
	// stable insertion sort keeps it simple and preserves regex order
	// (rank 2 entries never get reordered relative to each other)
	for i := 1; i < len(locs); i++ {
		for j := i; j > 0; j-- {
			a, b := locs[j-1], locs[j]
			ra, rb := rank(a.MatchType), rank(b.MatchType)
			swap := false
			switch {
			case ra != rb:
				swap = ra > rb
			case ra == 2:
				swap = false // regex: preserve original order
			default:
				swap = len(a.Path) < len(b.Path) // exact/prefix: longer path wins ties
			}
			if !swap {
				break
			}
			locs[j-1], locs[j] = locs[j], locs[j-1]
		}
	}
}

// NormalizeHost strips a trailing ":port" and lowercases h. If h is
// already lowercase and has no port, the original string is returned
// without allocation.
func NormalizeHost(h string) string {
	if i := strings.IndexByte(h, ':'); i >= 0 {
		h = h[:i]
	}
	for i := 0; i < len(h); i++ {
		c := h[i]
		if c >= 'A' && c <= 'Z' {
			return strings.ToLower(h)
		}
	}
	return h
}

// Resolve looks up host (already normalized by the caller or raw), and
// if found, walks its compiled locations in order and returns the
// first match. locIndex is the location's OriginalIndex, for looking
// up precomputed per-location state (e.g. an UpstreamSelector).
func (t *Table) Resolve(host, path string) (entry *HostEntry, loc *CompiledLocation, locIndex int, ok bool) {
	h := NormalizeHost(host)
	e, found := t.byDomain[h]
	if !found {
		return nil, nil, 0, false
	}
	for i := range e.Locations {
		if matchLocation(&e.Locations[i], path) {
			return e, &e.Locations[i], e.Locations[i].OriginalIndex, true
		}
	}
	return e, nil, 0, true
}

func matchLocation(cl *CompiledLocation, path string) bool {
	switch cl.MatchType {
	case proxyconfig.MatchExact:
		return path == cl.Path
	case proxyconfig.MatchRegex:
		return cl.regex != nil && cl.regex.MatchString(path)
	default: // prefix
		return strings.HasPrefix(path, cl.Path)
	}
}
