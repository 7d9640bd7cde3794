package router

import (
	"testing"

	"go.uber.org/zap"

	"github.com/wardenproxy/warden/internal/proxyconfig"
)

func TestBuildSkipsDisabledHosts(t *testing.T) {
	hosts := []*proxyconfig.Host{
		{ID: 1, Domains: []string{"a.example.com"}, Enabled: false},
	}
	tbl := Build(hosts, zap.NewNop())
	if _, _, _, ok := tbl.Resolve("a.example.com", "/"); ok {
		t.Fatal("expected disabled host to be absent from the table")
	}
}

func TestBuildAddsWwwAliasWhenRedirectWWW(t *testing.T) {
	hosts := []*proxyconfig.Host{
		{ID: 1, Domains: []string{"example.com"}, Enabled: true, RedirectWWW: true},
	}
	tbl := Build(hosts, zap.NewNop())
	if _, _, _, ok := tbl.Resolve("www.example.com", "/"); !ok {
		t.Fatal("expected www. alias to resolve")
	}
}

func TestResolveHostNotFound(t *testing.T) {
	tbl := Build(nil, zap.NewNop())
	if _, _, _, ok := tbl.Resolve("nope.example.com", "/"); ok {
		t.Fatal("expected ok=false for unknown host")
	}
}

func TestResolveHostFoundNoLocationMatches(t *testing.T) {
	hosts := []*proxyconfig.Host{
		{ID: 1, Domains: []string{"a.example.com"}, Enabled: true, Locations: []proxyconfig.Location{
			{Path: "/api", MatchType: proxyconfig.MatchExact, Index: 0},
		}},
	}
	tbl := Build(hosts, zap.NewNop())
	entry, loc, _, ok := tbl.Resolve("a.example.com", "/other")
	if !ok || entry == nil {
		t.Fatal("expected host found")
	}
	if loc != nil {
		t.Fatal("expected no location match")
	}
}

func TestSpecificityOrderingExactBeforePrefix(t *testing.T) {
	hosts := []*proxyconfig.Host{
		{ID: 1, Domains: []string{"a.example.com"}, Enabled: true, Locations: []proxyconfig.Location{
			{Path: "/", MatchType: proxyconfig.MatchPrefix, Index: 0},
			{Path: "/api/v1", MatchType: proxyconfig.MatchPrefix, Index: 1},
			{Path: "/api/v1/special", MatchType: proxyconfig.MatchExact, Index: 2},
		}},
	}
	tbl := Build(hosts, zap.NewNop())
	_, loc, _, ok := tbl.Resolve("a.example.com", "/api/v1/special")
	if !ok || loc == nil {
		t.Fatal("expected a match")
	}
	if loc.MatchType != proxyconfig.MatchExact {
		t.Fatalf("expected exact match to win over overlapping prefixes, got %+v", loc)
	}
}

func TestPrefixTieBrokenByLongerPath(t *testing.T) {
	hosts := []*proxyconfig.Host{
		{ID: 1, Domains: []string{"a.example.com"}, Enabled: true, Locations: []proxyconfig.Location{
			{Path: "/api", MatchType: proxyconfig.MatchPrefix, Index: 0},
			{Path: "/api/v1", MatchType: proxyconfig.MatchPrefix, Index: 1},
		}},
	}
	tbl := Build(hosts, zap.NewNop())
	_, loc, idx, ok := tbl.Resolve("a.example.com", "/api/v1/resource")
	if !ok || loc == nil {
		t.Fatal("expected a match")
	}
	if idx != 1 {
		t.Fatalf("expected the longer /api/v1 prefix to win, got location index %d", idx)
	}
}

func TestInvalidRegexLocationDropped(t *testing.T) {
	hosts := []*proxyconfig.Host{
		{ID: 1, Domains: []string{"a.example.com"}, Enabled: true, Locations: []proxyconfig.Location{
			{Path: "(unterminated", MatchType: proxyconfig.MatchRegex, Index: 0},
		}},
	}
	tbl := Build(hosts, zap.NewNop())
	entry, _, _, ok := tbl.Resolve("a.example.com", "/anything")
	if !ok {
		t.Fatal("expected host still present")
	}
	if len(entry.Locations) != 0 {
		t.Fatalf("expected the invalid regex location to be dropped, got %+v", entry.Locations)
	}
}

func TestNormalizeHostStripsPortAndLowercases(t *testing.T) {
	if got := NormalizeHost("Example.COM:8080"); got != "example.com" {
		t.Fatalf("got %q", got)
	}
	if got := NormalizeHost("example.com"); got != "example.com" {
		t.Fatalf("got %q", got)
	}
}

func TestCompileHeadersSortedByName(t *testing.T) {
	hs := compileHeaders(map[string]string{"X-B": "2", "X-A": "1"})
	if len(hs) != 2 || hs[0].Name != "X-A" || hs[1].Name != "X-B" {
		t.Fatalf("expected headers sorted by name, got %+v", hs)
	}
}

func TestCompileHeadersEmptyReturnsNil(t *testing.T) {
	if hs := compileHeaders(nil); hs != nil {
		t.Fatalf("expected nil for empty map, got %+v", hs)
	}
}
