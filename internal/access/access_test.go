package access

import (
	"encoding/base64"
	"net/netip"
	"testing"

	"github.com/wardenproxy/warden/internal/proxyconfig"
)

func mustAddr(t *testing.T, s string) netip.Addr {
	t.Helper()
	a, err := netip.ParseAddr(s)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestCompileRuleAll(t *testing.T) {
	r := CompileRule(proxyconfig.ClientRule{Address: "all", Directive: proxyconfig.DirectiveAllow})
	if !r.MatchAll || !r.valid {
		t.Fatalf("expected valid catch-all rule, got %+v", r)
	}
}

func TestCompileRuleBareIPPromotedToHostPrefix(t *testing.T) {
	r := CompileRule(proxyconfig.ClientRule{Address: "10.0.0.5", Directive: proxyconfig.DirectiveAllow})
	if !r.valid || r.Prefix.Bits() != 32 {
		t.Fatalf("expected /32 prefix, got %+v", r)
	}
}

func TestCheckIPLastMatchWins(t *testing.T) {
	rules := []Rule{
		CompileRule(proxyconfig.ClientRule{Address: "10.0.0.0/8", Directive: proxyconfig.DirectiveAllow}),
		CompileRule(proxyconfig.ClientRule{Address: "10.1.0.0/16", Directive: proxyconfig.DirectiveDeny}),
	}
	if checkIP(rules, mustAddr(t, "10.1.2.3"), true) {
		t.Fatal("expected later, more specific deny to win")
	}
	if !checkIP(rules, mustAddr(t, "10.2.2.3"), true) {
		t.Fatal("expected the allow rule to apply outside the deny subnet")
	}
}

func TestCheckIPEmptyListVacuouslyTrue(t *testing.T) {
	if !checkIP(nil, mustAddr(t, "1.2.3.4"), true) {
		t.Fatal("expected empty rule list to allow")
	}
}

func TestCheckIPMissingClientIPFailsNonEmptyList(t *testing.T) {
	rules := []Rule{CompileRule(proxyconfig.ClientRule{Address: "all", Directive: proxyconfig.DirectiveAllow})}
	if checkIP(rules, netip.Addr{}, false) {
		t.Fatal("expected missing client IP against a non-empty rule list to fail")
	}
}

func basicAuthHeader(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

func TestCheckAuthPlain(t *testing.T) {
	entries := []proxyconfig.BasicAuthEntry{{Username: "alice", Password: "hunter2", Hash: proxyconfig.HashPlain}}
	if !checkAuth(entries, basicAuthHeader("alice", "hunter2")) {
		t.Fatal("expected correct plain credentials to pass")
	}
	if checkAuth(entries, basicAuthHeader("alice", "wrong")) {
		t.Fatal("expected wrong password to fail")
	}
}

func TestCheckAuthEmptyListVacuouslyTrue(t *testing.T) {
	if !checkAuth(nil, "") {
		t.Fatal("expected empty auth list to allow")
	}
}

func TestCheckAuthRejectsMalformedHeader(t *testing.T) {
	entries := []proxyconfig.BasicAuthEntry{{Username: "alice", Password: "x", Hash: proxyconfig.HashPlain}}
	if checkAuth(entries, "Bearer abc123") {
		t.Fatal("expected non-Basic scheme to fail")
	}
}

func TestCheckSatisfyAny(t *testing.T) {
	cl := Compile(proxyconfig.AccessList{
		ID:      "al1",
		Satisfy: proxyconfig.SatisfyAny,
		Clients: []proxyconfig.ClientRule{{Address: "10.0.0.0/8", Directive: proxyconfig.DirectiveAllow}},
		Auth:    []proxyconfig.BasicAuthEntry{{Username: "alice", Password: "x", Hash: proxyconfig.HashPlain}},
	})
	// IP passes, auth absent: satisfy=any should allow outright.
	v := Check(cl, mustAddr(t, "10.1.1.1"), true, "")
	if v != Allowed {
		t.Fatalf("expected Allowed, got %v", v)
	}
}

func TestCheckSatisfyAll(t *testing.T) {
	cl := Compile(proxyconfig.AccessList{
		ID:      "al1",
		Satisfy: proxyconfig.SatisfyAll,
		Clients: []proxyconfig.ClientRule{{Address: "10.0.0.0/8", Directive: proxyconfig.DirectiveAllow}},
		Auth:    []proxyconfig.BasicAuthEntry{{Username: "alice", Password: "x", Hash: proxyconfig.HashPlain}},
	})
	if v := Check(cl, mustAddr(t, "10.1.1.1"), true, ""); v != AuthRequired {
		t.Fatalf("expected AuthRequired when IP passes but auth missing under satisfy=all, got %v", v)
	}
	if v := Check(cl, mustAddr(t, "192.168.1.1"), true, basicAuthHeader("alice", "x")); v != Denied {
		t.Fatalf("expected Denied when IP fails under satisfy=all even with correct auth, got %v", v)
	}
	if v := Check(cl, mustAddr(t, "10.1.1.1"), true, basicAuthHeader("alice", "x")); v != Allowed {
		t.Fatalf("expected Allowed when both checks pass under satisfy=all, got %v", v)
	}
}
