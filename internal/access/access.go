// Package access implements Warden's access-control evaluator: CIDR
// allow/deny rule evaluation with last-match-wins semantics, and
// HTTP Basic Authentication against a configured credential list.
package access

import (
	"encoding/base64"
	"net/netip"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"

	"github.com/wardenproxy/warden/internal/proxyconfig"
)

// Verdict is the result of checking a request against an AccessList.
type Verdict int

const (
	Allowed Verdict = iota
	Denied
	AuthRequired
)

func (v Verdict) String() string {
	switch v {
	case Allowed:
		return "allowed"
	case Denied:
		return "denied"
	case AuthRequired:
		return "auth_required"
	default:
		return "unknown"
	}
}

// Rule is a pre-parsed ClientRule: either a CIDR prefix, or the
// "match all" keyword, whichever parsed from the rule's Address.
type Rule struct {
	Directive proxyconfig.Directive
	Prefix    netip.Prefix
	MatchAll  bool
	valid     bool
}

// CompileRule pre-parses a ClientRule's textual address. Unparseable or
// family-mismatched addresses still produce a Rule (valid=false) so the
// caller can keep positional alignment; such a rule never matches.
func CompileRule(cr proxyconfig.ClientRule) Rule {
	r := Rule{Directive: cr.Directive}
	addr := strings.TrimSpace(cr.Address)
	if addr == "all" {
		r.MatchAll = true
		r.valid = true
		return r
	}
	if p, err := netip.ParsePrefix(addr); err == nil {
		r.Prefix = p
		r.valid = true
		return r
	}
	// bare IP literal is equivalent to a /family-width prefix
	if ip, err := netip.ParseAddr(addr); err == nil {
		bits := 32
		if ip.Is6() && !ip.Is4In6() {
			bits = 128
		}
		r.Prefix = netip.PrefixFrom(ip, bits)
		r.valid = true
		return r
	}
	return r
}

// CompiledList is an AccessList with its client rules pre-parsed.
type CompiledList struct {
	ID      string
	Satisfy proxyconfig.Satisfy
	Rules   []Rule
	Auth    []proxyconfig.BasicAuthEntry
}

// Compile pre-parses an AccessList's CIDR rules for fast request-time evaluation.
func Compile(al proxyconfig.AccessList) CompiledList {
	cl := CompiledList{ID: al.ID, Satisfy: al.Satisfy, Auth: al.Auth}
	if cl.Satisfy == "" {
		cl.Satisfy = proxyconfig.SatisfyAny
	}
	cl.Rules = make([]Rule, 0, len(al.Clients))
	for _, cr := range al.Clients {
		cl.Rules = append(cl.Rules, CompileRule(cr))
	}
	return cl
}

// cidrMatch reports whether ip matches rule's prefix, rejecting
// mismatched address families, over-wide prefix lengths, and
// unparseable rules by simply returning false rather than an error:
// CIDR evaluation never errors, it only fails to match.
func cidrMatch(ip netip.Addr, r Rule) bool {
	if !r.valid {
		return false
	}
	if r.MatchAll {
		return true
	}
	prefixAddr := r.Prefix.Addr()
	// normalize both sides to avoid 4-in-6 mismatches
	if ip.Is4In6() {
		ip = ip.Unmap()
	}
	if prefixAddr.Is4In6() {
		prefixAddr = prefixAddr.Unmap()
	}
	if ip.Is4() != prefixAddr.Is4() {
		return false
	}
	bits := r.Prefix.Bits()
	familyWidth := 32
	if !ip.Is4() {
		familyWidth = 128
	}
	if bits < 0 || bits > familyWidth {
		return false
	}
	return netip.PrefixFrom(prefixAddr, bits).Contains(ip)
}

// checkIP evaluates the ordered rule list against clientIP, last match
// wins, default deny. An empty rule list is vacuously true. A missing
// clientIP with a non-empty rule list fails.
func checkIP(rules []Rule, clientIP netip.Addr, hasClientIP bool) bool {
	if len(rules) == 0 {
		return true
	}
	if !hasClientIP {
		return false
	}
	result := false
	matched := false
	for _, r := range rules {
		if cidrMatch(clientIP, r) {
			matched = true
			result = r.Directive == proxyconfig.DirectiveAllow
		}
	}
	_ = matched // default (no match) is deny, i.e. result stays false
	return result
}

// checkAuth evaluates a Basic-Auth header against the entry list. An
// empty entry list is vacuously true.
func checkAuth(entries []proxyconfig.BasicAuthEntry, authHeader string) bool {
	if len(entries) == 0 {
		return true
	}
	const prefix = "Basic "
	if !strings.HasPrefix(authHeader, prefix) {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(authHeader[len(prefix):])
	if err != nil {
		return false
	}
	if !utf8.Valid(decoded) {
		return false
	}
	s := string(decoded)
	idx := strings.IndexByte(s, ':')
	if idx < 0 {
		return false
	}
	user, pass := s[:idx], s[idx+1:]

	for _, e := range entries {
		if e.Username != user {
			continue
		}
		if verifyPassword(e, pass) {
			return true
		}
	}
	return false
}

// verifyPassword compares pass against e's stored credential. Plain
// entries are opaque-string compared; bcrypt entries are verified via
// bcrypt.CompareHashAndPassword. This is the hashed-password
// verification extension point: bcrypt is opt-in per credential entry.
func verifyPassword(e proxyconfig.BasicAuthEntry, pass string) bool {
	switch e.Hash {
	case proxyconfig.HashBcrypt:
		return bcrypt.CompareHashAndPassword([]byte(e.Password), []byte(pass)) == nil
	default:
		return e.Password == pass
	}
}

// Check implements the satisfy=any/all combination of IP and Basic
// Auth gates: under "all" both must pass (an IP failure always denies;
// an auth failure challenges); under "any" either passing is enough.
func Check(cl CompiledList, clientIP netip.Addr, hasClientIP bool, authHeader string) Verdict {
	ipOK := checkIP(cl.Rules, clientIP, hasClientIP)
	authOK := checkAuth(cl.Auth, authHeader)
	hasClients := len(cl.Rules) > 0
	hasAuth := len(cl.Auth) > 0

	if cl.Satisfy == proxyconfig.SatisfyAll {
		if !ipOK {
			return Denied
		}
		if hasAuth && !authOK {
			return AuthRequired
		}
		return Allowed
	}

	// satisfy = any (default)
	if !hasClients && !hasAuth {
		return Allowed
	}
	if (hasClients && ipOK) || (hasAuth && authOK) {
		return Allowed
	}
	if hasAuth {
		return AuthRequired
	}
	return Denied
}
