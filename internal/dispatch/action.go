// Package dispatch implements Warden's Dispatcher (C8): it resolves a
// request's (host, path, port, client IP, auth) tuple against a
// state.Snapshot into exactly one Action, a closed union of request
// outcomes. The Dispatcher is pure: it never performs I/O or blocks.
package dispatch

import "github.com/wardenproxy/warden/internal/router"

// Header is a pre-compiled response header name/value pair, computed
// once at snapshot build time (see internal/router) so executing an
// Action never allocates or re-sorts custom headers.
type Header = router.Header

// Action is the discriminated union the Dispatcher produces. Each
// variant owns all the data it carries (no snapshot borrows), so a
// caller may hold an Action across suspension points safely.
type Action interface {
	isAction()
}

// Proxy forwards the request to upstreamAddr.
type Proxy struct {
	UpstreamAddr string
	HostID       *int
	GroupID      *int
	HSTS         bool
	Headers      []Header
}

// Redirect emits an HTTP redirect to Location with StatusCode.
type Redirect struct {
	StatusCode int
	Location   string
}

// ForceHTTPS rewrites a plain-HTTP request to its HTTPS equivalent.
type ForceHTTPS struct {
	Location string
}

// ServeStatic serves a file tree rooted at StaticDir.
type ServeStatic struct {
	StaticDir    string
	LocationPath string
	CacheExpires string
	HostID       *int
	GroupID      *int
	Headers      []Header
}

// ServeFile serves a single configured file path.
type ServeFile struct {
	FilePath     string
	CacheExpires string
	HostID       *int
	GroupID      *int
	Headers      []Header
}

// ServeDefault serves the global default page.
type ServeDefault struct {
	DefaultPagePath string
}

// AccessDenied means the client failed the matched Location's ACL.
type AccessDenied struct {
	HostID  *int
	GroupID *int
}

// AuthRequired means the matched Location requires Basic Auth the
// client did not supply or supplied incorrectly.
type AuthRequired struct{}

// AcmeChallenge serves the ACME HTTP-01 challenge file for Token.
type AcmeChallenge struct {
	Token string
}

// NoUpstream means a Location resolved to a proxy with no selectable backend.
type NoUpstream struct {
	HostID  *int
	GroupID *int
}

func (Proxy) isAction()         {}
func (Redirect) isAction()      {}
func (ForceHTTPS) isAction()    {}
func (ServeStatic) isAction()   {}
func (ServeFile) isAction()     {}
func (ServeDefault) isAction()  {}
func (AccessDenied) isAction()  {}
func (AuthRequired) isAction()  {}
func (AcmeChallenge) isAction() {}
func (NoUpstream) isAction()    {}
