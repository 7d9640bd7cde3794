package dispatch

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/wardenproxy/warden/internal/access"
	"github.com/wardenproxy/warden/internal/proxyconfig"
	"github.com/wardenproxy/warden/internal/router"
	"github.com/wardenproxy/warden/internal/state"
)

const acmeChallengePrefix = "/.well-known/acme-challenge/"

// Request carries everything the Dispatcher needs about one inbound
// connection/request. It owns its data; it does not reference the
// snapshot.
type Request struct {
	Host          string
	Path          string
	ServerPort    int
	ClientIP      netip.Addr
	HasClientIP   bool
	AuthHeader    string
	IsAdminPort   bool
	IsHTTPPort    bool
}

// Dispatch resolves req against snap into exactly one Action (P1).
func Dispatch(snap *state.Snapshot, req Request) Action {
	// 1. admin port bypasses all further checks (P2)
	if req.IsAdminPort {
		return Proxy{UpstreamAddr: snap.AdminUpstream, HSTS: false}
	}

	// 2. ACME challenge, ahead of routing (B2: empty token falls through)
	if strings.HasPrefix(req.Path, acmeChallengePrefix) {
		token := req.Path[len(acmeChallengePrefix):]
		if token != "" {
			return AcmeChallenge{Token: token}
		}
	}

	// 3. route
	if req.Host == "" {
		return ServeDefault{DefaultPagePath: snap.DefaultPagePath}
	}
	entry, loc, locIndex, found := snap.Router.Resolve(req.Host, req.Path)
	if !found {
		return ServeDefault{DefaultPagePath: snap.DefaultPagePath}
	}

	hostID := entry.Host.ID
	var groupID *int
	if entry.Host.GroupID != nil {
		groupID = entry.Host.GroupID
	}

	// 4. force-HTTPS gate
	if entry.Host.SSL != nil && entry.Host.SSL.ForceHTTPS && req.IsHTTPPort {
		return ForceHTTPS{Location: fmt.Sprintf("https://%s%s", req.Host, req.Path)}
	}

	if loc == nil {
		// host matched, no location: fall through to NoUpstream (step 7)
		return NoUpstream{HostID: &hostID, GroupID: groupID}
	}

	// 5. access control
	if loc.AccessListID != "" {
		if cl, ok := snap.AccessLists[loc.AccessListID]; ok {
			switch access.Check(cl, req.ClientIP, req.HasClientIP, req.AuthHeader) {
			case access.Denied:
				return AccessDenied{HostID: &hostID, GroupID: groupID}
			case access.AuthRequired:
				return AuthRequired{}
			}
		}
		// unknown ACL id: treat as no ACL (allow)
	}

	headers := loc.Headers

	// 6. location type dispatch
	switch loc.LocationType {
	case proxyconfig.LocationRedirect:
		return buildRedirect(loc, req)

	case proxyconfig.LocationStatic:
		return ServeStatic{
			StaticDir:    loc.StaticDir,
			LocationPath: loc.Path,
			CacheExpires: loc.CacheExpires,
			HostID:       &hostID,
			GroupID:      groupID,
			Headers:      headers,
		}

	case proxyconfig.LocationFile:
		return ServeFile{
			FilePath:     loc.StaticDir,
			CacheExpires: loc.CacheExpires,
			HostID:       &hostID,
			GroupID:      groupID,
			Headers:      headers,
		}

	default: // proxy
		key := hashKey(req.ClientIP, req.HasClientIP)
		sel, ok := snap.Selectors[state.SelectorKey{HostID: hostID, LocationIndex: locIndex}]
		if !ok {
			return NoUpstream{HostID: &hostID, GroupID: groupID}
		}
		backend, ok := sel.Select(key)
		if !ok {
			return NoUpstream{HostID: &hostID, GroupID: groupID}
		}
		return Proxy{
			UpstreamAddr: backend.Addr,
			HostID:       &hostID,
			GroupID:      groupID,
			HSTS:         entry.Host.HSTS,
			Headers:      headers,
		}
	}
}

func buildRedirect(loc *router.CompiledLocation, req Request) Redirect {
	scheme := loc.Redirect.ForwardScheme
	if scheme == "" {
		scheme = "https"
	}
	target := loc.Redirect.ForwardPath
	if target == "" {
		target = "/"
	}
	if loc.Redirect.PreservePath {
		target = req.Path
	}
	status := loc.Redirect.StatusCode
	if status == 0 {
		status = 301
	}
	return Redirect{
		StatusCode: status,
		Location:   fmt.Sprintf("%s://%s%s", scheme, loc.Redirect.ForwardDomain, target),
	}
}

// hashKey returns the raw octets of the client IP for hash-based
// upstream selection: 4 bytes for v4, 16 for v6, empty if absent.
func hashKey(ip netip.Addr, has bool) []byte {
	if !has {
		return nil
	}
	if ip.Is4() {
		b := ip.As4()
		return b[:]
	}
	b := ip.As16()
	return b[:]
}
