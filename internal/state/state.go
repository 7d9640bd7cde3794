// Package state implements Warden's SharedState: the immutable,
// refcount-free snapshot bundling a loaded configuration plus every
// derived cache the Dispatcher needs at request time. A Snapshot is
// built once per (re)load and published via an atomic pointer swap;
// holding a reference to one is a single atomic load away.
package state

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wardenproxy/warden/internal/access"
	"github.com/wardenproxy/warden/internal/proxyconfig"
	"github.com/wardenproxy/warden/internal/router"
	"github.com/wardenproxy/warden/internal/upstream"
)

// SelectorKey addresses a precomputed UpstreamSelector by the Host's
// numeric ID and the Location's original (pre-sort) index.
type SelectorKey struct {
	HostID        int
	LocationIndex int
}

// CertEntry records a Host's resolved certificate file paths. TLS
// termination is net/http's job; the entries decide whether the HTTPS
// listener binds at all, and CertsByDomain feeds cmd/warden's SNI
// certificate selection.
type CertEntry struct {
	HostID   int
	CertPath string
	KeyPath  string
}

// Snapshot is the frozen bundle of config plus derived caches that the
// Dispatcher reads. It is built once and never mutated afterward.
type Snapshot struct {
	Global *proxyconfig.Global

	Router    *router.Table
	HostsByID map[int]*proxyconfig.Host

	AccessLists map[string]access.CompiledList
	Selectors   map[SelectorKey]upstream.Selector

	Certs []CertEntry

	// CertsByDomain indexes Certs by each owning Host's lowercased
	// domains, for TLS SNI certificate selection (cmd/warden's HTTPS
	// listener). Hosts without a loadable SSL type contribute no entry.
	CertsByDomain map[string]CertEntry

	// Transport is the shared, per-generation http.RoundTripper used
	// by the proxy action executor; rebuilt on every reload alongside
	// certificates, per spec.md §5.
	Transport http.RoundTripper

	// Interned strings, computed once so request handling never
	// re-derives or re-allocates them.
	DefaultPagePath string
	ErrorPagesRoot  string
	LogsRoot        string
	AdminUpstream   string

	BuiltAt time.Time
}

// Build compiles a full Snapshot from a Loaded configuration.
func Build(ctx context.Context, loaded *proxyconfig.Loaded, logger *zap.Logger) *Snapshot {
	snap := &Snapshot{
		Global:          loaded.Global,
		HostsByID:       make(map[int]*proxyconfig.Host),
		AccessLists:     make(map[string]access.CompiledList),
		Selectors:       make(map[SelectorKey]upstream.Selector),
		CertsByDomain:   make(map[string]CertEntry),
		DefaultPagePath: loaded.Global.DefaultPage,
		ErrorPagesRoot:  loaded.Global.ErrorPagesRoot,
		LogsRoot:        loaded.Global.LogsRoot,
		AdminUpstream:   loaded.Global.AdminUpstream,
		BuiltAt:         time.Now(),
	}

	snap.Router = router.Build(loaded.Hosts, logger)

	for _, al := range loaded.AccessLists {
		snap.AccessLists[al.ID] = access.Compile(al)
	}

	for _, h := range loaded.Hosts {
		if !h.Enabled {
			continue
		}
		snap.HostsByID[h.ID] = h

		if h.SSL != nil && h.SSL.Type != proxyconfig.SSLNone && h.SSL.Type != "" {
			entry := certEntryFor(h, loaded.Global.SSLRoot)
			if !certFilesExist(entry) {
				logger.Warn("ssl cert or key file missing, host contributes no cert",
					zap.Int("host_id", h.ID), zap.String("cert_path", entry.CertPath), zap.String("key_path", entry.KeyPath))
			} else {
				snap.Certs = append(snap.Certs, entry)
				for _, d := range h.Domains {
					snap.CertsByDomain[strings.ToLower(d)] = entry
				}
			}
		}

		for _, loc := range h.Locations {
			if loc.LocationType != proxyconfig.LocationProxy && loc.LocationType != "" {
				continue
			}
			if len(loc.Upstreams) == 0 {
				continue
			}
			sel, ok := upstream.Build(ctx, loc.Upstreams, loc.Balance, logger)
			if !ok {
				logger.Warn("location has no selectable upstream after DNS resolution",
					zap.Int("host_id", h.ID), zap.String("path", loc.Path))
				continue
			}
			snap.Selectors[SelectorKey{HostID: h.ID, LocationIndex: loc.Index}] = sel
		}
	}

	snap.Transport = buildTransport()

	return snap
}

// certFilesExist reports whether both the certificate and the key file
// of entry can be stat'ed.
func certFilesExist(entry CertEntry) bool {
	if _, err := os.Stat(entry.CertPath); err != nil {
		return false
	}
	if _, err := os.Stat(entry.KeyPath); err != nil {
		return false
	}
	return true
}

// certEntryFor resolves a Host's certificate file paths. Let's Encrypt
// paths are computed relative to sslRoot (Global.ssl_root, default
// /etc/letsencrypt, per spec.md §6); custom paths are already absolute
// in the host config and pass through untouched.
func certEntryFor(h *proxyconfig.Host, sslRoot string) CertEntry {
	entry := CertEntry{HostID: h.ID}
	switch h.SSL.Type {
	case proxyconfig.SSLCustom:
		entry.CertPath = h.SSL.CertPath
		entry.KeyPath = h.SSL.KeyPath
	case proxyconfig.SSLLetsEncrypt:
		primary := ""
		if len(h.Domains) > 0 {
			primary = h.Domains[0]
		}
		entry.CertPath = filepath.Join(sslRoot, "live", primary, "fullchain.pem")
		entry.KeyPath = filepath.Join(sslRoot, "live", primary, "privkey.pem")
	}
	return entry
}

// buildTransport constructs the shared transport used by the proxy
// action executor, with fixed connect/response-header/idle timeouts.
func buildTransport() *http.Transport {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	return &http.Transport{
		DialContext:           dialer.DialContext,
		ResponseHeaderTimeout: 10 * time.Second,
		IdleConnTimeout:       60 * time.Second,
		MaxIdleConnsPerHost:   128,
	}
}
