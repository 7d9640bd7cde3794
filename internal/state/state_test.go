package state

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/wardenproxy/warden/internal/proxyconfig"
)

func TestBuildSkipsDisabledHosts(t *testing.T) {
	loaded := &proxyconfig.Loaded{
		Global: proxyconfig.DefaultGlobal(),
		Hosts: []*proxyconfig.Host{
			{ID: 1, Domains: []string{"a.example.com"}, Enabled: false},
		},
	}
	snap := Build(context.Background(), loaded, zap.NewNop())
	if _, ok := snap.HostsByID[1]; ok {
		t.Fatal("expected disabled host to be excluded from HostsByID")
	}
}

func TestBuildSkipsProxyLocationWithUnresolvableUpstream(t *testing.T) {
	loaded := &proxyconfig.Loaded{
		Global: proxyconfig.DefaultGlobal(),
		Hosts: []*proxyconfig.Host{
			{ID: 1, Domains: []string{"a.example.com"}, Enabled: true, Locations: []proxyconfig.Location{
				{Path: "/", Index: 0, LocationType: proxyconfig.LocationProxy, Upstreams: []proxyconfig.Upstream{
					{Server: "this-host-does-not-resolve.invalid.", Port: 80},
				}},
			}},
		},
	}
	snap := Build(context.Background(), loaded, zap.NewNop())
	if _, ok := snap.Selectors[SelectorKey{HostID: 1, LocationIndex: 0}]; ok {
		t.Fatal("expected no selector for an upstream that fails DNS resolution")
	}
}

func TestCertEntryForCustom(t *testing.T) {
	h := &proxyconfig.Host{
		ID:  1,
		SSL: &proxyconfig.SSL{Type: proxyconfig.SSLCustom, CertPath: "/etc/ssl/a.pem", KeyPath: "/etc/ssl/a.key"},
	}
	entry := certEntryFor(h, "/etc/letsencrypt")
	if entry.CertPath != "/etc/ssl/a.pem" || entry.KeyPath != "/etc/ssl/a.key" {
		t.Fatalf("expected custom cert paths passed through verbatim, got %+v", entry)
	}
}

func TestCertEntryForLetsEncryptDerivesFromPrimaryDomainAndSSLRoot(t *testing.T) {
	h := &proxyconfig.Host{
		ID:      1,
		Domains: []string{"example.com", "www.example.com"},
		SSL:     &proxyconfig.SSL{Type: proxyconfig.SSLLetsEncrypt},
	}
	entry := certEntryFor(h, "/etc/letsencrypt")
	if entry.CertPath != "/etc/letsencrypt/live/example.com/fullchain.pem" {
		t.Fatalf("expected letsencrypt cert path derived from ssl root and primary domain, got %q", entry.CertPath)
	}
}

func TestBuildSkipsHostWithMissingCertFiles(t *testing.T) {
	loaded := &proxyconfig.Loaded{
		Global: proxyconfig.DefaultGlobal(),
		Hosts: []*proxyconfig.Host{
			{ID: 1, Enabled: true, Domains: []string{"example.com"},
				SSL: &proxyconfig.SSL{Type: proxyconfig.SSLCustom, CertPath: "/no/such/cert.pem", KeyPath: "/no/such/key.pem"}},
		},
	}
	snap := Build(context.Background(), loaded, zap.NewNop())
	if len(snap.Certs) != 0 {
		t.Fatalf("expected no cert entries for missing files, got %+v", snap.Certs)
	}
	if _, ok := snap.CertsByDomain["example.com"]; ok {
		t.Fatal("expected no CertsByDomain entry for missing files")
	}
}

func TestBuildTransportHasConfiguredTimeouts(t *testing.T) {
	tr := buildTransport()
	if tr.ResponseHeaderTimeout <= 0 || tr.IdleConnTimeout <= 0 {
		t.Fatal("expected non-zero response header and idle timeouts")
	}
}
