package proxyconfig

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func writeFile(t *testing.T, dir, name, contents string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadMissingGlobalUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	loaded, err := Load(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Global.Listen.HTTP != 80 || loaded.Global.Listen.HTTPS != 443 || loaded.Global.Listen.Admin != 81 {
		t.Fatalf("expected default listen ports, got %+v", loaded.Global.Listen)
	}
}

func TestLoadRejectsZeroPort(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "global.yaml", "listen:\n  http: 0\n")
	if _, err := Load(dir, zap.NewNop()); err == nil {
		t.Fatal("expected error for listen.http: 0")
	}
}

func TestLoadSkipsMalformedHostFileButContinues(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "host-a.yaml", "id: [this is not valid\n")
	writeFile(t, dir, "host-b.yaml", "id: 2\ndomains: [\"b.example.com\"]\n")

	loaded, err := Load(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded.Hosts) != 1 || loaded.Hosts[0].ID != 2 {
		t.Fatalf("expected only host-b to load, got %+v", loaded.Hosts)
	}
}

func TestLoadAbortsOnMalformedAccessList(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "access-lists.yaml", "not: [valid\n")
	if _, err := Load(dir, zap.NewNop()); err == nil {
		t.Fatal("expected error for malformed access-lists.yaml")
	}
}

func TestLoadHostDefaultsLocationFields(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "host-a.yaml", `
id: 1
domains: ["a.example.com"]
locations:
  - path: /
    upstreams:
      - server: 10.0.0.1
        port: 8080
`)
	loaded, err := Load(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	loc := loaded.Hosts[0].Locations[0]
	if loc.MatchType != MatchPrefix || loc.LocationType != LocationProxy {
		t.Fatalf("expected defaulted match/location type, got %+v", loc)
	}
	if loc.Index != 0 {
		t.Fatalf("expected index 0, got %d", loc.Index)
	}
}

func TestLoadHostRejectsEmptyDomain(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "host-a.yaml", "id: 1\ndomains: [\"\"]\n")
	loaded, err := Load(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("expected malformed host file to be skipped, not returned as a Load error: %v", err)
	}
	if len(loaded.Hosts) != 0 {
		t.Fatalf("expected empty-domain host to be dropped, got %+v", loaded.Hosts)
	}
}

func TestLoadHostDefaultsStreamProtocol(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "host-a.yaml", `
id: 1
domains: ["a.example.com"]
stream_ports:
  - port: 5432
    upstreams:
      - server: 10.0.0.1
        port: 5432
`)
	loaded, err := Load(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Hosts[0].StreamPorts[0].Protocol != StreamTCP {
		t.Fatalf("expected default protocol tcp, got %q", loaded.Hosts[0].StreamPorts[0].Protocol)
	}
}

func TestValidatePort(t *testing.T) {
	cases := []struct {
		port  int
		valid bool
	}{
		{0, false},
		{1, true},
		{65535, true},
		{65536, false},
		{-1, false},
	}
	for _, c := range cases {
		err := validatePort(c.port, "field")
		if (err == nil) != c.valid {
			t.Errorf("validatePort(%d) error=%v, want valid=%v", c.port, err, c.valid)
		}
	}
}
