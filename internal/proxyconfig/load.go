package proxyconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Loaded is the raw result of reading a config directory: a Global, the
// Hosts that parsed successfully, and the AccessLists. It has not yet
// been compiled into a state.Snapshot.
type Loaded struct {
	Global      *Global
	Hosts       []*Host
	AccessLists []AccessList
}

// Load reads global.yaml, host-*.yaml, and access-lists.yaml from dir.
//
// A missing global.yaml yields DefaultGlobal(). A malformed host-*.yaml
// is logged and skipped; the rest of the load continues. A malformed
// access-lists.yaml aborts the entire load with an error, per spec.
func Load(dir string, logger *zap.Logger) (*Loaded, error) {
	global, err := loadGlobal(dir)
	if err != nil {
		return nil, fmt.Errorf("loading global.yaml: %w", err)
	}

	hostFiles, err := filepath.Glob(filepath.Join(dir, "host-*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("globbing host files: %w", err)
	}
	sort.Strings(hostFiles)

	var hosts []*Host
	for _, path := range hostFiles {
		h, err := loadHost(path)
		if err != nil {
			logger.Warn("skipping malformed host file", zap.String("path", path), zap.Error(err))
			continue
		}
		hosts = append(hosts, h)
	}

	accessLists, err := loadAccessLists(dir)
	if err != nil {
		return nil, fmt.Errorf("loading access-lists.yaml: %w", err)
	}

	return &Loaded{Global: global, Hosts: hosts, AccessLists: accessLists}, nil
}

func loadGlobal(dir string) (*Global, error) {
	path := filepath.Join(dir, "global.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultGlobal(), nil
		}
		return nil, err
	}

	g := DefaultGlobal()
	if err := yaml.Unmarshal(data, g); err != nil {
		return nil, err
	}
	if err := validatePort(g.Listen.HTTP, "listen.http"); err != nil {
		return nil, err
	}
	if err := validatePort(g.Listen.HTTPS, "listen.https"); err != nil {
		return nil, err
	}
	if err := validatePort(g.Listen.Admin, "listen.admin"); err != nil {
		return nil, err
	}
	return g, nil
}

func loadHost(path string) (*Host, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	h := &Host{Enabled: true}
	if err := yaml.Unmarshal(data, h); err != nil {
		return nil, err
	}
	h.SourceFile = path

	for i := range h.Locations {
		h.Locations[i].Index = i
		if h.Locations[i].MatchType == "" {
			h.Locations[i].MatchType = MatchPrefix
		}
		if h.Locations[i].LocationType == "" {
			h.Locations[i].LocationType = LocationProxy
		}
		for _, up := range h.Locations[i].Upstreams {
			if err := validateUpstream(up); err != nil {
				return nil, fmt.Errorf("host %d, location %q: %w", h.ID, h.Locations[i].Path, err)
			}
		}
	}
	for i, sp := range h.StreamPorts {
		if err := validatePort(sp.Port, "stream_ports[].port"); err != nil {
			return nil, err
		}
		if sp.Protocol == "" {
			h.StreamPorts[i].Protocol = StreamTCP
			sp.Protocol = StreamTCP
		}
		if sp.Protocol != StreamTCP && sp.Protocol != StreamUDP {
			return nil, fmt.Errorf("host %d: unknown stream protocol %q", h.ID, sp.Protocol)
		}
		for _, up := range sp.Upstreams {
			if err := validateUpstream(up); err != nil {
				return nil, fmt.Errorf("host %d, stream port %d: %w", h.ID, sp.Port, err)
			}
		}
	}
	for _, d := range h.Domains {
		if strings.TrimSpace(d) == "" {
			return nil, fmt.Errorf("host %d: empty domain entry", h.ID)
		}
	}
	return h, nil
}

func loadAccessLists(dir string) ([]AccessList, error) {
	path := filepath.Join(dir, "access-lists.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var lists []AccessList
	if err := yaml.Unmarshal(data, &lists); err != nil {
		return nil, err
	}
	for i := range lists {
		if lists[i].Satisfy == "" {
			lists[i].Satisfy = SatisfyAny
		}
	}
	return lists, nil
}

// validateUpstream rejects an upstream entry with an invalid port, a
// negative weight, or an empty server address.
func validateUpstream(u Upstream) error {
	if err := validatePort(u.Port, "upstream.port"); err != nil {
		return err
	}
	if u.Weight < 0 {
		return fmt.Errorf("upstream %s: negative weight %d", u.Addr(), u.Weight)
	}
	if strings.TrimSpace(u.Server) == "" {
		return fmt.Errorf("upstream: empty server address")
	}
	return nil
}

// validatePort rejects port 0 and ports beyond the 16-bit range, per
// the invariant that the deserializer (not the snapshot builder)
// enforces this. Global listen ports are pre-filled with defaults
// before unmarshalling, so a 0 here means the document explicitly
// set it, not that it was omitted.
func validatePort(port int, field string) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s: invalid port %d", field, port)
	}
	return nil
}
