// Package proxyconfig defines the in-memory configuration schema for
// Warden: Global, Host, Location, Upstream, AccessList, and StreamPort
// records, plus the directory loader that turns YAML files on disk
// into these types.
package proxyconfig

import "fmt"

// SSLType selects how a Host's certificate is provisioned.
type SSLType string

const (
	SSLNone        SSLType = "none"
	SSLLetsEncrypt SSLType = "letsencrypt"
	SSLCustom      SSLType = "custom"
)

// MatchType selects how a Location's Path is compared to a request path.
type MatchType string

const (
	MatchPrefix MatchType = "prefix"
	MatchExact  MatchType = "exact"
	MatchRegex  MatchType = "regex"
)

// LocationType selects what a Location does once matched.
type LocationType string

const (
	LocationProxy    LocationType = "proxy"
	LocationStatic   LocationType = "static"
	LocationFile     LocationType = "file"
	LocationRedirect LocationType = "redirect"
)

// BalanceMethod selects an UpstreamSelector policy. See internal/upstream.
type BalanceMethod string

const (
	BalanceRoundRobin       BalanceMethod = "round_robin"
	BalanceWeighted         BalanceMethod = "weighted"
	BalanceLeastConnections BalanceMethod = "least_connections"
	BalanceIPHash           BalanceMethod = "ip_hash"
	BalanceRandom           BalanceMethod = "random"
)

// Satisfy selects how an AccessList's IP and auth gates combine.
type Satisfy string

const (
	SatisfyAny Satisfy = "any"
	SatisfyAll Satisfy = "all"
)

// Directive is the action a ClientRule takes when it matches.
type Directive string

const (
	DirectiveAllow Directive = "allow"
	DirectiveDeny  Directive = "deny"
)

// StreamProtocol is the transport a StreamPort forwards.
type StreamProtocol string

const (
	StreamTCP StreamProtocol = "tcp"
	StreamUDP StreamProtocol = "udp"
)

// Global holds process-wide settings, loaded from global.yaml.
type Global struct {
	Listen struct {
		HTTP  int `yaml:"http"`
		HTTPS int `yaml:"https"`
		Admin int `yaml:"admin"`
	} `yaml:"listen"`
	AdminUpstream  string `yaml:"admin_upstream"`
	DefaultPage    string `yaml:"default_page"`
	ErrorPagesRoot string `yaml:"error_pages_root"`
	SSLRoot        string `yaml:"ssl_root"`
	LogsRoot       string `yaml:"logs_root"`
}

// DefaultGlobal returns the built-in defaults used when global.yaml is absent.
func DefaultGlobal() *Global {
	g := &Global{
		AdminUpstream:  "127.0.0.1:0",
		DefaultPage:    "/data/default/index.html",
		ErrorPagesRoot: "/data/error-pages",
		SSLRoot:        "/etc/letsencrypt",
		LogsRoot:       "/data/logs",
	}
	g.Listen.HTTP = 80
	g.Listen.HTTPS = 443
	g.Listen.Admin = 81
	return g
}

// SSL describes a Host's certificate sourcing.
type SSL struct {
	Type        SSLType `yaml:"type"`
	ForceHTTPS  bool    `yaml:"force_https"`
	CertPath    string  `yaml:"cert_path"`
	KeyPath     string  `yaml:"key_path"`
}

// StreamPort declares a raw TCP/UDP forwarding port owned by a Host.
type StreamPort struct {
	Port      int            `yaml:"port"`
	Protocol  StreamProtocol `yaml:"protocol"`
	Upstreams []Upstream     `yaml:"upstreams"`
}

// Upstream is one backend server entry in a Location's or StreamPort's pool.
type Upstream struct {
	Server string `yaml:"server"`
	Port   int    `yaml:"port"`
	Weight int    `yaml:"weight"`
}

// Addr returns the host:port dial string for this upstream.
func (u Upstream) Addr() string {
	return fmt.Sprintf("%s:%d", u.Server, u.Port)
}

// Location is a route definition owned by a Host.
type Location struct {
	Path         string            `yaml:"path"`
	MatchType    MatchType         `yaml:"match_type"`
	LocationType LocationType      `yaml:"location_type"`
	Upstreams    []Upstream        `yaml:"upstreams"`
	Balance      BalanceMethod     `yaml:"balance_method"`
	StaticDir    string            `yaml:"static_dir"`
	CacheExpires string            `yaml:"cache_expires"`
	Redirect     RedirectSpec      `yaml:"redirect"`
	Headers      map[string]string `yaml:"headers"`
	AccessListID string            `yaml:"access_list_id"`

	// Index is the Location's position within its Host's original,
	// pre-sort configuration order. Populated by the loader, not YAML.
	Index int `yaml:"-"`
}

// RedirectSpec configures a LocationRedirect location.
type RedirectSpec struct {
	ForwardScheme string `yaml:"forward_scheme"`
	ForwardDomain string `yaml:"forward_domain"`
	ForwardPath   string `yaml:"forward_path"`
	PreservePath  bool   `yaml:"preserve_path"`
	StatusCode    int    `yaml:"status_code"`
}

// Host is one virtual host, loaded from a host-*.yaml file.
type Host struct {
	ID      int      `yaml:"id"`
	Domains []string `yaml:"domains"`
	GroupID *int     `yaml:"group_id"`
	SSL     *SSL     `yaml:"ssl"`

	Locations   []Location   `yaml:"locations"`
	StreamPorts []StreamPort `yaml:"stream_ports"`

	Enabled     bool `yaml:"enabled"`
	HSTS        bool `yaml:"hsts"`
	HTTP2       bool `yaml:"http2"`
	RedirectWWW bool `yaml:"redirect_www"`
	Compression bool `yaml:"compression"`

	// SourceFile records which file this Host was loaded from, for
	// diagnostics only; never part of dispatch semantics.
	SourceFile string `yaml:"-"`
}

// ClientRule is one ordered entry of an AccessList's IP allow/deny list.
type ClientRule struct {
	Address   string    `yaml:"address"`
	Directive Directive `yaml:"directive"`
}

// BasicAuthHash selects how a BasicAuthEntry's Password is verified.
type BasicAuthHash string

const (
	HashPlain  BasicAuthHash = "plain"
	HashBcrypt BasicAuthHash = "bcrypt"
)

// BasicAuthEntry is one username/password pair accepted by an AccessList.
type BasicAuthEntry struct {
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Hash     BasicAuthHash `yaml:"hash"`
}

// AccessList is a named IP + basic-auth policy, referenced by Locations
// via Location.AccessListID.
type AccessList struct {
	ID      string           `yaml:"id"`
	Satisfy Satisfy          `yaml:"satisfy"`
	Clients []ClientRule     `yaml:"clients"`
	Auth    []BasicAuthEntry `yaml:"auth"`
}
