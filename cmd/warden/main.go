// Command warden runs the Warden reverse proxy: HTTP/HTTPS dispatch,
// TCP stream forwarding, and a separate admin listener, all driven by
// a single YAML configuration directory that can be hot-reloaded with
// SIGHUP.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wardenproxy/warden/internal/httpproxy"
	"github.com/wardenproxy/warden/internal/logsink"
	"github.com/wardenproxy/warden/internal/proxyconfig"
	"github.com/wardenproxy/warden/internal/reload"
	"github.com/wardenproxy/warden/internal/staticcache"
	"github.com/wardenproxy/warden/internal/state"
	"github.com/wardenproxy/warden/internal/stream"
	"github.com/wardenproxy/warden/internal/telemetry"
)

func main() {
	configDir := flag.String("config-dir", "/etc/warden", "directory containing global.yaml, host-*.yaml, and access-lists.yaml")
	devLog := flag.Bool("dev", false, "use a human-readable development logger instead of JSON production logging")
	flag.Parse()

	logger, err := newLogger(*devLog)
	if err != nil {
		fmt.Fprintf(os.Stderr, "setting up logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(*configDir, logger); err != nil {
		logger.Fatal("warden exited with error", zap.Error(err))
	}
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(configDir string, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	initial, err := reload.LoadInitial(ctx, configDir, logger)
	if err != nil {
		return fmt.Errorf("loading initial configuration: %w", err)
	}

	var snap atomic.Pointer[state.Snapshot]
	snap.Store(initial)

	metrics := telemetry.New()
	cache := staticcache.New()
	logs := logsink.New(logger)
	defer logs.Close()

	rc := reload.New(configDir, &snap, logger, metrics)
	go rc.Run(ctx)

	isHTTPPort := func(port int) bool { return port == snap.Load().Global.Listen.HTTP }
	isAdminPort := func(port int) bool { return port == snap.Load().Global.Listen.Admin }

	handler := httpproxy.New(&snap, cache, logs, metrics, logger, isHTTPPort, isAdminPort)
	adminMux := newAdminMux(metrics, rc, &snap, handler)

	servers := []*http.Server{
		newServer(portAddr(initial.Global.Listen.HTTP), handler, logger),
		newServer(portAddr(initial.Global.Listen.Admin), adminMux, logger),
	}

	// The HTTPS listener only binds if at least one Host has a
	// loadable certificate (spec.md §6); SNI selection reads the live
	// snapshot so a reload can add or drop certs without a restart.
	var httpsServer *http.Server
	if len(initial.Certs) > 0 {
		httpsServer = newServer(portAddr(initial.Global.Listen.HTTPS), handler, logger)
		httpsServer.TLSConfig = &tls.Config{GetCertificate: newCertResolver(&snap).getCertificate}
		servers = append(servers, httpsServer)
	} else {
		logger.Info("no loadable certificates at startup, HTTPS listener not bound")
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		srv := srv
		isTLS := srv == httpsServer
		go func() {
			logger.Info("listening", zap.String("addr", srv.Addr), zap.Bool("tls", isTLS))
			var err error
			if isTLS {
				err = srv.ListenAndServeTLS("", "")
			} else {
				err = srv.ListenAndServe()
			}
			if err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("%s: %w", srv.Addr, err)
			}
		}()
	}

	forwarders := buildForwarders(initial, logger, metrics)
	for _, f := range forwarders {
		f := f
		go func() {
			if err := f.Serve(ctx); err != nil {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		logger.Error("server error, shutting down", zap.Error(err))
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("error during shutdown", zap.String("addr", srv.Addr), zap.Error(err))
		}
	}

	return nil
}

// newServer mirrors reference_teacher's app.go pattern of stashing the
// accepted net.Conn on the request context via ConnContext, so
// downstream handlers can recover which listener a request arrived
// on (internal/httpproxy.localPort).
func newServer(addr string, handler http.Handler, logger *zap.Logger) *http.Server {
	stdLog, _ := zap.NewStdLogAt(logger.Named("stdlib"), zap.ErrorLevel)
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ErrorLog:          stdLog,
		ReadHeaderTimeout: 10 * time.Second,
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			return context.WithValue(ctx, httpproxy.ConnCtxKey, c)
		},
	}
}

func buildForwarders(loaded *state.Snapshot, logger *zap.Logger, metrics *telemetry.Metrics) []*stream.Forwarder {
	var out []*stream.Forwarder
	for _, h := range loaded.HostsByID {
		for _, sp := range hostStreamPorts(h) {
			if len(sp.Upstreams) == 0 {
				continue
			}
			out = append(out, stream.New(sp, logger, metrics))
		}
	}
	return out
}

func hostStreamPorts(h *proxyconfig.Host) []proxyconfig.StreamPort {
	if h == nil {
		return nil
	}
	return h.StreamPorts
}

func portAddr(port int) string {
	return ":" + strconv.Itoa(port)
}

// certResolver loads and caches X.509 key pairs for TLS SNI selection,
// keyed by the live snapshot's CertsByDomain map (rebuilt on reload).
// A cache miss falls through to disk once per distinct cert path pair;
// a missing or unparseable cert file yields an error so the handshake
// fails cleanly rather than falling back to a wrong certificate.
type certResolver struct {
	snap *atomic.Pointer[state.Snapshot]

	mu    sync.Mutex
	cache map[string]*tls.Certificate
}

func newCertResolver(snap *atomic.Pointer[state.Snapshot]) *certResolver {
	return &certResolver{snap: snap, cache: make(map[string]*tls.Certificate)}
}

func (r *certResolver) getCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	entry, ok := r.snap.Load().CertsByDomain[strings.ToLower(hello.ServerName)]
	if !ok {
		return nil, fmt.Errorf("no certificate configured for %q", hello.ServerName)
	}

	key := entry.CertPath + "|" + entry.KeyPath
	r.mu.Lock()
	defer r.mu.Unlock()
	if cert, cached := r.cache[key]; cached {
		return cert, nil
	}
	cert, err := tls.LoadX509KeyPair(entry.CertPath, entry.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("loading certificate for %q: %w", hello.ServerName, err)
	}
	r.cache[key] = &cert
	return &cert, nil
}

// newAdminMux exposes /metrics, /reload, and /healthz ahead of the
// dispatch Handler, which is mounted at "/" so every other admin-port
// request (spec.md §4.6 step 1, P2) reaches dispatch.Dispatch's
// admin-port bypass rule and proxies to snap.AdminUpstream exactly as
// it would for a tenant host, rather than 404ing.
func newAdminMux(metrics *telemetry.Metrics, rc *reload.Controller, snap *atomic.Pointer[state.Snapshot], handler http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/reload", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		rc.Trigger()
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if snap.Load() == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/", handler)
	return mux
}
