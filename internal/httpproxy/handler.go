// Package httpproxy executes a dispatch.Action against the standard
// library's HTTP stack: it is Warden's HTTP handler, playing the role
// Caddy's caddyhttp.Server plays for its own module system, but built
// directly on net/http and net/http/httputil.ReverseProxy rather than
// a custom wire implementation; TLS termination and the HTTP/1.1 and
// HTTP/2 wire protocols are left to net/http itself.
package httpproxy

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/netip"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wardenproxy/warden/internal/dispatch"
	"github.com/wardenproxy/warden/internal/errorpages"
	"github.com/wardenproxy/warden/internal/logsink"
	"github.com/wardenproxy/warden/internal/staticcache"
	"github.com/wardenproxy/warden/internal/state"
	"github.com/wardenproxy/warden/internal/telemetry"
)

const productName = "warden"

// Handler is Warden's per-request entry point. One Handler serves
// every public HTTP/HTTPS listener; the admin listener runs a
// separate http.ServeMux (see cmd/warden) that answers the metrics,
// reload, and health endpoints itself and hands every other path to
// this same Handler.
type Handler struct {
	snapshot    *atomic.Pointer[state.Snapshot]
	cache       *staticcache.Cache
	logs        *logsink.Sink
	metrics     *telemetry.Metrics
	logger      *zap.Logger
	isHTTPPort  func(port int) bool
	isAdminPort func(port int) bool
}

// New constructs a Handler. snap is the shared, hot-reloadable
// snapshot pointer (written by internal/reload).
func New(snap *atomic.Pointer[state.Snapshot], cache *staticcache.Cache, logs *logsink.Sink, metrics *telemetry.Metrics, logger *zap.Logger, isHTTPPort, isAdminPort func(int) bool) *Handler {
	return &Handler{
		snapshot:    snap,
		cache:       cache,
		logs:        logs,
		metrics:     metrics,
		logger:      logger,
		isHTTPPort:  isHTTPPort,
		isAdminPort: isAdminPort,
	}
}

// ServeHTTP builds a dispatch.Request from the incoming request,
// resolves it to one Action, and executes it. Per-upstream hook
// points (choosing the upstream, rewriting the outbound request,
// filtering the response, handling a failed proxy) live inside
// ReverseProxy's Director/Transport/ModifyResponse/ErrorHandler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snap := h.snapshot.Load()
	start := time.Now()
	requestID := uuid.NewString()
	w.Header().Set("X-Request-Id", requestID)
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

	serverPort := localPort(r)
	req := dispatch.Request{
		Host:        r.Host,
		Path:        r.URL.Path,
		ServerPort:  serverPort,
		AuthHeader:  r.Header.Get("Authorization"),
		IsAdminPort: h.isAdminPort(serverPort),
		IsHTTPPort:  h.isHTTPPort(serverPort),
	}
	if ip, ok := clientIP(r); ok {
		req.ClientIP = ip
		req.HasClientIP = true
	}

	action := dispatch.Dispatch(snap, req)
	var errMsg string
	if err := h.execute(sw, r, snap, action); err != nil {
		errMsg = err.Error()
		h.logger.Error("request execution failed",
			zap.String("request_id", requestID),
			zap.String("host", r.Host),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}

	h.logAccess(snap, r, actionHostID(action), sw.status, errMsg, start)
	h.metrics.ObserveRequest(actionLabel(action), sw.status, time.Since(start))
}

// execute runs action against the standard HTTP response writer.
func (h *Handler) execute(w http.ResponseWriter, r *http.Request, snap *state.Snapshot, action dispatch.Action) error {
	switch a := action.(type) {
	case dispatch.Proxy:
		h.proxy(w, r, snap, a)
		return nil

	case dispatch.Redirect:
		w.Header().Set("Location", a.Location)
		w.WriteHeader(a.StatusCode)
		return nil

	case dispatch.ForceHTTPS:
		w.Header().Set("Location", a.Location)
		w.WriteHeader(http.StatusMovedPermanently)
		return nil

	case dispatch.ServeStatic:
		return h.serveStatic(w, r, a)

	case dispatch.ServeFile:
		return h.serveFile(w, r, a)

	case dispatch.ServeDefault:
		return h.serveDefault(w, a)

	case dispatch.AcmeChallenge:
		return h.serveAcme(w, a)

	case dispatch.AccessDenied:
		h.renderError(w, snap, http.StatusForbidden, a.HostID, a.GroupID)
		return nil

	case dispatch.AuthRequired:
		w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
		h.renderError(w, snap, http.StatusUnauthorized, nil, nil)
		return nil

	case dispatch.NoUpstream:
		h.renderError(w, snap, http.StatusBadGateway, a.HostID, a.GroupID)
		return nil

	default:
		h.renderError(w, snap, http.StatusInternalServerError, nil, nil)
		return fmt.Errorf("unhandled action type %T", action)
	}
}

func (h *Handler) renderError(w http.ResponseWriter, snap *state.Snapshot, status int, hostID, groupID *int) {
	resp := errorpages.Serve(snap.ErrorPagesRoot, status, hostID, groupID)
	w.Header().Set("Content-Type", resp.ContentType)
	w.Header().Set("Server", productName)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

func (h *Handler) serveDefault(w http.ResponseWriter, a dispatch.ServeDefault) error {
	resp, err := staticcache.ServeDefaultPage(a.DefaultPagePath)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return err
	}
	if resp == nil {
		w.WriteHeader(http.StatusNotFound)
		return nil
	}
	w.Header().Set("Content-Type", resp.ContentType)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
	return nil
}

func (h *Handler) serveStatic(w http.ResponseWriter, r *http.Request, a dispatch.ServeStatic) error {
	resp, err := h.cache.Serve(a.StaticDir, r.URL.Path, a.LocationPath, a.CacheExpires, r.Header.Get("If-Modified-Since"))
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return err
	}
	if resp == nil {
		w.WriteHeader(http.StatusNotFound)
		return nil
	}
	writeCacheResponse(w, resp, a.Headers)
	return nil
}

func (h *Handler) serveFile(w http.ResponseWriter, r *http.Request, a dispatch.ServeFile) error {
	resp, err := h.cache.ServeSingleFile(a.FilePath, a.CacheExpires, r.Header.Get("If-Modified-Since"))
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return err
	}
	if resp == nil {
		w.WriteHeader(http.StatusNotFound)
		return nil
	}
	writeCacheResponse(w, resp, a.Headers)
	return nil
}

func writeCacheResponse(w http.ResponseWriter, resp *staticcache.Response, headers []dispatch.Header) {
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	if resp.LastModified != "" {
		w.Header().Set("Last-Modified", resp.LastModified)
	}
	if resp.CacheControl != "" {
		w.Header().Set("Cache-Control", resp.CacheControl)
	}
	for _, hd := range headers {
		w.Header().Set(hd.Name, hd.Value)
	}
	w.Header().Set("Server", productName)
	if resp.NotModified {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp.Body)
}

const acmeChallengeDir = "/data/acme-challenge"

func (h *Handler) serveAcme(w http.ResponseWriter, a dispatch.AcmeChallenge) error {
	resp, err := staticcache.ServeDefaultPage(acmeChallengeDir + "/" + a.Token)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return err
	}
	if resp == nil {
		w.WriteHeader(http.StatusNotFound)
		return nil
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp.Body)
	return nil
}

// proxy builds a one-shot httputil.ReverseProxy for this request's
// chosen upstream: Director rewrites the outbound request,
// ModifyResponse adds response headers, and ErrorHandler renders an
// error page if the upstream round trip fails.
func (h *Handler) proxy(w http.ResponseWriter, r *http.Request, snap *state.Snapshot, a dispatch.Proxy) {
	target := &url.URL{Scheme: "http", Host: a.UpstreamAddr}
	rp := &httputil.ReverseProxy{
		Transport: snap.Transport,
		Director: func(req *http.Request) {
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			req.Host = r.Host // forward the original Host header

			if clientIP, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
				if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
					req.Header.Set("X-Forwarded-For", prior+", "+clientIP)
				} else {
					req.Header.Set("X-Forwarded-For", clientIP)
				}
				req.Header.Set("X-Real-IP", clientIP)
			}
		},
		ModifyResponse: func(resp *http.Response) error {
			if a.HSTS {
				resp.Header.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}
			for _, hd := range a.Headers {
				resp.Header.Set(hd.Name, hd.Value)
			}
			resp.Header.Set("Server", productName)
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, req *http.Request, err error) {
			// A downstream disconnect (client went away mid-request)
			// surfaces here as the request context being canceled; per
			// spec.md §4.7 fail_to_proxy, downstream-sourced errors
			// abandon the request rather than writing a response.
			if req.Context().Err() != nil {
				return
			}
			h.renderError(w, snap, http.StatusBadGateway, a.HostID, a.GroupID)
		},
	}
	rp.ServeHTTP(w, r)
}

// logAccess composes the access line and, on error, a parallel error
// line, dispatching both to the LogSink (spec.md §4.7 `logging`).
func (h *Handler) logAccess(snap *state.Snapshot, r *http.Request, hostID *int, status int, errMsg string, start time.Time) {
	now := time.Now().UTC()
	accessPath := logsink.AccessPathFor(snap.LogsRoot, hostID)
	h.logs.Enqueue(accessPath, logsink.FormatAccessLine(now, r.Method, r.Host, r.URL.Path, status, ""))
	if errMsg != "" {
		errorPath := logsink.ErrorPathFor(snap.LogsRoot, hostID)
		h.logs.Enqueue(errorPath, logsink.FormatAccessLine(now, r.Method, r.Host, r.URL.Path, status, errMsg))
	}
}

// actionHostID extracts the resolved host ID, if any, from an Action so
// logAccess can route the access line to the per-host log file
// (proxy-host-<id>_access.log) rather than the general log.
func actionHostID(a dispatch.Action) *int {
	switch v := a.(type) {
	case dispatch.Proxy:
		return v.HostID
	case dispatch.ServeStatic:
		return v.HostID
	case dispatch.ServeFile:
		return v.HostID
	case dispatch.AccessDenied:
		return v.HostID
	case dispatch.NoUpstream:
		return v.HostID
	default:
		return nil
	}
}

func actionLabel(a dispatch.Action) string {
	switch a.(type) {
	case dispatch.Proxy:
		return "proxy"
	case dispatch.Redirect:
		return "redirect"
	case dispatch.ForceHTTPS:
		return "force_https"
	case dispatch.ServeStatic:
		return "serve_static"
	case dispatch.ServeFile:
		return "serve_file"
	case dispatch.ServeDefault:
		return "serve_default"
	case dispatch.AccessDenied:
		return "access_denied"
	case dispatch.AuthRequired:
		return "auth_required"
	case dispatch.AcmeChallenge:
		return "acme_challenge"
	case dispatch.NoUpstream:
		return "no_upstream"
	default:
		return "unknown"
	}
}

// clientIP extracts the request's remote address as a netip.Addr.
func clientIP(r *http.Request) (netip.Addr, bool) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr, true
}

// localPort extracts the port the connection arrived on, from the
// net.Conn stashed in the request context by the server's ConnContext
// hook (see cmd/warden). Falls back to 0 (unmatched by any listener
// plan entry) if absent, e.g. in unit tests constructing requests by
// hand.
func localPort(r *http.Request) int {
	v := r.Context().Value(connCtxKey{})
	conn, ok := v.(net.Conn)
	if !ok {
		return 0
	}
	_, portStr, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil {
		return 0
	}
	var port int
	_, _ = fmt.Sscanf(portStr, "%d", &port)
	return port
}

type connCtxKey struct{}

// ConnCtxKey is exported so cmd/warden's http.Server.ConnContext can
// stash the accepted net.Conn for localPort to read back.
var ConnCtxKey = connCtxKey{}

// statusWriter records the status code written, for access logging.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
