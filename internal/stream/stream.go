// Package stream implements Warden's raw TCP stream forwarder: a
// plain proxy for proxyconfig.StreamPort entries, independent of the
// HTTP request path entirely. Upstream selection is a simple
// round-robin counter; each accepted connection gets its own pair of
// copy goroutines with a half-close on EOF.
package stream

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wardenproxy/warden/internal/proxyconfig"
	"github.com/wardenproxy/warden/internal/telemetry"
)

const copyBufferSize = 8 * 1024

// Forwarder runs one TCP listener for one StreamPort.
type Forwarder struct {
	port     proxyconfig.StreamPort
	logger   *zap.Logger
	metrics  *telemetry.Metrics
	listener net.Listener
	counter  atomic.Uint64
}

// New constructs a Forwarder for port. It does not listen yet.
func New(port proxyconfig.StreamPort, logger *zap.Logger, metrics *telemetry.Metrics) *Forwarder {
	return &Forwarder{port: port, logger: logger, metrics: metrics}
}

// Serve binds the listener and accepts connections until ctx is
// cancelled or the listener is closed. A StreamPort with no
// upstreams is refused at construction time by the caller
// (cmd/warden's buildForwarders); Serve itself assumes at least one.
func (f *Forwarder) Serve(ctx context.Context) error {
	if f.port.Protocol != "" && f.port.Protocol != proxyconfig.StreamTCP {
		f.logger.Warn("stream port protocol not supported, skipping",
			zap.Int("port", f.port.Port), zap.String("protocol", string(f.port.Protocol)))
		return nil
	}

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", portAddr(f.port.Port))
	if err != nil {
		return err
	}
	f.listener = ln

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				f.logger.Warn("stream accept failed", zap.Int("port", f.port.Port), zap.Error(err))
				continue
			}
		}
		go f.handle(conn)
	}
}

func (f *Forwarder) handle(client net.Conn) {
	defer client.Close()

	backend, ok := f.nextBackend()
	if !ok {
		return
	}

	upstream, err := net.DialTimeout("tcp", backend.Addr(), 5*time.Second)
	if err != nil {
		f.logger.Warn("stream dial upstream failed",
			zap.Int("port", f.port.Port), zap.String("upstream", backend.Addr()), zap.Error(err))
		return
	}
	defer upstream.Close()

	if f.metrics != nil {
		f.metrics.StreamConnOpened(f.port.Port)
		defer f.metrics.StreamConnClosed(f.port.Port)
	}

	done := make(chan struct{}, 2)
	go f.pipe(upstream, client, "upstream", done)
	go f.pipe(client, upstream, "downstream", done)
	<-done
	<-done
}

// pipe copies src -> dst until EOF, then half-closes dst's write side
// if it supports it.
func (f *Forwarder) pipe(dst io.Writer, src io.Reader, direction string, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	buf := make([]byte, copyBufferSize)
	n, _ := io.CopyBuffer(dst, src, buf)
	if f.metrics != nil && n > 0 {
		f.metrics.StreamBytes(f.port.Port, direction, n)
	}
	if closer, ok := dst.(interface{ CloseWrite() error }); ok {
		_ = closer.CloseWrite()
	}
}

func (f *Forwarder) nextBackend() (proxyconfig.Upstream, bool) {
	ups := f.port.Upstreams
	if len(ups) == 0 {
		return proxyconfig.Upstream{}, false
	}
	i := f.counter.Add(1) - 1
	return ups[i%uint64(len(ups))], true
}

func portAddr(port int) string {
	return ":" + strconv.Itoa(port)
}
