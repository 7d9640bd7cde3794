// Package logsink implements Warden's LogSink (C12): an unbounded
// in-memory queue feeding per-path buffered writers, flushed on a
// timer or once a message-count threshold is reached. It plays the
// role Caddy's Logging/CustomLog pair plays in reference_teacher's
// logging.go, but targets plain access-log files named by host rather
// than zapcore.WriteSyncer-wrapped structured sinks.
package logsink

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	flushInterval = 500 * time.Millisecond
	flushCount    = 64
)

type message struct {
	path string
	line string
}

// Sink owns one buffered writer per log path. Writers are created
// lazily on first use, including their parent directories.
type Sink struct {
	logger *zap.Logger

	mu      sync.Mutex
	writers map[string]*bufferedWriter
	failed  map[string]bool

	queue  chan message
	done   chan struct{}
	wg     sync.WaitGroup
	ticker *time.Ticker
}

type bufferedWriter struct {
	f       *os.File
	w       *bufio.Writer
	pending int
}

// New starts the sink's background flush loop. Call Close to drain
// and release all writers.
func New(logger *zap.Logger) *Sink {
	s := &Sink{
		logger:  logger,
		writers: make(map[string]*bufferedWriter),
		failed:  make(map[string]bool),
		queue:   make(chan message, 4096),
		done:    make(chan struct{}),
		ticker:  time.NewTicker(flushInterval),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Enqueue queues line for writing to path. Never blocks the caller on
// I/O; the queue itself is unbounded in spirit (backed by a large
// buffered channel, with an overflow fallback that logs and drops
// rather than applying backpressure to request handling).
func (s *Sink) Enqueue(path, line string) {
	select {
	case s.queue <- message{path: path, line: line}:
	default:
		s.logger.Warn("log queue full, dropping message", zap.String("path", path))
	}
}

func (s *Sink) run() {
	defer s.wg.Done()
	for {
		select {
		case m := <-s.queue:
			s.write(m)
		case <-s.ticker.C:
			s.flushAll()
		case <-s.done:
			s.drainAndFlush()
			return
		}
	}
}

func (s *Sink) drainAndFlush() {
	for {
		select {
		case m := <-s.queue:
			s.write(m)
		default:
			s.flushAll()
			return
		}
	}
}

func (s *Sink) write(m message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failed[m.path] {
		return
	}

	bw, ok := s.writers[m.path]
	if !ok {
		var err error
		bw, err = openWriter(m.path)
		if err != nil {
			s.logger.Error("opening log file, dropping further writes to this path",
				zap.String("path", m.path), zap.Error(err))
			s.failed[m.path] = true
			return
		}
		s.writers[m.path] = bw
	}

	if _, err := bw.w.WriteString(m.line); err != nil {
		s.logger.Error("writing log line", zap.String("path", m.path), zap.Error(err))
		return
	}
	bw.pending++
	if bw.pending >= flushCount {
		s.flushOne(m.path, bw)
	}
}

func (s *Sink) flushAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for path, bw := range s.writers {
		if bw.pending > 0 {
			s.flushOne(path, bw)
		}
	}
}

// flushOne assumes s.mu is held.
func (s *Sink) flushOne(path string, bw *bufferedWriter) {
	if err := bw.w.Flush(); err != nil {
		s.logger.Error("flushing log file", zap.String("path", path), zap.Error(err))
	}
	bw.pending = 0
}

func openWriter(path string) (*bufferedWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return &bufferedWriter{f: f, w: bufio.NewWriter(f)}, nil
}

// Close flushes every writer and releases its file handle.
func (s *Sink) Close() error {
	close(s.done)
	s.wg.Wait()
	s.ticker.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for path, bw := range s.writers {
		if err := bw.w.Flush(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("flushing %s: %w", path, err)
		}
		if err := bw.f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing %s: %w", path, err)
		}
	}
	return firstErr
}

// AccessPathFor computes the access-log file path for a request,
// scoped by host when hostID is known (proxy-host-<id>_access.log),
// otherwise the general file (proxy_general.log), per spec.md §6.
func AccessPathFor(logsRoot string, hostID *int) string {
	return logPathFor(logsRoot, hostID, "access")
}

// ErrorPathFor computes the error-log file path alongside AccessPathFor's
// access log, per spec.md §4.7's "parallel error line" requirement.
func ErrorPathFor(logsRoot string, hostID *int) string {
	return logPathFor(logsRoot, hostID, "error")
}

func logPathFor(logsRoot string, hostID *int, kind string) string {
	if hostID == nil {
		return filepath.Join(logsRoot, "proxy_general.log")
	}
	return filepath.Join(logsRoot, fmt.Sprintf("proxy-host-%d_%s.log", *hostID, kind))
}

// FormatAccessLine renders one access-log line per spec.md §6's exact
// format: "<ts> <method> <host> <path> <status>[ - error: <msg>]".
func FormatAccessLine(ts time.Time, method, host, path string, status int, errMsg string) string {
	if errMsg == "" {
		return fmt.Sprintf("%s %s %s %s %d\n", ts.Format(time.RFC3339), method, host, path, status)
	}
	return fmt.Sprintf("%s %s %s %s %d - error: %s\n", ts.Format(time.RFC3339), method, host, path, status, errMsg)
}
