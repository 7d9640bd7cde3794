// Package reload implements Warden's reload controller: it traps
// SIGHUP and rebuilds a state.Snapshot from disk, swapping it into
// the shared atomic pointer on success. A failed reload is logged and
// the prior snapshot keeps serving traffic - reloads never drop a
// working snapshot.
package reload

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/wardenproxy/warden/internal/proxyconfig"
	"github.com/wardenproxy/warden/internal/state"
	"github.com/wardenproxy/warden/internal/telemetry"
)

// Controller owns the shared snapshot pointer and the config
// directory it rebuilds from.
type Controller struct {
	configDir string
	snapshot  *atomic.Pointer[state.Snapshot]
	logger    *zap.Logger
	metrics   *telemetry.Metrics

	manual chan struct{}
}

// New constructs a Controller. initial must already be published into
// snap before Run is called.
func New(configDir string, snap *atomic.Pointer[state.Snapshot], logger *zap.Logger, metrics *telemetry.Metrics) *Controller {
	return &Controller{
		configDir: configDir,
		snapshot:  snap,
		logger:    logger,
		metrics:   metrics,
		manual:    make(chan struct{}, 1),
	}
}

// Trigger requests a reload without waiting for a signal; used by the
// admin API's /reload endpoint.
func (c *Controller) Trigger() {
	select {
	case c.manual <- struct{}{}:
	default:
	}
}

// Run blocks, reloading whenever SIGHUP arrives or Trigger is called,
// until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP)
	defer signal.Stop(sigs)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sigs:
			c.logger.Info("SIGHUP received, reloading configuration")
			c.reloadOnce(ctx)
		case <-c.manual:
			c.logger.Info("reload requested via admin API")
			c.reloadOnce(ctx)
		}
	}
}

func (c *Controller) reloadOnce(ctx context.Context) {
	start := time.Now()
	loaded, err := proxyconfig.Load(c.configDir, c.logger)
	if err != nil {
		c.logger.Error("reload failed, keeping prior configuration", zap.Error(err))
		if c.metrics != nil {
			c.metrics.ReloadFailed()
		}
		return
	}

	buildCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	snap := state.Build(buildCtx, loaded, c.logger)

	c.snapshot.Store(snap)
	if c.metrics != nil {
		c.metrics.ReloadSucceeded(time.Now())
	}
	c.logger.Info("configuration reloaded",
		zap.Duration("took", time.Since(start)),
		zap.Int("hosts", len(loaded.Hosts)))
}

// LoadInitial loads and builds the first snapshot synchronously, for
// startup before Run begins handling reload triggers.
func LoadInitial(ctx context.Context, configDir string, logger *zap.Logger) (*state.Snapshot, error) {
	loaded, err := proxyconfig.Load(configDir, logger)
	if err != nil {
		return nil, fmt.Errorf("loading initial configuration: %w", err)
	}
	return state.Build(ctx, loaded, logger), nil
}
