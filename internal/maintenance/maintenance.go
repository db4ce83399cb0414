// Package maintenance runs the bridge's periodic housekeeping: pruning
// the dispatch journal past its retention window and prewarming broken
// pool slots so the acquire path rarely pays the revival cost.
package maintenance

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/bascule/internal/events"
	"github.com/mattjoyce/bascule/internal/log"
	"github.com/mattjoyce/bascule/internal/metrics"
	"github.com/mattjoyce/bascule/internal/pool"
)

// Pruner deletes journal rows older than the retention window.
type Pruner interface {
	Prune(ctx context.Context, retention time.Duration) (int64, error)
}

// SlotRecoverer probes broken slots in the free list.
type SlotRecoverer interface {
	RecoverBroken(ctx context.Context) int
	Stats() pool.Stats
}

// Config tunes the maintenance loop. Read-only after New.
type Config struct {
	TickInterval     time.Duration
	JournalRetention time.Duration
}

// Loop is the ticker-driven housekeeping goroutine.
type Loop struct {
	cfg    Config
	pruner Pruner
	pool   SlotRecoverer
	hub    *events.Hub
	logger *slog.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Loop. pruner and hub may be nil when the journal or the
// events surface is disabled; pool is required.
func New(cfg Config, pruner Pruner, pool SlotRecoverer, hub *events.Hub) *Loop {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 60 * time.Second
	}
	return &Loop{
		cfg:    cfg,
		pruner: pruner,
		pool:   pool,
		hub:    hub,
		logger: log.WithComponent("maintenance"),
		stopCh: make(chan struct{}),
	}
}

// Start begins the tick loop. The first pass runs immediately.
func (l *Loop) Start(ctx context.Context) {
	l.logger.Info("starting maintenance loop", "tick_interval", l.cfg.TickInterval)
	l.wg.Add(1)
	go l.tickLoop(ctx)
}

// Stop stops the loop and waits for an in-progress pass to finish.
func (l *Loop) Stop() {
	close(l.stopCh)
	l.wg.Wait()
	l.logger.Info("maintenance loop stopped")
}

func (l *Loop) tickLoop(ctx context.Context) {
	defer l.wg.Done()

	l.tick(ctx)

	ticker := time.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.tick(ctx)
		case <-l.stopCh:
			return
		case <-ctx.Done():
			l.logger.Warn("maintenance context cancelled, stopping tick loop")
			return
		}
	}
}

// tick performs one housekeeping pass.
func (l *Loop) tick(ctx context.Context) {
	l.logger.Debug("maintenance tick")

	if l.pool != nil {
		if revived := l.pool.RecoverBroken(ctx); revived > 0 {
			l.logger.Info("prewarmed broken slots", "revived", revived)
		}
		stats := l.pool.Stats()
		metrics.PoolSlots.WithLabelValues("idle").Set(float64(stats.Idle))
		metrics.PoolSlots.WithLabelValues("busy").Set(float64(stats.Busy))
		metrics.PoolSlots.WithLabelValues("broken").Set(float64(stats.Broken))
	}

	if l.pruner != nil && l.cfg.JournalRetention > 0 {
		pruned, err := l.pruner.Prune(ctx, l.cfg.JournalRetention)
		if err != nil {
			l.logger.Warn("journal prune failed", "error", err)
			return
		}
		if pruned > 0 {
			metrics.JournalPrunesTotal.Inc()
			l.logger.Info("pruned journal", "rows", pruned, "retention", l.cfg.JournalRetention)
			if l.hub != nil {
				l.hub.Publish(events.TypeMaintenancePruned, map[string]any{
					"rows":      pruned,
					"retention": l.cfg.JournalRetention.String(),
				})
			}
		}
	}
}
