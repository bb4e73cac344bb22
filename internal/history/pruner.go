package history

import (
	"context"
	"time"
)

// DefaultPruneInterval is how often Pruner runs when no interval is given.
const DefaultPruneInterval = 24 * time.Hour

// Logger is the logging interface used by Pruner.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Pruner periodically deletes history older than a retention window.
type Pruner struct {
	repo      *Repository
	retention time.Duration
	interval  time.Duration
	logger    Logger
}

// NewPruner creates a pruner. A zero interval means DefaultPruneInterval.
func NewPruner(repo *Repository, retention, interval time.Duration, logger Logger) *Pruner {
	if interval <= 0 {
		interval = DefaultPruneInterval
	}
	return &Pruner{repo: repo, retention: retention, interval: interval, logger: logger}
}

// Run prunes once immediately and then on every tick until ctx is done.
// It returns at once when retention is zero (keep forever).
func (p *Pruner) Run(ctx context.Context) {
	if p.retention <= 0 {
		return
	}

	p.pruneOnce(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pruneOnce(ctx)
		}
	}
}

func (p *Pruner) pruneOnce(ctx context.Context) {
	n, err := p.repo.Prune(ctx, p.retention)
	if p.logger == nil {
		return
	}
	if err != nil {
		p.logger.Error("relay state history prune failed", "error", err)
		return
	}
	if n > 0 {
		p.logger.Info("relay state history pruned", "rows", n, "retention", p.retention.String())
	}
}
