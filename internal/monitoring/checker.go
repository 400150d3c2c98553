// Package monitoring snapshots pipeline health and raises webhook alerts.
package monitoring

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/claims-adjudication/internal/config"
)

// Checker sweeps claim and collaborator health on an interval. An alert is
// posted when its condition first appears and again only after it clears,
// so a breaker that stays open for an hour pages once.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	interval  time.Duration
	active    map[AlertType]bool
}

// SweepResult summarizes one health sweep.
type SweepResult struct {
	Raised  []AlertType // newly fired this sweep
	Cleared []AlertType // fired last sweep, healthy now
	Sent    int
}

// NewChecker creates a Checker using the sweep interval from cfg.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	interval := time.Duration(cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		interval:  interval,
		active:    make(map[AlertType]bool),
	}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (c *Checker) Run(ctx context.Context) {
	zap.L().Info("monitoring: health sweeps started", zap.Duration("interval", c.interval))

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		c.Sweep(ctx)
		select {
		case <-ctx.Done():
			zap.L().Info("monitoring: health sweeps stopped")
			return
		case <-ticker.C:
		}
	}
}

// Sweep collects a snapshot, posts alerts for newly failing conditions and
// forgets conditions that recovered. Sweep is not safe for concurrent use.
func (c *Checker) Sweep(ctx context.Context) SweepResult {
	var res SweepResult
	if ctx.Err() != nil {
		return res
	}

	snap, err := c.collector.Collect(ctx)
	if err != nil {
		zap.L().Error("monitoring: collect claim metrics", zap.Error(err))
		return res
	}

	firing := make(map[AlertType]bool)
	var fresh []Alert
	for _, a := range c.alerter.Evaluate(snap) {
		firing[a.Type] = true
		if !c.active[a.Type] {
			fresh = append(fresh, a)
			res.Raised = append(res.Raised, a.Type)
		}
	}
	for t := range c.active {
		if !firing[t] {
			res.Cleared = append(res.Cleared, t)
		}
	}
	sort.Slice(res.Cleared, func(i, j int) bool { return res.Cleared[i] < res.Cleared[j] })
	c.active = firing

	if len(fresh) > 0 {
		res.Sent = c.alerter.SendAlerts(ctx, fresh)
	}
	if len(res.Raised) > 0 || len(res.Cleared) > 0 {
		zap.L().Info("monitoring: claim health changed",
			zap.Int("claims_open", snap.ClaimsOpen),
			zap.Int("awaiting_review", snap.AwaitingReview),
			zap.Strings("open_breakers", snap.OpenBreakers()),
			zap.Any("raised", res.Raised),
			zap.Any("cleared", res.Cleared),
			zap.Int("sent", res.Sent),
		)
	}
	return res
}
