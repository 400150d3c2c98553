// Package trigger starts a pipeline cycle when evidence arrives, at most
// once per configured interval.
package trigger

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/claims-adjudication/internal/model"
	"github.com/sells-group/claims-adjudication/internal/worker"
)

// ErrRateLimited means a cycle ran too recently. It is a no-op signal, not
// a failure.
var ErrRateLimited = eris.New("trigger: rate limited")

// Debouncer holds the process-wide time of the last started cycle.
type Debouncer struct {
	interval time.Duration
	last     atomic.Int64
	now      func() time.Time
}

// NewDebouncer returns a Debouncer that has never fired, so the first event
// is always eligible.
func NewDebouncer(interval time.Duration) *Debouncer {
	return &Debouncer{interval: interval, now: time.Now}
}

// TryAcquire claims the right to start a cycle. Exactly one caller wins per
// interval; losers of the compare-and-swap back off like rate-limited calls.
func (d *Debouncer) TryAcquire() bool {
	_, _, ok := d.acquire()
	return ok
}

func (d *Debouncer) acquire() (stamp, prev int64, ok bool) {
	prev = d.last.Load()
	stamp = d.now().UnixNano()
	if prev != 0 && stamp-prev < int64(d.interval) {
		return 0, prev, false
	}
	return stamp, prev, d.last.CompareAndSwap(prev, stamp)
}

// release undoes a won acquisition when the cycle could not be scheduled.
func (d *Debouncer) release(stamp, prev int64) {
	d.last.CompareAndSwap(stamp, prev)
}

// LastCycle returns when the last cycle was started, or zero.
func (d *Debouncer) LastCycle() time.Time {
	n := d.last.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Submitter accepts background tasks.
type Submitter interface {
	Submit(task worker.Task) error
}

// CycleFunc runs one pipeline cycle.
type CycleFunc func(ctx context.Context) error

// Trigger reacts to evidence creation.
type Trigger struct {
	debouncer *Debouncer
	pool      Submitter
	cycle     CycleFunc
}

// New creates a Trigger.
func New(d *Debouncer, pool Submitter, cycle CycleFunc) *Trigger {
	return &Trigger{debouncer: d, pool: pool, cycle: cycle}
}

// OnEvidenceCreated schedules a cycle on the pool unless one started within
// the interval. It returns as soon as the cycle is queued.
func (t *Trigger) OnEvidenceCreated(_ context.Context, claimID string, ev model.Evidence) error {
	log := zap.L().With(zap.String("claim_id", claimID), zap.String("evidence_id", ev.ID))

	stamp, prev, ok := t.debouncer.acquire()
	if !ok {
		log.Debug("trigger: cycle skipped, ran recently",
			zap.Time("last_cycle", t.debouncer.LastCycle()),
		)
		return ErrRateLimited
	}

	// The cycle outlives the request that created the evidence.
	err := t.pool.Submit(worker.Task{
		Name: "cycle",
		Run:  func(ctx context.Context) error { return t.cycle(ctx) },
	})
	if err != nil {
		t.debouncer.release(stamp, prev)
		return eris.Wrap(err, "trigger: schedule cycle")
	}
	log.Info("trigger: cycle scheduled")
	return nil
}
