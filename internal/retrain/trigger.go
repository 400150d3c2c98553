package retrain

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/claims-adjudication/internal/model"
	"github.com/sells-group/claims-adjudication/internal/worker"
)

// BatchStore persists drained batches.
type BatchStore interface {
	SaveTrainingBatch(ctx context.Context, batch *model.TrainingBatch) error
}

// Submitter queues background work.
type Submitter interface {
	Submit(task worker.Task) error
}

// Trigger banks confirmed labels and launches a retraining job whenever the
// accumulator drains.
type Trigger struct {
	acc        *Accumulator
	pool       Submitter
	store      BatchStore
	dispatcher Dispatcher
}

// NewTrigger creates a Trigger.
func NewTrigger(acc *Accumulator, pool Submitter, st BatchStore, d Dispatcher) *Trigger {
	if d == nil {
		d = LogDispatcher{}
	}
	return &Trigger{acc: acc, pool: pool, store: st, dispatcher: d}
}

// Bank records (evidence, label) as a training sample. When that completes a
// batch, the retraining job is queued and Bank returns without waiting. If
// the job cannot be queued the samples go back into the bank.
func (t *Trigger) Bank(ctx context.Context, ev model.Evidence, label model.Severity) error {
	batch, ok := t.acc.BankSample(model.TrainingSample{
		ClaimID:      ev.ClaimID,
		EvidencePath: ev.Path,
		Label:        label,
	})
	if !ok {
		return nil
	}

	zap.L().Info("retrain: batch drained",
		zap.String("batch_id", batch.ID),
		zap.Int("samples", len(batch.Samples)),
	)
	err := t.pool.Submit(worker.Task{
		Name: "retrain:" + batch.ID,
		Run:  func(ctx context.Context) error { return t.run(ctx, batch) },
	})
	if err != nil {
		t.acc.Restore(batch)
		zap.L().Warn("retrain: batch returned to bank",
			zap.String("batch_id", batch.ID),
			zap.Error(err),
		)
		return eris.Wrapf(err, "retrain: queue batch %s", batch.ID)
	}
	return nil
}

func (t *Trigger) run(ctx context.Context, batch *model.TrainingBatch) error {
	start := time.Now()
	if t.store != nil {
		if err := t.store.SaveTrainingBatch(ctx, batch); err != nil {
			return eris.Wrapf(err, "retrain: save batch %s", batch.ID)
		}
	}
	if err := t.dispatcher.Dispatch(ctx, batch); err != nil {
		return eris.Wrapf(err, "retrain: dispatch batch %s", batch.ID)
	}
	zap.L().Info("retrain: job dispatched",
		zap.String("batch_id", batch.ID),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}
