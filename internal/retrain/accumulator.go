// Package retrain banks human-confirmed labels and hands balanced batches
// to a retraining job.
package retrain

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/claims-adjudication/internal/model"
)

// Accumulator collects training samples per severity class. It is shared
// by every review in the process.
type Accumulator struct {
	bankSize int
	mu       sync.Mutex
	samples  map[model.Severity][]model.TrainingSample
	now      func() time.Time
}

// NewAccumulator creates an Accumulator that drains once every class holds
// more than bankSize samples.
func NewAccumulator(bankSize int) *Accumulator {
	if bankSize <= 0 {
		bankSize = 100
	}
	return &Accumulator{
		bankSize: bankSize,
		samples:  make(map[model.Severity][]model.TrainingSample, len(model.Severities)),
		now:      time.Now,
	}
}

// BankSample appends s and, when every class exceeds the bank size, drains
// all samples into a batch. The check and the drain happen under one lock
// so concurrent callers never drain twice.
func (a *Accumulator) BankSample(s model.TrainingSample) (*model.TrainingBatch, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.samples[s.Label] = append(a.samples[s.Label], s)
	for _, sev := range model.Severities {
		if len(a.samples[sev]) <= a.bankSize {
			return nil, false
		}
	}

	batch := &model.TrainingBatch{ID: uuid.New().String(), CreatedAt: a.now().UTC()}
	for _, sev := range model.Severities {
		batch.Samples = append(batch.Samples, a.samples[sev]...)
	}
	a.samples = make(map[model.Severity][]model.TrainingSample, len(model.Severities))
	return batch, true
}

// Restore puts a drained batch back into the bank, ahead of anything banked
// since. The next BankSample drains it again if every class still exceeds
// the bank size.
func (a *Accumulator) Restore(batch *model.TrainingBatch) {
	a.mu.Lock()
	defer a.mu.Unlock()

	restored := make(map[model.Severity][]model.TrainingSample, len(model.Severities))
	for _, s := range batch.Samples {
		restored[s.Label] = append(restored[s.Label], s)
	}
	for sev, samples := range restored {
		a.samples[sev] = append(samples, a.samples[sev]...)
	}
}

// Counts returns the number of banked samples per class.
func (a *Accumulator) Counts() map[model.Severity]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[model.Severity]int, len(model.Severities))
	for _, sev := range model.Severities {
		out[sev] = len(a.samples[sev])
	}
	return out
}
