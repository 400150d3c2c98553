package model

import "time"

// TrainingSample is a human-confirmed (evidence, label) pair.
type TrainingSample struct {
	ClaimID      string   `json:"claim_id"`
	EvidencePath string   `json:"evidence_path"`
	Label        Severity `json:"label"`
}

// TrainingBatch is a drained set of samples handed to a retraining job.
type TrainingBatch struct {
	ID        string           `json:"id"`
	Samples   []TrainingSample `json:"samples"`
	CreatedAt time.Time        `json:"created_at"`
}

// Counts returns the number of samples per class.
func (b *TrainingBatch) Counts() map[Severity]int {
	counts := make(map[Severity]int, len(Severities))
	for _, s := range b.Samples {
		counts[s.Label]++
	}
	return counts
}
