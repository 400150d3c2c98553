package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/claims-adjudication/internal/model"
)

// MetricsSnapshot holds a point-in-time view of the adjudication pipeline.
type MetricsSnapshot struct {
	// Claims by lifecycle status.
	ClaimsOpen     int `json:"claims_open"`
	ClaimsApproved int `json:"claims_approved"`
	ClaimsRejected int `json:"claims_rejected"`
	ClaimsPaidOut  int `json:"claims_paid_out"`

	// Claims flagged for review with no consensus yet.
	AwaitingReview int `json:"awaiting_review"`

	// Collaborator circuit breakers, by name.
	Breakers map[string]string `json:"breakers,omitempty"`

	// Retraining samples banked per severity label.
	BankedSamples map[string]int `json:"banked_samples,omitempty"`

	LastCycle   *time.Time `json:"last_cycle,omitempty"`
	CollectedAt time.Time  `json:"collected_at"`
}

// OpenBreakers returns the names of breakers that are not closed.
func (s *MetricsSnapshot) OpenBreakers() []string {
	var open []string
	for name, state := range s.Breakers {
		if state != "closed" {
			open = append(open, name)
		}
	}
	return open
}

// ClaimCounter is the store view the collector reads.
type ClaimCounter interface {
	CountClaimsByStatus(ctx context.Context) (map[model.ClaimStatus]int, error)
	CountAwaitingReview(ctx context.Context) (int, error)
}

// BreakerSource reports circuit breaker states.
type BreakerSource interface {
	States() map[string]string
}

// CycleClock reports when the last cycle started.
type CycleClock interface {
	LastCycle() time.Time
}

// SampleBank reports banked training samples.
type SampleBank interface {
	Counts() map[model.Severity]int
}

// Collector gathers metrics from the store and the in-process components.
// Every source except the store may be nil.
type Collector struct {
	store    ClaimCounter
	breakers BreakerSource
	cycles   CycleClock
	bank     SampleBank
}

// NewCollector creates a new metrics collector.
func NewCollector(st ClaimCounter, breakers BreakerSource, cycles CycleClock, bank SampleBank) *Collector {
	return &Collector{store: st, breakers: breakers, cycles: cycles, bank: bank}
}

// Collect gathers a snapshot.
func (c *Collector) Collect(ctx context.Context) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{CollectedAt: time.Now().UTC()}

	counts, err := c.store.CountClaimsByStatus(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count claims")
	}
	snap.ClaimsOpen = counts[model.ClaimStatusOpen]
	snap.ClaimsApproved = counts[model.ClaimStatusApproved]
	snap.ClaimsRejected = counts[model.ClaimStatusRejected]
	snap.ClaimsPaidOut = counts[model.ClaimStatusPaidOut]

	awaiting, err := c.store.CountAwaitingReview(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count awaiting review")
	}
	snap.AwaitingReview = awaiting

	if c.breakers != nil {
		snap.Breakers = c.breakers.States()
	}
	if c.cycles != nil {
		if last := c.cycles.LastCycle(); !last.IsZero() {
			utc := last.UTC()
			snap.LastCycle = &utc
		}
	}
	if c.bank != nil {
		snap.BankedSamples = make(map[string]int, len(model.Severities))
		for sev, n := range c.bank.Counts() {
			snap.BankedSamples[sev.Label()] = n
		}
	}

	return snap, nil
}
