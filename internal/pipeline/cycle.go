// Package pipeline runs adjudication cycles: every open claim not yet routed
// to human review passes through the assessment gate and has its decision
// applied to the claim state machine.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/claims-adjudication/internal/assess"
	"github.com/sells-group/claims-adjudication/internal/config"
	"github.com/sells-group/claims-adjudication/internal/model"
	"github.com/sells-group/claims-adjudication/internal/review"
	"github.com/sells-group/claims-adjudication/internal/store"
)

// Store is the persistence a cycle needs.
type Store interface {
	ListClaims(ctx context.Context, filter store.ClaimFilter) ([]model.Claim, error)
	UpdateLocation(ctx context.Context, claimID string, loc model.Location) error
	ApproveAutomatically(ctx context.Context, claimID string, score int) error
	RequireManualReview(ctx context.Context, claimID string, score int) error
}

// Assessor evaluates a single claim.
type Assessor interface {
	Evaluate(ctx context.Context, claim *model.Claim) (model.Decision, error)
}

// Issuer starts human review for a claim.
type Issuer interface {
	IssueShares(ctx context.Context, claimID string, sev model.Severity) error
}

// Outcome is what a cycle did to one claim.
type Outcome string

const (
	OutcomeApproved     Outcome = "approved"
	OutcomeManualReview Outcome = "manual_review"
	OutcomeSkipped      Outcome = "skipped"
	OutcomeFailed       Outcome = "failed"
)

// Report summarizes a cycle.
type Report struct {
	Claims   int               `json:"claims"`
	Outcomes map[Outcome]int   `json:"outcomes"`
	Failures map[string]string `json:"failures,omitempty"`
	Duration time.Duration     `json:"duration"`
}

// Pipeline applies assessment decisions to open claims.
type Pipeline struct {
	store  Store
	gate   Assessor
	issuer Issuer
	cfg    config.CycleConfig
}

// New creates a Pipeline.
func New(st Store, gate Assessor, issuer Issuer, cfg config.CycleConfig) *Pipeline {
	if cfg.MaxConcurrentClaims <= 0 {
		cfg.MaxConcurrentClaims = 4
	}
	return &Pipeline{store: st, gate: gate, issuer: issuer, cfg: cfg}
}

// Cycle adapts RunCycle to the trigger's cycle function.
func (p *Pipeline) Cycle(ctx context.Context) error {
	_, err := p.RunCycle(ctx)
	return err
}

// RunCycle evaluates every eligible claim. Per-claim failures are logged and
// reported but do not fail the cycle; only listing the claims can.
func (p *Pipeline) RunCycle(ctx context.Context) (*Report, error) {
	start := time.Now()
	claims, err := p.store.ListClaims(ctx, store.ClaimFilter{
		Status:              model.ClaimStatusOpen,
		ExcludeManualReview: true,
	})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list open claims")
	}
	zap.L().Info("pipeline: cycle started", zap.Int("claims", len(claims)))

	report := &Report{
		Claims:   len(claims),
		Outcomes: make(map[Outcome]int),
		Failures: make(map[string]string),
	}
	var mu sync.Mutex

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.MaxConcurrentClaims)
	for i := range claims {
		claim := &claims[i]
		g.Go(func() error {
			outcome, err := p.process(gCtx, claim)
			mu.Lock()
			defer mu.Unlock()
			report.Outcomes[outcome]++
			if err != nil {
				report.Failures[claim.ID] = err.Error()
				zap.L().Error("pipeline: claim failed",
					zap.String("claim_id", claim.ID),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = time.Since(start)
	zap.L().Info("pipeline: cycle finished",
		zap.Int("claims", report.Claims),
		zap.Int("approved", report.Outcomes[OutcomeApproved]),
		zap.Int("manual_review", report.Outcomes[OutcomeManualReview]),
		zap.Int("failed", report.Outcomes[OutcomeFailed]),
		zap.Duration("elapsed", report.Duration),
	)
	return report, nil
}

func (p *Pipeline) process(ctx context.Context, claim *model.Claim) (Outcome, error) {
	log := zap.L().With(zap.String("claim_id", claim.ID))

	d, err := p.gate.Evaluate(ctx, claim)
	if err != nil {
		if errors.Is(err, assess.ErrNotEligible) {
			log.Debug("pipeline: claim skipped", zap.Error(err))
			return OutcomeSkipped, nil
		}
		return OutcomeFailed, err
	}

	if d.Location != nil {
		if err := p.store.UpdateLocation(ctx, claim.ID, *d.Location); err != nil {
			log.Warn("pipeline: persist geocoded location", zap.Error(err))
		}
	}

	switch d.Verdict {
	case model.VerdictAutoApprove:
		if err := p.store.ApproveAutomatically(ctx, claim.ID, d.Score()); err != nil {
			if errors.Is(err, store.ErrConflict) {
				log.Info("pipeline: claim left OPEN before approval")
				return OutcomeSkipped, nil
			}
			return OutcomeFailed, eris.Wrapf(err, "pipeline: approve claim %s", claim.ID)
		}
		log.Info("pipeline: claim approved automatically", zap.Int("score", d.Score()))
		return OutcomeApproved, nil

	case model.VerdictForceManualReview:
		// Shares go out before the flag is set: a claim flagged without
		// shares would be excluded from every later cycle.
		if err := p.issuer.IssueShares(ctx, claim.ID, d.Severity); err != nil {
			if !errors.Is(err, review.ErrAlreadyReviewed) {
				return OutcomeFailed, eris.Wrapf(err, "pipeline: issue shares for claim %s", claim.ID)
			}
			log.Info("pipeline: shares already issued")
		}
		if err := p.store.RequireManualReview(ctx, claim.ID, d.Score()); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return OutcomeSkipped, nil
			}
			return OutcomeFailed, eris.Wrapf(err, "pipeline: flag claim %s", claim.ID)
		}
		log.Info("pipeline: claim sent to manual review", zap.Float64("weather_risk", d.WeatherRisk))
		return OutcomeManualReview, nil
	}
	return OutcomeFailed, eris.Errorf("pipeline: unknown verdict %q", d.Verdict)
}
