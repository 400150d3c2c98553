// Package assess decides whether a claim can be approved automatically or
// must go to human review.
package assess

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/claims-adjudication/internal/config"
	"github.com/sells-group/claims-adjudication/internal/model"
	"github.com/sells-group/claims-adjudication/internal/resilience"
	"github.com/sells-group/claims-adjudication/pkg/geocode"
	"github.com/sells-group/claims-adjudication/pkg/scorer"
	"github.com/sells-group/claims-adjudication/pkg/weather"
)

var (
	// ErrOracleUnavailable covers weather-risk and geocoding failures.
	ErrOracleUnavailable = eris.New("assess: weather oracle unavailable")
	// ErrScorerUnavailable covers damage classifier failures.
	ErrScorerUnavailable = eris.New("assess: damage scorer unavailable")
	// ErrNotEligible is returned for claims the gate must not evaluate.
	ErrNotEligible = eris.New("assess: claim not eligible")
)

// Gate runs automated assessment.
type Gate struct {
	scorer   scorer.Client
	weather  weather.Client
	geocoder geocode.Client
	guards   *resilience.Guards
	cfg      config.AssessmentConfig
}

// NewGate creates a Gate. guards may be nil to call collaborators directly.
func NewGate(sc scorer.Client, wc weather.Client, gc geocode.Client, guards *resilience.Guards, cfg config.AssessmentConfig) *Gate {
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = 21
	}
	if cfg.ExtremePercent <= 0 {
		cfg.ExtremePercent = 50
	}
	if cfg.LowRiskCutoff <= 0 {
		cfg.LowRiskCutoff = 0.1
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	return &Gate{scorer: sc, weather: wc, geocoder: gc, guards: guards, cfg: cfg}
}

// Evaluate assesses an OPEN claim with evidence. A weather risk below the
// cutoff forces manual review without consulting the scorer; otherwise the
// scorer's severity decides, with severity 0 also forcing manual review.
func (g *Gate) Evaluate(ctx context.Context, claim *model.Claim) (model.Decision, error) {
	var d model.Decision

	if claim.Status != model.ClaimStatusOpen || claim.ManualReviewRequired {
		return d, eris.Wrapf(ErrNotEligible, "assess: claim %s is %s", claim.ID, claim.Status)
	}
	ev, ok := claim.FirstEvidence()
	if !ok {
		return d, eris.Wrapf(ErrNotEligible, "assess: claim %s has no evidence", claim.ID)
	}
	log := zap.L().With(zap.String("claim_id", claim.ID))

	loc := claim.Location
	if !loc.Resolved() {
		resolved, err := g.locate(ctx, loc)
		if err != nil {
			return d, eris.Wrapf(ErrOracleUnavailable, "assess: geocode claim %s: %v", claim.ID, err)
		}
		loc = resolved
		d.Location = &resolved
	}

	risk, err := call(ctx, g, "weather", func(ctx context.Context) (float64, error) {
		return g.weather.WeatherRisk(ctx, loc.Latitude, loc.Longitude, g.cfg.WindowDays, g.cfg.ExtremePercent)
	})
	if err != nil {
		return d, eris.Wrapf(ErrOracleUnavailable, "assess: weather risk for claim %s: %v", claim.ID, err)
	}
	d.WeatherRisk = risk

	if risk < g.cfg.LowRiskCutoff {
		log.Info("assess: low weather risk, forcing manual review", zap.Float64("weather_risk", risk))
		d.Verdict = model.VerdictForceManualReview
		d.Severity = model.SeverityLittleOrNone
		return d, nil
	}

	resp, err := call(ctx, g, "scorer", func(ctx context.Context) (*scorer.ScoreResponse, error) {
		return g.scorer.Score(ctx, scorer.ScoreRequest{ClaimID: claim.ID, EvidenceID: ev.ID, EvidencePath: ev.Path})
	})
	if err != nil {
		return d, eris.Wrapf(ErrScorerUnavailable, "assess: score claim %s: %v", claim.ID, err)
	}
	sev := model.Severity(resp.Severity)
	if !sev.Valid() {
		return d, eris.Wrapf(ErrScorerUnavailable, "assess: score claim %s: invalid severity %d", claim.ID, resp.Severity)
	}

	d.Severity = sev
	if sev == model.SeverityLittleOrNone {
		d.Verdict = model.VerdictForceManualReview
	} else {
		d.Verdict = model.VerdictAutoApprove
	}
	log.Info("assess: scored",
		zap.String("verdict", string(d.Verdict)),
		zap.String("severity", sev.Label()),
		zap.Float64("weather_risk", risk),
	)
	return d, nil
}

func (g *Gate) locate(ctx context.Context, loc model.Location) (model.Location, error) {
	if g.geocoder == nil || loc.Postcode == "" {
		return loc, eris.New("assess: no coordinates and no postcode to geocode")
	}
	r, err := call(ctx, g, "geocode", func(ctx context.Context) (*geocode.Result, error) {
		return g.geocoder.Geocode(ctx, loc.Postcode, loc.Country)
	})
	if err != nil {
		return loc, err
	}
	loc.Latitude = r.Latitude
	loc.Longitude = r.Longitude
	return loc, nil
}

// call bounds fn by the per-call timeout and runs it under the named guard.
func call[T any](ctx context.Context, g *Gate, name string, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()
	var guard *resilience.Guard
	if g.guards != nil {
		guard = g.guards.Get(name)
	}
	return resilience.Call(ctx, guard, fn)
}
