package main

import (
	"context"

	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/sells-group/claims-adjudication/internal/assess"
	"github.com/sells-group/claims-adjudication/internal/monitoring"
	"github.com/sells-group/claims-adjudication/internal/pipeline"
	"github.com/sells-group/claims-adjudication/internal/resilience"
	"github.com/sells-group/claims-adjudication/internal/retrain"
	"github.com/sells-group/claims-adjudication/internal/review"
	"github.com/sells-group/claims-adjudication/internal/store"
	"github.com/sells-group/claims-adjudication/internal/trigger"
	"github.com/sells-group/claims-adjudication/internal/worker"
	"github.com/sells-group/claims-adjudication/pkg/geocode"
	"github.com/sells-group/claims-adjudication/pkg/scorer"
	"github.com/sells-group/claims-adjudication/pkg/weather"
)

// appEnv holds the store, clients and services shared by the serve and
// cycle commands.
type appEnv struct {
	Store       store.Store
	Guards      *resilience.Guards
	Pool        *worker.Pool
	Debouncer   *trigger.Debouncer
	Trigger     *trigger.Trigger
	Pipeline    *pipeline.Pipeline
	Review      *review.Service
	Accumulator *retrain.Accumulator
	Collector   *monitoring.Collector

	temporal client.Client
}

// collaborators are the outbound clients the gate consults.
type collaborators struct {
	Scorer   scorer.Client
	Weather  weather.Client
	Geocoder geocode.Client
}

// Close drains background work and releases resources.
func (e *appEnv) Close() {
	if e.Pool != nil {
		e.Pool.Close()
	}
	if e.temporal != nil {
		e.temporal.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv opens the store, builds the outbound clients from configuration
// and wires the pipeline. Callers should defer env.Close().
func initEnv(ctx context.Context) (*appEnv, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	collab := collaborators{
		Scorer: scorer.NewClient(cfg.Scorer.Key,
			scorer.WithBaseURL(cfg.Scorer.BaseURL),
			scorer.WithRateLimit(cfg.Scorer.RPS),
		),
		Weather: weather.NewClient(cfg.Weather.Key,
			weather.WithBaseURL(cfg.Weather.BaseURL),
			weather.WithRateLimit(cfg.Weather.RPS),
		),
		Geocoder: geocode.NewClient(
			geocode.WithBaseURL(cfg.Geocode.BaseURL),
			geocode.WithUserAgent(cfg.Geocode.UserAgent),
			geocode.WithRateLimit(cfg.Geocode.RPS),
			geocode.WithCacheTTL(cfg.Geocode.CacheTTL),
		),
	}

	var dispatcher retrain.Dispatcher = retrain.LogDispatcher{}
	var tc client.Client
	if cfg.Retrain.Dispatcher == "temporal" {
		tc, err = retrain.DialTemporal(cfg.Temporal)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		dispatcher = retrain.NewTemporalDispatcher(tc, cfg.Temporal.TaskQueue)
		zap.L().Info("retraining dispatches to temporal",
			zap.String("task_queue", cfg.Temporal.TaskQueue))
	}

	env := newEnv(st, collab, dispatcher)
	env.temporal = tc
	return env, nil
}

// newEnv wires services around an open store.
func newEnv(st store.Store, collab collaborators, dispatcher retrain.Dispatcher) *appEnv {
	guards := resilience.NewGuards(cfg.Resilience)
	pool := worker.NewPool(cfg.Workers.Size, cfg.Workers.QueueSize)

	acc := retrain.NewAccumulator(cfg.Retrain.BankSize)
	banker := retrain.NewTrigger(acc, pool, st, dispatcher)
	svc := review.NewService(st, banker, cfg.Review)

	gate := assess.NewGate(collab.Scorer, collab.Weather, collab.Geocoder, guards, cfg.Assessment)
	pipe := pipeline.New(st, gate, svc, cfg.Cycle)

	deb := trigger.NewDebouncer(cfg.Trigger.MinInterval)
	trig := trigger.New(deb, pool, pipe.Cycle)

	return &appEnv{
		Store:       st,
		Guards:      guards,
		Pool:        pool,
		Debouncer:   deb,
		Trigger:     trig,
		Pipeline:    pipe,
		Review:      svc,
		Accumulator: acc,
		Collector:   monitoring.NewCollector(st, guards, deb, acc),
	}
}
