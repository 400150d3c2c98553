package retrain

import (
	"context"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/sells-group/claims-adjudication/internal/config"
	"github.com/sells-group/claims-adjudication/internal/model"
)

// WorkflowName is the retraining workflow registered by the model worker.
const WorkflowName = "RetrainDamageModel"

// Dispatcher hands a persisted batch to whatever retrains the classifier.
type Dispatcher interface {
	Dispatch(ctx context.Context, batch *model.TrainingBatch) error
}

// LogDispatcher only logs the batch.
type LogDispatcher struct{}

func (LogDispatcher) Dispatch(_ context.Context, batch *model.TrainingBatch) error {
	counts := batch.Counts()
	zap.L().Info("retrain: batch ready",
		zap.String("batch_id", batch.ID),
		zap.Int("little_or_none", counts[model.SeverityLittleOrNone]),
		zap.Int("mild", counts[model.SeverityMild]),
		zap.Int("severe", counts[model.SeveritySevere]),
	)
	return nil
}

// RetrainRequest is the workflow input.
type RetrainRequest struct {
	BatchID string                 `json:"batch_id"`
	Samples []model.TrainingSample `json:"samples"`
}

// workflowStarter is the part of client.Client the dispatcher uses.
type workflowStarter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
}

// TemporalDispatcher starts a retraining workflow per batch.
type TemporalDispatcher struct {
	client    workflowStarter
	taskQueue string
}

// NewTemporalDispatcher creates a TemporalDispatcher on the given task queue.
func NewTemporalDispatcher(c workflowStarter, taskQueue string) *TemporalDispatcher {
	return &TemporalDispatcher{client: c, taskQueue: taskQueue}
}

// DialTemporal connects to the Temporal frontend.
func DialTemporal(cfg config.TemporalConfig) (client.Client, error) {
	c, err := client.Dial(client.Options{HostPort: cfg.HostPort, Namespace: cfg.Namespace})
	if err != nil {
		return nil, eris.Wrapf(err, "retrain: dial temporal %s", cfg.HostPort)
	}
	return c, nil
}

// Dispatch starts the workflow. The batch ID doubles as the workflow ID so a
// retried job does not start a second run.
func (d *TemporalDispatcher) Dispatch(ctx context.Context, batch *model.TrainingBatch) error {
	run, err := d.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        "retrain-" + batch.ID,
		TaskQueue: d.taskQueue,
	}, WorkflowName, RetrainRequest{BatchID: batch.ID, Samples: batch.Samples})
	if err != nil {
		return eris.Wrapf(err, "retrain: start workflow for batch %s", batch.ID)
	}
	zap.L().Info("retrain: workflow started",
		zap.String("batch_id", batch.ID),
		zap.String("workflow_id", run.GetID()),
		zap.String("run_id", run.GetRunID()),
	)
	return nil
}
