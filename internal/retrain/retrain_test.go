package retrain

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/client"

	"github.com/sells-group/claims-adjudication/internal/model"
	"github.com/sells-group/claims-adjudication/internal/worker"
)

func fill(a *Accumulator, sev model.Severity, n int) (drains int) {
	for i := 0; i < n; i++ {
		if _, ok := a.BankSample(model.TrainingSample{EvidencePath: "e.jpg", Label: sev}); ok {
			drains++
		}
	}
	return drains
}

func TestAccumulator_NoDrainUntilEveryClassExceeds(t *testing.T) {
	a := NewAccumulator(100)
	assert.Zero(t, fill(a, model.SeverityLittleOrNone, 101))
	assert.Zero(t, fill(a, model.SeverityMild, 101))
	assert.Zero(t, fill(a, model.SeveritySevere, 100))
	assert.Equal(t, map[model.Severity]int{0: 101, 1: 101, 2: 100}, a.Counts())

	batch, ok := a.BankSample(model.TrainingSample{ClaimID: "c", EvidencePath: "last.jpg", Label: model.SeveritySevere})
	require.True(t, ok)
	assert.Len(t, batch.Samples, 303)
	assert.NotEmpty(t, batch.ID)
	assert.Equal(t, map[model.Severity]int{0: 101, 1: 101, 2: 101}, batch.Counts())
	assert.Equal(t, map[model.Severity]int{0: 0, 1: 0, 2: 0}, a.Counts())
}

func TestAccumulator_ConcurrentDrainOnce(t *testing.T) {
	a := NewAccumulator(10)
	fill(a, model.SeverityLittleOrNone, 11)
	fill(a, model.SeverityMild, 11)
	fill(a, model.SeveritySevere, 10)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		drains int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := a.BankSample(model.TrainingSample{Label: model.SeveritySevere}); ok {
				mu.Lock()
				drains++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, drains)
	assert.Equal(t, 19, a.Counts()[model.SeveritySevere])
}

func TestNewAccumulator_Default(t *testing.T) {
	assert.Equal(t, 100, NewAccumulator(0).bankSize)
}

type mockBatchStore struct{ mock.Mock }

func (m *mockBatchStore) SaveTrainingBatch(ctx context.Context, batch *model.TrainingBatch) error {
	return m.Called(ctx, batch).Error(0)
}

type mockDispatcher struct{ mock.Mock }

func (m *mockDispatcher) Dispatch(ctx context.Context, batch *model.TrainingBatch) error {
	return m.Called(ctx, batch).Error(0)
}

func TestTrigger_QueuesJobOnDrain(t *testing.T) {
	pool := worker.NewPool(1, 4)
	defer pool.Close()

	st, d := &mockBatchStore{}, &mockDispatcher{}
	st.On("SaveTrainingBatch", mock.Anything, mock.Anything).Return(nil).Once()
	d.On("Dispatch", mock.Anything, mock.Anything).Return(nil).Once()

	acc := NewAccumulator(1)
	tr := NewTrigger(acc, pool, st, d)
	ctx := context.Background()
	for _, sev := range model.Severities {
		for i := 0; i < 2; i++ {
			require.NoError(t, tr.Bank(ctx, model.Evidence{ClaimID: "c", Path: "p.jpg"}, sev))
		}
	}
	pool.Wait()

	st.AssertExpectations(t)
	d.AssertExpectations(t)
	batch := d.Calls[0].Arguments.Get(1).(*model.TrainingBatch)
	assert.Len(t, batch.Samples, 6)
	assert.Equal(t, "c", batch.Samples[0].ClaimID)
}

func TestTrigger_SaveFailureSkipsDispatch(t *testing.T) {
	pool := worker.NewPool(1, 4)
	defer pool.Close()

	st, d := &mockBatchStore{}, &mockDispatcher{}
	st.On("SaveTrainingBatch", mock.Anything, mock.Anything).Return(errors.New("disk full"))

	tr := NewTrigger(NewAccumulator(1), pool, st, d)
	acc := tr.acc
	fill(acc, model.SeverityLittleOrNone, 2)
	fill(acc, model.SeverityMild, 2)
	fill(acc, model.SeveritySevere, 1)
	require.NoError(t, tr.Bank(context.Background(), model.Evidence{Path: "p.jpg"}, model.SeveritySevere))
	pool.Wait()

	res := <-pool.Results()
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "disk full")
	d.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything)
}

type rejectingPool struct{}

func (rejectingPool) Submit(worker.Task) error { return worker.ErrQueueFull }

func TestTrigger_SubmitFailure(t *testing.T) {
	tr := NewTrigger(NewAccumulator(1), rejectingPool{}, nil, nil)
	fill(tr.acc, model.SeverityLittleOrNone, 2)
	fill(tr.acc, model.SeverityMild, 2)
	fill(tr.acc, model.SeveritySevere, 1)

	err := tr.Bank(context.Background(), model.Evidence{Path: "p.jpg"}, model.SeveritySevere)
	assert.True(t, errors.Is(err, worker.ErrQueueFull))
	assert.Equal(t, map[model.Severity]int{
		model.SeverityLittleOrNone: 2,
		model.SeverityMild:         2,
		model.SeveritySevere:       2,
	}, tr.acc.Counts(), "rejected batch is banked again")

	// Once the pool has room, the next confirmed label drains everything.
	pool := &capturingPool{}
	tr.pool = pool
	require.NoError(t, tr.Bank(context.Background(), model.Evidence{Path: "q.jpg"}, model.SeverityMild))
	require.Len(t, pool.tasks, 1)
	assert.Equal(t, 0, tr.acc.Counts()[model.SeverityMild])
}

type capturingPool struct{ tasks []worker.Task }

func (p *capturingPool) Submit(task worker.Task) error {
	p.tasks = append(p.tasks, task)
	return nil
}

func TestAccumulator_RestoreKeepsOrder(t *testing.T) {
	acc := NewAccumulator(1)
	acc.BankSample(model.TrainingSample{EvidencePath: "new.jpg", Label: model.SeverityMild})
	acc.Restore(&model.TrainingBatch{Samples: []model.TrainingSample{
		{EvidencePath: "old-1.jpg", Label: model.SeverityMild},
		{EvidencePath: "old-2.jpg", Label: model.SeveritySevere},
	}})

	assert.Equal(t, 2, acc.Counts()[model.SeverityMild])
	assert.Equal(t, 1, acc.Counts()[model.SeveritySevere])

	acc.BankSample(model.TrainingSample{EvidencePath: "a.jpg", Label: model.SeverityLittleOrNone})
	acc.BankSample(model.TrainingSample{EvidencePath: "b.jpg", Label: model.SeverityLittleOrNone})
	batch, ok := acc.BankSample(model.TrainingSample{EvidencePath: "c.jpg", Label: model.SeveritySevere})
	require.True(t, ok)
	var mild []string
	for _, s := range batch.Samples {
		if s.Label == model.SeverityMild {
			mild = append(mild, s.EvidencePath)
		}
	}
	assert.Equal(t, []string{"old-1.jpg", "new.jpg"}, mild)
}

type fakeRun struct {
	client.WorkflowRun
	id string
}

func (r fakeRun) GetID() string    { return r.id }
func (r fakeRun) GetRunID() string { return "run-1" }

type fakeStarter struct {
	opts client.StartWorkflowOptions
	wf   interface{}
	args []interface{}
	err  error
}

func (f *fakeStarter) ExecuteWorkflow(_ context.Context, opts client.StartWorkflowOptions, wf interface{}, args ...interface{}) (client.WorkflowRun, error) {
	f.opts, f.wf, f.args = opts, wf, args
	if f.err != nil {
		return nil, f.err
	}
	return fakeRun{id: opts.ID}, nil
}

func TestTemporalDispatcher(t *testing.T) {
	fs := &fakeStarter{}
	d := NewTemporalDispatcher(fs, "damage-model-retraining")
	batch := &model.TrainingBatch{ID: "b-1", Samples: []model.TrainingSample{{EvidencePath: "x.jpg", Label: 1}}}

	require.NoError(t, d.Dispatch(context.Background(), batch))
	assert.Equal(t, "retrain-b-1", fs.opts.ID)
	assert.Equal(t, "damage-model-retraining", fs.opts.TaskQueue)
	assert.Equal(t, WorkflowName, fs.wf)
	require.Len(t, fs.args, 1)
	req := fs.args[0].(RetrainRequest)
	assert.Equal(t, "b-1", req.BatchID)
	assert.Len(t, req.Samples, 1)
}

func TestTemporalDispatcher_Error(t *testing.T) {
	d := NewTemporalDispatcher(&fakeStarter{err: errors.New("unavailable")}, "q")
	err := d.Dispatch(context.Background(), &model.TrainingBatch{ID: "b-2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unavailable")
}

func TestLogDispatcher(t *testing.T) {
	assert.NoError(t, LogDispatcher{}.Dispatch(context.Background(), &model.TrainingBatch{ID: "b"}))
}
