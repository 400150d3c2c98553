package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/claims-adjudication/internal/model"
)

type fakeCounter struct {
	counts   map[model.ClaimStatus]int
	awaiting int
	countErr error
	waitErr  error
}

func (f *fakeCounter) CountClaimsByStatus(context.Context) (map[model.ClaimStatus]int, error) {
	return f.counts, f.countErr
}

func (f *fakeCounter) CountAwaitingReview(context.Context) (int, error) {
	return f.awaiting, f.waitErr
}

type fakeBreakers map[string]string

func (f fakeBreakers) States() map[string]string { return f }

type fakeClock time.Time

func (f fakeClock) LastCycle() time.Time { return time.Time(f) }

type fakeBank map[model.Severity]int

func (f fakeBank) Counts() map[model.Severity]int { return f }

func TestCollector_Collect(t *testing.T) {
	last := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	st := &fakeCounter{
		counts: map[model.ClaimStatus]int{
			model.ClaimStatusOpen:     7,
			model.ClaimStatusApproved: 3,
			model.ClaimStatusRejected: 2,
			model.ClaimStatusPaidOut:  1,
		},
		awaiting: 4,
	}
	c := NewCollector(st,
		fakeBreakers{"scorer": "closed", "weather": "open"},
		fakeClock(last),
		fakeBank{model.SeverityMild: 12},
	)

	snap, err := c.Collect(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 7, snap.ClaimsOpen)
	assert.Equal(t, 3, snap.ClaimsApproved)
	assert.Equal(t, 2, snap.ClaimsRejected)
	assert.Equal(t, 1, snap.ClaimsPaidOut)
	assert.Equal(t, 4, snap.AwaitingReview)
	assert.Equal(t, []string{"weather"}, snap.OpenBreakers())
	require.NotNil(t, snap.LastCycle)
	assert.True(t, last.Equal(*snap.LastCycle))
	assert.Equal(t, 12, snap.BankedSamples["MILD"])
	assert.False(t, snap.CollectedAt.IsZero())
}

func TestCollector_OptionalSources(t *testing.T) {
	c := NewCollector(&fakeCounter{}, nil, fakeClock(time.Time{}), nil)
	snap, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap.Breakers)
	assert.Nil(t, snap.LastCycle)
	assert.Nil(t, snap.BankedSamples)
}

func TestCollector_StoreErrors(t *testing.T) {
	_, err := NewCollector(&fakeCounter{countErr: errors.New("db down")}, nil, nil, nil).Collect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "count claims")

	_, err = NewCollector(&fakeCounter{waitErr: errors.New("db down")}, nil, nil, nil).Collect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "awaiting review")
}
