package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/claims-adjudication/internal/model"
)

func newTestSQLite(t *testing.T) Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func createClaim(t *testing.T, s Store, userID string) *model.Claim {
	t.Helper()
	c := &model.Claim{
		UserID:       userID,
		PolicyID:     "POL-" + userID,
		DisasterType: "flood",
		Location:     model.Location{Postcode: "SW1A 1AA", Country: "GB"},
	}
	require.NoError(t, s.CreateClaim(context.Background(), c))
	return c
}

func issueShares(t *testing.T, s Store, claimID string, n int) {
	t.Helper()
	shares := make([]model.ReviewShare, 0, n)
	for i := 1; i <= n; i++ {
		shares = append(shares, model.ReviewShare{ReviewerID: i, Share: "ab01"})
	}
	require.NoError(t, s.CreateReviewShares(context.Background(), claimID, shares))
}

func storeTestSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateAndGetClaim", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		c := createClaim(t, s, "user-1")
		assert.NotEmpty(t, c.ID)
		assert.Equal(t, model.ClaimStatusOpen, c.Status)

		got, err := s.GetClaim(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, "user-1", got.UserID)
		assert.Equal(t, "flood", got.DisasterType)
		assert.Equal(t, "SW1A 1AA", got.Location.Postcode)
		assert.Equal(t, model.ClaimStatusOpen, got.Status)
		assert.False(t, got.ManualReviewRequired)
		assert.False(t, got.ConsensusFinalized)
		assert.Empty(t, got.Evidence)
	})

	t.Run("GetClaimNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetClaim(context.Background(), "missing")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("EvidenceOrderedByCreation", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		c := createClaim(t, s, "user-2")

		require.NoError(t, s.AddEvidence(ctx, &model.Evidence{ClaimID: c.ID, Path: "claims/first.jpg", DigitalSignature: "sig-1"}))
		time.Sleep(2 * time.Millisecond)
		require.NoError(t, s.AddEvidence(ctx, &model.Evidence{ClaimID: c.ID, Path: "claims/second.jpg"}))

		got, err := s.GetClaim(ctx, c.ID)
		require.NoError(t, err)
		require.Len(t, got.Evidence, 2)
		first, ok := got.FirstEvidence()
		require.True(t, ok)
		assert.Equal(t, "claims/first.jpg", first.Path)
		assert.Equal(t, "sig-1", first.DigitalSignature)
	})

	t.Run("AddEvidenceUnknownClaim", func(t *testing.T) {
		s := newStore(t)
		err := s.AddEvidence(context.Background(), &model.Evidence{ClaimID: "missing", Path: "x.jpg"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("ListClaimsFilters", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a := createClaim(t, s, "a")
		b := createClaim(t, s, "b")
		c := createClaim(t, s, "c")

		require.NoError(t, s.ApproveAutomatically(ctx, a.ID, 80))
		require.NoError(t, s.RequireManualReview(ctx, b.ID, 0))

		open, err := s.ListClaims(ctx, ClaimFilter{Status: model.ClaimStatusOpen})
		require.NoError(t, err)
		assert.Len(t, open, 2)

		pending, err := s.ListClaims(ctx, ClaimFilter{Status: model.ClaimStatusOpen, ExcludeManualReview: true})
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, c.ID, pending[0].ID)

		limited, err := s.ListClaims(ctx, ClaimFilter{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})

	t.Run("UpdateLocation", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		c := createClaim(t, s, "loc")

		loc := model.Location{Postcode: "SW1A 1AA", Country: "GB", Latitude: 51.501, Longitude: -0.141}
		require.NoError(t, s.UpdateLocation(ctx, c.ID, loc))

		got, err := s.GetClaim(ctx, c.ID)
		require.NoError(t, err)
		assert.True(t, got.Location.Resolved())
		assert.InDelta(t, 51.501, got.Location.Latitude, 1e-9)

		err = s.UpdateLocation(ctx, "missing", loc)
		assert.True(t, errors.Is(err, ErrConflict))
	})

	t.Run("UpdateLocationOnlyWhileOpen", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		c := createClaim(t, s, "loc-closed")
		require.NoError(t, s.ApproveAutomatically(ctx, c.ID, 2))

		moved := model.Location{Postcode: "EC1A 1BB", Country: "GB", Latitude: 51.52, Longitude: -0.1}
		err := s.UpdateLocation(ctx, c.ID, moved)
		assert.True(t, errors.Is(err, ErrConflict))

		got, err := s.GetClaim(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, "SW1A 1AA", got.Location.Postcode)
		assert.False(t, got.Location.Resolved())
	})

	t.Run("ApproveAutomaticallyOnlyFromOpen", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		c := createClaim(t, s, "auto")

		require.NoError(t, s.ApproveAutomatically(ctx, c.ID, 72))
		got, err := s.GetClaim(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, model.ClaimStatusApproved, got.Status)
		assert.Equal(t, 72, got.AutomatedScore)

		err = s.ApproveAutomatically(ctx, c.ID, 90)
		assert.True(t, errors.Is(err, ErrConflict))
		err = s.RequireManualReview(ctx, c.ID, 0)
		assert.True(t, errors.Is(err, ErrConflict))
	})

	t.Run("ManualReviewCountsAsAwaiting", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		c := createClaim(t, s, "manual")
		createClaim(t, s, "other")

		require.NoError(t, s.RequireManualReview(ctx, c.ID, 0))
		n, err := s.CountAwaitingReview(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err := s.GetClaim(ctx, c.ID)
		require.NoError(t, err)
		assert.True(t, got.ManualReviewRequired)
		assert.Equal(t, model.ClaimStatusOpen, got.Status)
	})

	t.Run("FinalizeConsensusOnce", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		c := createClaim(t, s, "consensus")
		require.NoError(t, s.RequireManualReview(ctx, c.ID, 0))
		issueShares(t, s, c.ID, 5)

		require.NoError(t, s.RecordSubmission(ctx, c.ID, 1, model.SeverityMild, []byte(`{"declared_label":1}`)))
		require.NoError(t, s.RecordSubmission(ctx, c.ID, 2, model.SeveritySevere, []byte(`{"declared_label":2}`)))

		ok, err := s.FinalizeConsensus(ctx, c.ID, model.SeveritySevere)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.FinalizeConsensus(ctx, c.ID, model.SeverityLittleOrNone)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.GetClaim(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, model.ClaimStatusApproved, got.Status)
		assert.Equal(t, 2, got.AutomatedScore)
		assert.Equal(t, "SEVERE", got.ReviewDecision)
		assert.True(t, got.ConsensusFinalized)

		shares, err := s.ListReviewShares(ctx, c.ID)
		require.NoError(t, err)
		require.Len(t, shares, 5)
		for _, sh := range shares {
			if sh.Submitted() {
				require.NotNil(t, sh.Decision)
				assert.Equal(t, model.SeveritySevere, *sh.Decision)
			} else {
				assert.Nil(t, sh.Decision)
			}
		}
	})

	t.Run("FinalizeConsensusRejects", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		c := createClaim(t, s, "reject")

		ok, err := s.FinalizeConsensus(ctx, c.ID, model.SeverityLittleOrNone)
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := s.GetClaim(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, model.ClaimStatusRejected, got.Status)
		assert.Equal(t, 0, got.AutomatedScore)
	})

	t.Run("PaidOutIsTerminal", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		c := createClaim(t, s, "paid")

		err := s.MarkPaidOut(ctx, c.ID)
		assert.True(t, errors.Is(err, ErrConflict))

		require.NoError(t, s.ApproveAutomatically(ctx, c.ID, 50))
		require.NoError(t, s.MarkPaidOut(ctx, c.ID))

		ok, err := s.FinalizeConsensus(ctx, c.ID, model.SeverityLittleOrNone)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.GetClaim(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, model.ClaimStatusPaidOut, got.Status)
	})

	t.Run("ReviewSharesIssuedOnce", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		c := createClaim(t, s, "shares")
		issueShares(t, s, c.ID, 5)

		err := s.CreateReviewShares(ctx, c.ID, []model.ReviewShare{{ReviewerID: 6, Share: "ff"}})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrSharesExist))

		shares, err := s.ListReviewShares(ctx, c.ID)
		require.NoError(t, err)
		assert.Len(t, shares, 5)
		assert.Equal(t, 1, shares[0].ReviewerID)

		err = s.CreateReviewShares(ctx, "missing", []model.ReviewShare{{ReviewerID: 1, Share: "ff"}})
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("RecordSubmissionOnce", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		c := createClaim(t, s, "submit")
		issueShares(t, s, c.ID, 3)

		payload := []byte(`{"original_share":"ab01","declared_label":1}`)
		require.NoError(t, s.RecordSubmission(ctx, c.ID, 2, model.SeverityMild, payload))

		sh, err := s.GetReviewShare(ctx, c.ID, 2)
		require.NoError(t, err)
		assert.True(t, sh.Submitted())
		assert.JSONEq(t, string(payload), string(sh.SubmissionPayload))
		require.NotNil(t, sh.Decision)
		assert.Equal(t, model.SeverityMild, *sh.Decision)
		require.NotNil(t, sh.SubmittedAt)

		err = s.RecordSubmission(ctx, c.ID, 2, model.SeveritySevere, payload)
		assert.True(t, errors.Is(err, ErrConflict))

		_, err = s.GetReviewShare(ctx, c.ID, 9)
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("SaveTrainingBatch", func(t *testing.T) {
		s := newStore(t)
		batch := &model.TrainingBatch{
			ID:        "batch-1",
			CreatedAt: time.Now().UTC(),
			Samples: []model.TrainingSample{
				{ClaimID: "c1", EvidencePath: "claims/c1.jpg", Label: model.SeverityMild},
				{ClaimID: "c2", EvidencePath: "claims/c2.jpg", Label: model.SeveritySevere},
			},
		}
		require.NoError(t, s.SaveTrainingBatch(context.Background(), batch))
		assert.Error(t, s.SaveTrainingBatch(context.Background(), batch), "duplicate batch id")
	})

	t.Run("CountClaimsByStatus", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a := createClaim(t, s, "a")
		createClaim(t, s, "b")
		require.NoError(t, s.ApproveAutomatically(ctx, a.ID, 10))

		counts, err := s.CountClaimsByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, counts[model.ClaimStatusOpen])
		assert.Equal(t, 1, counts[model.ClaimStatusApproved])
		assert.Equal(t, 0, counts[model.ClaimStatusPaidOut])
	})

	t.Run("Ping", func(t *testing.T) {
		s := newStore(t)
		assert.NoError(t, s.Ping(context.Background()))
	})
}

func TestSQLiteStore(t *testing.T) {
	storeTestSuite(t, newTestSQLite)
}

func TestListLimit(t *testing.T) {
	assert.Equal(t, 500, listLimit(ClaimFilter{}))
	assert.Equal(t, 500, listLimit(ClaimFilter{Limit: -1}))
	assert.Equal(t, 25, listLimit(ClaimFilter{Limit: 25}))
}
