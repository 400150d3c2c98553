package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/claims-adjudication/internal/model"
)

var (
	// ErrNotFound is returned when the addressed claim or share does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrConflict is returned when a conditional update matched no row
	// because the record is no longer in the required state.
	ErrConflict = eris.New("store: conflicting update")
	// ErrSharesExist is returned when review shares were already issued
	// for a claim.
	ErrSharesExist = eris.New("store: review shares already issued")
)

// ClaimFilter specifies criteria for listing claims.
type ClaimFilter struct {
	Status model.ClaimStatus `json:"status,omitempty"`
	// ExcludeManualReview drops claims already routed to human review.
	ExcludeManualReview bool `json:"exclude_manual_review,omitempty"`
	Limit               int  `json:"limit,omitempty"`
	Offset              int  `json:"offset,omitempty"`
}

// Store defines the persistence interface for the adjudication pipeline.
type Store interface {
	// Claims
	CreateClaim(ctx context.Context, claim *model.Claim) error
	GetClaim(ctx context.Context, claimID string) (*model.Claim, error)
	ListClaims(ctx context.Context, filter ClaimFilter) ([]model.Claim, error)
	UpdateLocation(ctx context.Context, claimID string, loc model.Location) error
	CountClaimsByStatus(ctx context.Context) (map[model.ClaimStatus]int, error)
	CountAwaitingReview(ctx context.Context) (int, error)

	// State transitions. Each is a conditional update that returns
	// ErrConflict when the claim is not in the source state.
	ApproveAutomatically(ctx context.Context, claimID string, score int) error
	RequireManualReview(ctx context.Context, claimID string, score int) error
	FinalizeConsensus(ctx context.Context, claimID string, label model.Severity) (bool, error)
	MarkPaidOut(ctx context.Context, claimID string) error

	// Evidence
	AddEvidence(ctx context.Context, ev *model.Evidence) error

	// Review shares
	CreateReviewShares(ctx context.Context, claimID string, shares []model.ReviewShare) error
	GetReviewShare(ctx context.Context, claimID string, reviewerID int) (*model.ReviewShare, error)
	ListReviewShares(ctx context.Context, claimID string) ([]model.ReviewShare, error)
	RecordSubmission(ctx context.Context, claimID string, reviewerID int, declared model.Severity, payload []byte) error

	// Training data
	SaveTrainingBatch(ctx context.Context, batch *model.TrainingBatch) error

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

func listLimit(filter ClaimFilter) int {
	if filter.Limit <= 0 {
		return 500
	}
	return filter.Limit
}
