// Package review issues threshold secret shares to human reviewers and
// settles their votes into a consensus decision.
package review

import (
	"context"
	"encoding/hex"
	"errors"

	"github.com/hashicorp/vault/shamir"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/claims-adjudication/internal/config"
	"github.com/sells-group/claims-adjudication/internal/model"
	"github.com/sells-group/claims-adjudication/internal/store"
)

var (
	// ErrAlreadyReviewed is returned when shares were already issued.
	ErrAlreadyReviewed = eris.New("review: claim already sent to review")
	// ErrNotFound is returned when no share exists for the claim and reviewer.
	ErrNotFound = eris.New("review: share not found")
	// ErrAlreadySubmitted is returned on a second submission by one reviewer.
	ErrAlreadySubmitted = eris.New("review: reviewer already submitted")
	// ErrReconstructionFailed is logged when the submitted shares do not
	// recombine into a severity label. It never blocks finalization.
	ErrReconstructionFailed = eris.New("review: secret reconstruction failed")
	// ErrInvalidSeverity is returned for declared severities outside 0..2.
	ErrInvalidSeverity = eris.New("review: invalid severity")
	// ErrQuorumNotReached is returned by Outcome before enough submissions.
	ErrQuorumNotReached = eris.New("review: quorum not reached")
)

// maxCombinations bounds the share subsets tried during reconstruction.
const maxCombinations = 64

// Store is the persistence the review service needs.
type Store interface {
	GetClaim(ctx context.Context, claimID string) (*model.Claim, error)
	CreateReviewShares(ctx context.Context, claimID string, shares []model.ReviewShare) error
	GetReviewShare(ctx context.Context, claimID string, reviewerID int) (*model.ReviewShare, error)
	ListReviewShares(ctx context.Context, claimID string) ([]model.ReviewShare, error)
	RecordSubmission(ctx context.Context, claimID string, reviewerID int, declared model.Severity, payload []byte) error
	FinalizeConsensus(ctx context.Context, claimID string, label model.Severity) (bool, error)
}

// Banker receives human-confirmed labels for retraining.
type Banker interface {
	Bank(ctx context.Context, ev model.Evidence, label model.Severity) error
}

// Result describes what a submission caused.
type Result struct {
	Submission model.Submission        `json:"submission"`
	Submitted  int                     `json:"submitted"`
	Finalized  bool                    `json:"finalized"`
	Outcome    *model.ConsensusOutcome `json:"outcome,omitempty"`
}

// Service coordinates share issuance and consensus.
type Service struct {
	store     Store
	banker    Banker
	threshold int
	total     int
	locks     *keyedMutex
}

// NewService creates a Service. banker may be nil.
func NewService(st Store, banker Banker, cfg config.ReviewConfig) *Service {
	if cfg.Threshold < 2 {
		cfg.Threshold = 3
	}
	if cfg.TotalShares < cfg.Threshold {
		cfg.TotalShares = 5
	}
	return &Service{
		store:     st,
		banker:    banker,
		threshold: cfg.Threshold,
		total:     cfg.TotalShares,
		locks:     newKeyedMutex(),
	}
}

// IssueShares splits the claim's automated severity into one share per
// reviewer and stores them in a single transaction.
func (s *Service) IssueShares(ctx context.Context, claimID string, sev model.Severity) error {
	if !sev.Valid() {
		return eris.Wrapf(ErrInvalidSeverity, "review: issue shares for claim %s: %d", claimID, sev)
	}
	parts, err := shamir.Split(encodeSecret(sev), s.total, s.threshold)
	if err != nil {
		return eris.Wrap(err, "review: split secret")
	}

	shares := make([]model.ReviewShare, len(parts))
	for i, p := range parts {
		shares[i] = model.ReviewShare{ClaimID: claimID, ReviewerID: i + 1, Share: hex.EncodeToString(p)}
	}

	if err := s.store.CreateReviewShares(ctx, claimID, shares); err != nil {
		switch {
		case errors.Is(err, store.ErrSharesExist):
			return eris.Wrapf(ErrAlreadyReviewed, "review: claim %s", claimID)
		case errors.Is(err, store.ErrNotFound):
			return eris.Wrapf(ErrNotFound, "review: claim %s", claimID)
		}
		return eris.Wrapf(err, "review: store shares for claim %s", claimID)
	}

	zap.L().Info("review: shares issued",
		zap.String("claim_id", claimID),
		zap.Int("total", s.total),
		zap.Int("threshold", s.threshold),
	)
	return nil
}

// SubmitReview records a reviewer's declared severity and, once quorum is
// reached, finalizes the claim by plurality vote.
func (s *Service) SubmitReview(ctx context.Context, claimID string, reviewerID int, declared model.Severity) (*Result, error) {
	if !declared.Valid() {
		return nil, eris.Wrapf(ErrInvalidSeverity, "review: declared %d", declared)
	}
	log := zap.L().With(zap.String("claim_id", claimID), zap.Int("reviewer_id", reviewerID))

	unlock := s.locks.Lock(claimID)
	defer unlock()

	sh, err := s.store.GetReviewShare(ctx, claimID, reviewerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, eris.Wrapf(ErrNotFound, "review: claim %s reviewer %d", claimID, reviewerID)
		}
		return nil, eris.Wrap(err, "review: load share")
	}
	if sh.Submitted() {
		return nil, eris.Wrapf(ErrAlreadySubmitted, "review: claim %s reviewer %d", claimID, reviewerID)
	}

	sub := NewSubmission(sh.Share, declared)
	payload, err := encodeSubmission(sub)
	if err != nil {
		return nil, err
	}
	if err := s.store.RecordSubmission(ctx, claimID, reviewerID, declared, payload); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, eris.Wrapf(ErrAlreadySubmitted, "review: claim %s reviewer %d", claimID, reviewerID)
		}
		return nil, eris.Wrap(err, "review: record submission")
	}
	log.Info("review: submission recorded", zap.String("declared", declared.Label()))

	res := &Result{Submission: sub}
	shares, err := s.store.ListReviewShares(ctx, claimID)
	if err != nil {
		return nil, eris.Wrap(err, "review: list shares")
	}
	submitted := submittedShares(shares)
	res.Submitted = len(submitted)
	if len(submitted) < s.threshold {
		return res, nil
	}

	claim, err := s.store.GetClaim(ctx, claimID)
	if err != nil {
		return nil, eris.Wrap(err, "review: load claim")
	}
	res.Outcome = s.settle(claimID, submitted)
	if claim.ConsensusFinalized {
		log.Debug("review: late submission after consensus")
		return res, nil
	}

	if n := countedVotes(res.Outcome); n < s.threshold {
		log.Warn("review: too few readable votes to finalize",
			zap.Int("counted", n),
			zap.Int("submitted", len(submitted)),
			zap.Error(ErrQuorumNotReached),
		)
		return res, nil
	}

	label := res.Outcome.WinningSeverity
	ok, err := s.store.FinalizeConsensus(ctx, claimID, label)
	if err != nil {
		return nil, eris.Wrap(err, "review: finalize")
	}
	res.Finalized = ok
	if !ok {
		return res, nil
	}
	log.Info("review: consensus reached",
		zap.String("decision", label.Label()),
		zap.Int("submitted", len(submitted)),
		zap.Bool("reconstructed", res.Outcome.Reconstructed()),
	)

	if s.banker != nil {
		if ev, ok := claim.FirstEvidence(); ok {
			if err := s.banker.Bank(ctx, ev, label); err != nil {
				log.Warn("review: bank training sample", zap.Error(err))
			}
		}
	}
	return res, nil
}

// Outcome recomputes the consensus view of a claim's submissions.
func (s *Service) Outcome(ctx context.Context, claimID string) (*model.ConsensusOutcome, error) {
	shares, err := s.store.ListReviewShares(ctx, claimID)
	if err != nil {
		return nil, eris.Wrap(err, "review: list shares")
	}
	if len(shares) == 0 {
		return nil, eris.Wrapf(ErrNotFound, "review: claim %s has no shares", claimID)
	}
	submitted := submittedShares(shares)
	if len(submitted) < s.threshold {
		return nil, eris.Wrapf(ErrQuorumNotReached, "review: claim %s has %d of %d", claimID, len(submitted), s.threshold)
	}
	return s.settle(claimID, submitted), nil
}

// settle tallies the votes and cross-checks the shares. Reconstruction is
// advisory: its failure is recorded on the outcome and logged.
func (s *Service) settle(claimID string, submitted []model.ReviewShare) *model.ConsensusOutcome {
	out := &model.ConsensusOutcome{ClaimID: claimID, Votes: make(map[model.Severity]int)}

	var votes []model.Severity
	var parts [][]byte
	for _, sh := range submitted {
		out.Participants = append(out.Participants, sh.ReviewerID)
		sub, err := decodeSubmission(sh.SubmissionPayload)
		if err != nil {
			// The stored decision column still carries the vote; only the
			// share is lost for reconstruction.
			zap.L().Warn("review: malformed submission",
				zap.String("claim_id", claimID), zap.Int("reviewer_id", sh.ReviewerID), zap.Error(err))
			if sh.Decision != nil && sh.Decision.Valid() {
				votes = append(votes, *sh.Decision)
				out.Votes[*sh.Decision]++
			}
			continue
		}
		votes = append(votes, sub.DeclaredLabel)
		out.Votes[sub.DeclaredLabel]++
		if p, err := hex.DecodeString(sub.OriginalShare); err == nil && len(p) > 1 {
			parts = append(parts, p)
		}
	}
	out.WinningSeverity = Plurality(votes)

	secret, err := reconstruct(parts, s.threshold)
	if err != nil {
		out.ReconstructionError = err.Error()
		zap.L().Warn("review: reconstruction failed",
			zap.String("claim_id", claimID),
			zap.Error(eris.Wrap(ErrReconstructionFailed, err.Error())),
		)
	} else {
		out.ReconstructedSecret = secret
	}
	return out
}

// Plurality returns the most frequent severity, breaking ties toward the
// lowest. An empty vote yields SeverityLittleOrNone.
func Plurality(votes []model.Severity) model.Severity {
	counts := make(map[model.Severity]int, len(model.Severities))
	for _, v := range votes {
		counts[v]++
	}
	best, bestN := model.SeverityLittleOrNone, -1
	for _, sev := range model.Severities {
		if counts[sev] > bestN {
			best, bestN = sev, counts[sev]
		}
	}
	return best
}

// reconstruct combines threshold-sized subsets of parts until one yields a
// secret that decodes to a severity label. Corrupted shares cannot be told
// apart before combining, so subsets are tried in order.
func reconstruct(parts [][]byte, threshold int) ([]byte, error) {
	if len(parts) < threshold {
		return nil, eris.Errorf("review: %d usable shares, need %d", len(parts), threshold)
	}
	tried := 0
	var found []byte
	combinations(len(parts), threshold, func(idx []int) bool {
		tried++
		subset := make([][]byte, len(idx))
		for i, j := range idx {
			subset[i] = parts[j]
		}
		secret, err := shamir.Combine(subset)
		if err == nil {
			if _, err := decodeSecret(secret); err == nil {
				found = secret
				return false
			}
		}
		return tried < maxCombinations
	})
	if found == nil {
		return nil, eris.Errorf("review: no subset of %d shares decodes to a label (%d tried)", len(parts), tried)
	}
	return found, nil
}

// combinations calls fn with each k-subset of 0..n-1 in lexicographic order
// until fn returns false.
func combinations(n, k int, fn func([]int) bool) {
	idx := make([]int, k)
	for i := range idx {
		idx[i] = i
	}
	for {
		if !fn(idx) {
			return
		}
		i := k - 1
		for i >= 0 && idx[i] == n-k+i {
			i--
		}
		if i < 0 {
			return
		}
		idx[i]++
		for j := i + 1; j < k; j++ {
			idx[j] = idx[j-1] + 1
		}
	}
}

func countedVotes(out *model.ConsensusOutcome) int {
	n := 0
	for _, c := range out.Votes {
		n += c
	}
	return n
}

func submittedShares(shares []model.ReviewShare) []model.ReviewShare {
	out := make([]model.ReviewShare, 0, len(shares))
	for _, sh := range shares {
		if sh.Submitted() {
			out = append(out, sh)
		}
	}
	return out
}
