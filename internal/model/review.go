package model

import "time"

// ReviewShare is one reviewer's secret-sharing fragment for a claim, plus
// the reviewer's submission once cast. SubmissionPayload is the serialized
// submission record; it is empty until the reviewer submits.
type ReviewShare struct {
	ID                string     `json:"id"`
	ClaimID           string     `json:"claim_id"`
	ReviewerID        int        `json:"reviewer_id"`
	Share             string     `json:"share"`
	SubmissionPayload []byte     `json:"submission,omitempty"`
	Decision          *Severity  `json:"decision,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	SubmittedAt       *time.Time `json:"submitted_at,omitempty"`
}

// Submitted reports whether the reviewer has cast a decision.
func (r *ReviewShare) Submitted() bool {
	return len(r.SubmissionPayload) > 0
}

// Submission is a reviewer's vote carried alongside their original share.
// IntegrityDigest is the hex SHA-256 of DeclaredLabel's label name.
type Submission struct {
	OriginalShare   string   `json:"original_share"`
	DeclaredLabel   Severity `json:"declared_label"`
	IntegrityDigest string   `json:"integrity_digest"`
}

// ConsensusOutcome is derived from the submitted shares of a claim once
// quorum is reached. It is never stored on its own.
type ConsensusOutcome struct {
	ClaimID             string           `json:"claim_id"`
	WinningSeverity     Severity         `json:"winning_severity"`
	Votes               map[Severity]int `json:"votes"`
	ReconstructedSecret []byte           `json:"reconstructed_secret,omitempty"`
	ReconstructionError string           `json:"reconstruction_error,omitempty"`
	Participants        []int            `json:"participants"`
}

// Reconstructed reports whether the secret cross-check succeeded.
func (o *ConsensusOutcome) Reconstructed() bool {
	return o.ReconstructionError == "" && len(o.ReconstructedSecret) > 0
}
