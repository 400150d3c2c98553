package model

import (
	"time"
)

// ClaimStatus represents the lifecycle state of a claim.
type ClaimStatus string

const (
	ClaimStatusOpen     ClaimStatus = "OPEN"
	ClaimStatusApproved ClaimStatus = "APPROVED"
	ClaimStatusRejected ClaimStatus = "REJECTED"
	ClaimStatusPaidOut  ClaimStatus = "PAID_OUT"
)

// Valid reports whether s is a known claim status.
func (s ClaimStatus) Valid() bool {
	switch s {
	case ClaimStatusOpen, ClaimStatusApproved, ClaimStatusRejected, ClaimStatusPaidOut:
		return true
	}
	return false
}

// Terminal reports whether no further transition may leave s.
func (s ClaimStatus) Terminal() bool {
	return s == ClaimStatusPaidOut
}

// Transition names the event that moves a claim between states.
type Transition string

const (
	TransitionAutoApprove  Transition = "auto_approve"
	TransitionManualReview Transition = "manual_review"
	TransitionConsensus    Transition = "consensus"
	TransitionPayout       Transition = "payout"
)

// CanTransition reports whether the claim state machine permits moving from
// one status to another through the given event.
//
//	OPEN --auto_approve--> APPROVED
//	OPEN --manual_review--> OPEN
//	OPEN|APPROVED|REJECTED --consensus--> APPROVED|REJECTED
//	APPROVED --payout--> PAID_OUT
func CanTransition(from, to ClaimStatus, via Transition) bool {
	if from.Terminal() {
		return false
	}
	switch via {
	case TransitionAutoApprove:
		return from == ClaimStatusOpen && to == ClaimStatusApproved
	case TransitionManualReview:
		return from == ClaimStatusOpen && to == ClaimStatusOpen
	case TransitionConsensus:
		return to == ClaimStatusApproved || to == ClaimStatusRejected
	case TransitionPayout:
		return from == ClaimStatusApproved && to == ClaimStatusPaidOut
	}
	return false
}

// Location is the insured property the claim refers to. Latitude and
// Longitude are zero until geocoded.
type Location struct {
	Postcode  string  `json:"postcode"`
	Country   string  `json:"country"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
}

// Resolved reports whether the location carries coordinates.
func (l Location) Resolved() bool {
	return l.Latitude != 0 || l.Longitude != 0
}

// Claim is a disaster-damage claim under adjudication.
type Claim struct {
	ID                   string      `json:"id"`
	UserID               string      `json:"user_id"`
	PolicyID             string      `json:"policy_id,omitempty"`
	DisasterType         string      `json:"disaster_type,omitempty"`
	Description          string      `json:"description,omitempty"`
	Status               ClaimStatus `json:"status"`
	AutomatedScore       int         `json:"automated_score"`
	ManualReviewRequired bool        `json:"manual_review_required"`
	ConsensusFinalized   bool        `json:"consensus_finalized"`
	ReviewDecision       string      `json:"review_decision,omitempty"`
	Location             Location    `json:"location"`
	Evidence             []Evidence  `json:"evidence,omitempty"`
	SubmittedAt          time.Time   `json:"submitted_at"`
	UpdatedAt            time.Time   `json:"updated_at"`
}

// FirstEvidence returns the earliest evidence item, or false when the claim
// has none.
func (c *Claim) FirstEvidence() (Evidence, bool) {
	if len(c.Evidence) == 0 {
		return Evidence{}, false
	}
	return c.Evidence[0], true
}

// Evidence references an uploaded artifact owned by the storage layer.
type Evidence struct {
	ID               string    `json:"id"`
	ClaimID          string    `json:"claim_id"`
	Path             string    `json:"path"`
	DigitalSignature string    `json:"digital_signature,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}
