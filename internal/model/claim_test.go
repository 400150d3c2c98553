package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from ClaimStatus
		to   ClaimStatus
		via  Transition
		want bool
	}{
		{"auto approve from open", ClaimStatusOpen, ClaimStatusApproved, TransitionAutoApprove, true},
		{"auto approve from rejected", ClaimStatusRejected, ClaimStatusApproved, TransitionAutoApprove, false},
		{"auto approve to rejected", ClaimStatusOpen, ClaimStatusRejected, TransitionAutoApprove, false},
		{"manual review stays open", ClaimStatusOpen, ClaimStatusOpen, TransitionManualReview, true},
		{"manual review from approved", ClaimStatusApproved, ClaimStatusOpen, TransitionManualReview, false},
		{"consensus approve from open", ClaimStatusOpen, ClaimStatusApproved, TransitionConsensus, true},
		{"consensus reject from open", ClaimStatusOpen, ClaimStatusRejected, TransitionConsensus, true},
		{"consensus revisits approved", ClaimStatusApproved, ClaimStatusRejected, TransitionConsensus, true},
		{"consensus revisits rejected", ClaimStatusRejected, ClaimStatusApproved, TransitionConsensus, true},
		{"consensus cannot reopen", ClaimStatusApproved, ClaimStatusOpen, TransitionConsensus, false},
		{"payout from approved", ClaimStatusApproved, ClaimStatusPaidOut, TransitionPayout, true},
		{"payout from open", ClaimStatusOpen, ClaimStatusPaidOut, TransitionPayout, false},
		{"payout from rejected", ClaimStatusRejected, ClaimStatusPaidOut, TransitionPayout, false},
		{"unknown event", ClaimStatusOpen, ClaimStatusApproved, Transition("bogus"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to, tt.via))
		})
	}
}

func TestCanTransition_PaidOutIsTerminal(t *testing.T) {
	statuses := []ClaimStatus{ClaimStatusOpen, ClaimStatusApproved, ClaimStatusRejected, ClaimStatusPaidOut}
	events := []Transition{TransitionAutoApprove, TransitionManualReview, TransitionConsensus, TransitionPayout}
	for _, to := range statuses {
		for _, via := range events {
			assert.False(t, CanTransition(ClaimStatusPaidOut, to, via), "PAID_OUT -> %s via %s", to, via)
		}
	}
}

func TestClaimStatus_Valid(t *testing.T) {
	assert.True(t, ClaimStatusOpen.Valid())
	assert.True(t, ClaimStatusPaidOut.Valid())
	assert.False(t, ClaimStatus("CLOSED").Valid())
}

func TestClaim_FirstEvidence(t *testing.T) {
	c := &Claim{}
	_, ok := c.FirstEvidence()
	assert.False(t, ok)

	c.Evidence = []Evidence{{ID: "a", Path: "claims/a.jpg"}, {ID: "b", Path: "claims/b.jpg"}}
	ev, ok := c.FirstEvidence()
	require.True(t, ok)
	assert.Equal(t, "a", ev.ID)
}

func TestLocation_Resolved(t *testing.T) {
	assert.False(t, Location{Postcode: "SW1A 1AA", Country: "GB"}.Resolved())
	assert.True(t, Location{Latitude: 51.5, Longitude: -0.14}.Resolved())
}

func TestParseSeverity(t *testing.T) {
	tests := []struct {
		in      string
		want    Severity
		wantErr bool
	}{
		{"0", SeverityLittleOrNone, false},
		{"2", SeveritySevere, false},
		{"MILD", SeverityMild, false},
		{" severe ", SeveritySevere, false},
		{"little_or_none", SeverityLittleOrNone, false},
		{"3", 0, true},
		{"-1", 0, true},
		{"MEDIUM", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSeverity(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTrainingBatch_Counts(t *testing.T) {
	b := &TrainingBatch{Samples: []TrainingSample{
		{Label: SeverityMild}, {Label: SeverityMild}, {Label: SeveritySevere},
	}}
	counts := b.Counts()
	assert.Equal(t, 0, counts[SeverityLittleOrNone])
	assert.Equal(t, 2, counts[SeverityMild])
	assert.Equal(t, 1, counts[SeveritySevere])
}
