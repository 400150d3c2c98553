package model

// Verdict is the outcome of automated assessment.
type Verdict string

const (
	VerdictAutoApprove       Verdict = "AUTO_APPROVE"
	VerdictForceManualReview Verdict = "FORCE_MANUAL_REVIEW"
)

// Decision is what the assessment gate concluded about one claim.
type Decision struct {
	Verdict     Verdict  `json:"verdict"`
	Severity    Severity `json:"severity"`
	WeatherRisk float64  `json:"weather_risk"`
	// Location is set when the gate had to geocode the claim's postcode.
	Location *Location `json:"location,omitempty"`
}

// Score maps the decision severity onto the claim's automated score.
func (d Decision) Score() int {
	return int(d.Severity)
}
