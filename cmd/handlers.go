package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/claims-adjudication/internal/model"
	"github.com/sells-group/claims-adjudication/internal/review"
	"github.com/sells-group/claims-adjudication/internal/store"
	"github.com/sells-group/claims-adjudication/internal/trigger"
)

type handlers struct {
	env *appEnv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, review.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, review.ErrAlreadySubmitted), errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, review.ErrInvalidSeverity):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		zap.L().Error("api: request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	if err := h.env.Store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) metrics(w http.ResponseWriter, r *http.Request) {
	snap, err := h.env.Collector.Collect(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type createClaimRequest struct {
	UserID       string  `json:"user_id"`
	PolicyID     string  `json:"policy_id"`
	DisasterType string  `json:"disaster_type"`
	Description  string  `json:"description"`
	Postcode     string  `json:"postcode"`
	Country      string  `json:"country"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
}

func (h *handlers) createClaim(w http.ResponseWriter, r *http.Request) {
	var req createClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if req.Postcode == "" && req.Latitude == 0 && req.Longitude == 0 {
		writeError(w, http.StatusBadRequest, "postcode or coordinates are required")
		return
	}

	claim := &model.Claim{
		UserID:       req.UserID,
		PolicyID:     req.PolicyID,
		DisasterType: req.DisasterType,
		Description:  req.Description,
		Location: model.Location{
			Postcode:  req.Postcode,
			Country:   req.Country,
			Latitude:  req.Latitude,
			Longitude: req.Longitude,
		},
	}
	if err := h.env.Store.CreateClaim(r.Context(), claim); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, claim)
}

// shareView hides share material from API responses.
type shareView struct {
	ReviewerID int             `json:"reviewer_id"`
	Submitted  bool            `json:"submitted"`
	Decision   *model.Severity `json:"decision,omitempty"`
}

type claimView struct {
	Claim   *model.Claim            `json:"claim"`
	Shares  []shareView             `json:"shares,omitempty"`
	Outcome *model.ConsensusOutcome `json:"outcome,omitempty"`
}

func (h *handlers) getClaim(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claimID := chi.URLParam(r, "claimID")

	claim, err := h.env.Store.GetClaim(ctx, claimID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	shares, err := h.env.Store.ListReviewShares(ctx, claimID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	view := claimView{Claim: claim}
	for _, sh := range shares {
		view.Shares = append(view.Shares, shareView{
			ReviewerID: sh.ReviewerID,
			Submitted:  sh.Submitted(),
			Decision:   sh.Decision,
		})
	}
	if len(shares) > 0 {
		if out, err := h.env.Review.Outcome(ctx, claimID); err == nil {
			out.ReconstructedSecret = nil
			view.Outcome = out
		}
	}
	writeJSON(w, http.StatusOK, view)
}

type addEvidenceRequest struct {
	Path             string `json:"path"`
	DigitalSignature string `json:"digital_signature"`
}

func (h *handlers) addEvidence(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claimID := chi.URLParam(r, "claimID")

	var req addEvidenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	ev := &model.Evidence{ClaimID: claimID, Path: req.Path, DigitalSignature: req.DigitalSignature}
	if err := h.env.Store.AddEvidence(ctx, ev); err != nil {
		h.fail(w, r, err)
		return
	}

	// Evidence is stored before the trigger fires; a skipped or failed
	// cycle never loses the upload.
	resp := map[string]any{"evidence": ev, "cycle": "scheduled"}
	status := http.StatusCreated
	if err := h.env.Trigger.OnEvidenceCreated(ctx, claimID, *ev); err != nil {
		if errors.Is(err, trigger.ErrRateLimited) {
			resp["cycle"] = "skipped"
			status = http.StatusAccepted
		} else {
			zap.L().Warn("api: schedule cycle", zap.String("claim_id", claimID), zap.Error(err))
			resp["cycle"] = "failed"
		}
	}
	writeJSON(w, status, resp)
}

type submitReviewRequest struct {
	ReviewerID int             `json:"reviewer_id"`
	Decision   json.RawMessage `json:"decision"`
}

// parseDecision accepts a class number or a label string.
func parseDecision(raw json.RawMessage) (model.Severity, error) {
	if len(raw) == 0 {
		return 0, eris.Wrap(review.ErrInvalidSeverity, "decision is required")
	}
	v := strings.Trim(string(raw), `"`)
	sev, err := model.ParseSeverity(v)
	if err != nil {
		return 0, eris.Wrap(review.ErrInvalidSeverity, err.Error())
	}
	return sev, nil
}

func (h *handlers) submitReview(w http.ResponseWriter, r *http.Request) {
	claimID := chi.URLParam(r, "claimID")

	var req submitReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sev, err := parseDecision(req.Decision)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.env.Review.SubmitReview(r.Context(), claimID, req.ReviewerID, sev)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if res.Outcome != nil {
		res.Outcome.ReconstructedSecret = nil
	}
	res.Submission.OriginalShare = ""
	writeJSON(w, http.StatusOK, res)
}
