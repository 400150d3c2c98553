package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/claims-adjudication/internal/db"
	"github.com/sells-group/claims-adjudication/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS claims (
	id                     TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	user_id                TEXT NOT NULL,
	policy_id              TEXT NOT NULL DEFAULT '',
	disaster_type          TEXT NOT NULL DEFAULT '',
	description            TEXT NOT NULL DEFAULT '',
	status                 TEXT NOT NULL DEFAULT 'OPEN',
	automated_score        INTEGER NOT NULL DEFAULT 0 CHECK (automated_score BETWEEN 0 AND 100),
	manual_review_required BOOLEAN NOT NULL DEFAULT false,
	consensus_finalized    BOOLEAN NOT NULL DEFAULT false,
	review_decision        TEXT NOT NULL DEFAULT '',
	postcode               TEXT NOT NULL DEFAULT '',
	country                TEXT NOT NULL DEFAULT '',
	latitude               DOUBLE PRECISION NOT NULL DEFAULT 0,
	longitude              DOUBLE PRECISION NOT NULL DEFAULT 0,
	submitted_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at             TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS evidence (
	id                TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	claim_id          TEXT NOT NULL REFERENCES claims(id) ON DELETE CASCADE,
	path              TEXT NOT NULL,
	digital_signature TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS review_shares (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	claim_id     TEXT NOT NULL REFERENCES claims(id) ON DELETE CASCADE,
	reviewer_id  INTEGER NOT NULL,
	share        TEXT NOT NULL,
	submission   JSONB,
	decision     INTEGER,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	submitted_at TIMESTAMPTZ,
	UNIQUE (claim_id, reviewer_id)
);

CREATE TABLE IF NOT EXISTS training_batches (
	id           TEXT PRIMARY KEY,
	sample_count INTEGER NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS training_samples (
	batch_id      TEXT NOT NULL REFERENCES training_batches(id) ON DELETE CASCADE,
	claim_id      TEXT NOT NULL,
	evidence_path TEXT NOT NULL,
	label         INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_claims_status ON claims(status);
CREATE INDEX IF NOT EXISTS idx_evidence_claim_id ON evidence(claim_id, created_at);
CREATE INDEX IF NOT EXISTS idx_review_shares_claim_id ON review_shares(claim_id);
CREATE INDEX IF NOT EXISTS idx_training_samples_batch_id ON training_samples(batch_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateClaim(ctx context.Context, claim *model.Claim) error {
	if claim.ID == "" {
		claim.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	claim.Status = model.ClaimStatusOpen
	claim.SubmittedAt = now
	claim.UpdatedAt = now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO claims (`+claimColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		claim.ID, claim.UserID, claim.PolicyID, claim.DisasterType, claim.Description,
		string(claim.Status), claim.AutomatedScore, claim.ManualReviewRequired, claim.ConsensusFinalized,
		claim.ReviewDecision, claim.Location.Postcode, claim.Location.Country,
		claim.Location.Latitude, claim.Location.Longitude, now, now,
	)
	return eris.Wrap(err, "postgres: insert claim")
}

func (s *PostgresStore) GetClaim(ctx context.Context, claimID string) (*model.Claim, error) {
	c, err := scanClaim(s.pool.QueryRow(ctx, `SELECT `+claimColumns+` FROM claims WHERE id = $1`, claimID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "postgres: get claim %s", claimID)
		}
		return nil, eris.Wrapf(err, "postgres: get claim %s", claimID)
	}
	if c.Evidence, err = s.listEvidence(ctx, claimID); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *PostgresStore) ListClaims(ctx context.Context, filter ClaimFilter) ([]model.Claim, error) {
	query := `SELECT ` + claimColumns + ` FROM claims WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.ExcludeManualReview {
		query += ` AND NOT manual_review_required`
	}
	query += fmt.Sprintf(` ORDER BY submitted_at ASC LIMIT $%d OFFSET $%d`, argIdx, argIdx+1)
	args = append(args, listLimit(filter), filter.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list claims")
	}
	defer rows.Close()

	var claims []model.Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan claim")
		}
		claims = append(claims, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate claims")
	}
	rows.Close()

	for i := range claims {
		if claims[i].Evidence, err = s.listEvidence(ctx, claims[i].ID); err != nil {
			return nil, err
		}
	}
	return claims, nil
}

func (s *PostgresStore) UpdateLocation(ctx context.Context, claimID string, loc model.Location) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE claims SET postcode = $1, country = $2, latitude = $3, longitude = $4, updated_at = $5
		 WHERE id = $6 AND status = $7`,
		loc.Postcode, loc.Country, loc.Latitude, loc.Longitude, time.Now().UTC(), claimID, string(model.ClaimStatusOpen),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update location %s", claimID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrConflict, "open claim: %s", claimID)
	}
	return nil
}

func (s *PostgresStore) CountClaimsByStatus(ctx context.Context) (map[model.ClaimStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM claims GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count claims")
	}
	defer rows.Close()

	counts := make(map[model.ClaimStatus]int)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan claim count")
		}
		counts[model.ClaimStatus(status)] = int(n)
	}
	return counts, eris.Wrap(rows.Err(), "postgres: iterate claim counts")
}

func (s *PostgresStore) CountAwaitingReview(ctx context.Context) (int, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM claims WHERE manual_review_required AND NOT consensus_finalized AND status = 'OPEN'`,
	).Scan(&n)
	return int(n), eris.Wrap(err, "postgres: count awaiting review")
}

func (s *PostgresStore) ApproveAutomatically(ctx context.Context, claimID string, score int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE claims SET status = $1, automated_score = $2, manual_review_required = false, updated_at = $3
		 WHERE id = $4 AND status = $5`,
		string(model.ClaimStatusApproved), score, time.Now().UTC(), claimID, string(model.ClaimStatusOpen),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: approve claim %s", claimID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrConflict, "open claim: %s", claimID)
	}
	return nil
}

func (s *PostgresStore) RequireManualReview(ctx context.Context, claimID string, score int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE claims SET manual_review_required = true, automated_score = $1, updated_at = $2
		 WHERE id = $3 AND status = $4`,
		score, time.Now().UTC(), claimID, string(model.ClaimStatusOpen),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: flag claim %s", claimID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrConflict, "open claim: %s", claimID)
	}
	return nil
}

func (s *PostgresStore) FinalizeConsensus(ctx context.Context, claimID string, label model.Severity) (bool, error) {
	status := model.ClaimStatusApproved
	if label == model.SeverityLittleOrNone {
		status = model.ClaimStatusRejected
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, eris.Wrap(err, "postgres: begin finalize")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE claims SET status = $1, automated_score = $2, review_decision = $3, consensus_finalized = true, updated_at = $4
		 WHERE id = $5 AND NOT consensus_finalized AND status <> $6`,
		string(status), int(label), label.Label(), time.Now().UTC(), claimID, string(model.ClaimStatusPaidOut),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: finalize claim %s", claimID)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if _, err := tx.Exec(ctx,
		`UPDATE review_shares SET decision = $1 WHERE claim_id = $2 AND submission IS NOT NULL`,
		int(label), claimID,
	); err != nil {
		return false, eris.Wrapf(err, "postgres: normalize decisions %s", claimID)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, eris.Wrap(err, "postgres: commit finalize")
	}
	return true, nil
}

func (s *PostgresStore) MarkPaidOut(ctx context.Context, claimID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE claims SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		string(model.ClaimStatusPaidOut), time.Now().UTC(), claimID, string(model.ClaimStatusApproved),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: pay out claim %s", claimID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrConflict, "approved claim: %s", claimID)
	}
	return nil
}

func (s *PostgresStore) AddEvidence(ctx context.Context, ev *model.Evidence) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	ev.CreatedAt = time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO evidence (id, claim_id, path, digital_signature, created_at) VALUES ($1, $2, $3, $4, $5)`,
		ev.ID, ev.ClaimID, ev.Path, ev.DigitalSignature, ev.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return eris.Wrapf(ErrNotFound, "postgres: add evidence: claim %s", ev.ClaimID)
		}
		return eris.Wrap(err, "postgres: insert evidence")
	}
	return nil
}

func (s *PostgresStore) listEvidence(ctx context.Context, claimID string) ([]model.Evidence, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, claim_id, path, digital_signature, created_at FROM evidence
		 WHERE claim_id = $1 ORDER BY created_at ASC, id ASC`,
		claimID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list evidence %s", claimID)
	}
	defer rows.Close()

	var out []model.Evidence
	for rows.Next() {
		var ev model.Evidence
		if err := rows.Scan(&ev.ID, &ev.ClaimID, &ev.Path, &ev.DigitalSignature, &ev.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan evidence")
		}
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate evidence")
}

var shareCopyColumns = []string{"id", "claim_id", "reviewer_id", "share", "created_at"}

func (s *PostgresStore) CreateReviewShares(ctx context.Context, claimID string, shares []model.ReviewShare) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin create shares")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Lock the claim row so concurrent issuers serialize on the count below.
	var lockedID string
	if err := tx.QueryRow(ctx, `SELECT id FROM claims WHERE id = $1 FOR UPDATE`, claimID).Scan(&lockedID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return eris.Wrapf(ErrNotFound, "postgres: create shares: claim %s", claimID)
		}
		return eris.Wrap(err, "postgres: lock claim")
	}

	var existing int64
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM review_shares WHERE claim_id = $1`, claimID).Scan(&existing); err != nil {
		return eris.Wrap(err, "postgres: count shares")
	}
	if existing > 0 {
		return eris.Wrapf(ErrSharesExist, "postgres: claim %s has %d shares", claimID, existing)
	}

	now := time.Now().UTC()
	rows := make([][]any, 0, len(shares))
	for i := range shares {
		sh := &shares[i]
		if sh.ID == "" {
			sh.ID = uuid.New().String()
		}
		sh.ClaimID = claimID
		sh.CreatedAt = now
		rows = append(rows, []any{sh.ID, claimID, sh.ReviewerID, sh.Share, now})
	}
	if _, err := db.CopyFrom(ctx, tx, "review_shares", shareCopyColumns, rows); err != nil {
		return eris.Wrap(err, "postgres: copy shares")
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit create shares")
}

func (s *PostgresStore) GetReviewShare(ctx context.Context, claimID string, reviewerID int) (*model.ReviewShare, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+shareColumns+` FROM review_shares WHERE claim_id = $1 AND reviewer_id = $2`,
		claimID, reviewerID,
	)
	sh, err := scanPgShare(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "postgres: share %s/%d", claimID, reviewerID)
		}
		return nil, eris.Wrapf(err, "postgres: get share %s/%d", claimID, reviewerID)
	}
	return sh, nil
}

func (s *PostgresStore) ListReviewShares(ctx context.Context, claimID string) ([]model.ReviewShare, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+shareColumns+` FROM review_shares WHERE claim_id = $1 ORDER BY reviewer_id ASC`,
		claimID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list shares %s", claimID)
	}
	defer rows.Close()

	var out []model.ReviewShare
	for rows.Next() {
		sh, err := scanPgShare(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan share")
		}
		out = append(out, *sh)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate shares")
}

func (s *PostgresStore) RecordSubmission(ctx context.Context, claimID string, reviewerID int, declared model.Severity, payload []byte) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE review_shares SET submission = $1, decision = $2, submitted_at = $3
		 WHERE claim_id = $4 AND reviewer_id = $5 AND submission IS NULL`,
		payload, int(declared), time.Now().UTC(), claimID, reviewerID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: record submission %s/%d", claimID, reviewerID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrConflict, "unsubmitted share: %s/%d", claimID, reviewerID)
	}
	return nil
}

var sampleCopyColumns = []string{"batch_id", "claim_id", "evidence_path", "label"}

func (s *PostgresStore) SaveTrainingBatch(ctx context.Context, batch *model.TrainingBatch) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin save batch")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO training_batches (id, sample_count, created_at) VALUES ($1, $2, $3)`,
		batch.ID, len(batch.Samples), batch.CreatedAt,
	); err != nil {
		return eris.Wrap(err, "postgres: insert batch")
	}

	rows := make([][]any, 0, len(batch.Samples))
	for _, sm := range batch.Samples {
		rows = append(rows, []any{batch.ID, sm.ClaimID, sm.EvidencePath, int(sm.Label)})
	}
	if _, err := db.CopyFrom(ctx, tx, "training_samples", sampleCopyColumns, rows); err != nil {
		return eris.Wrap(err, "postgres: copy samples")
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit batch")
}

func scanPgShare(row scannable) (*model.ReviewShare, error) {
	var sh model.ReviewShare
	var submission []byte
	var decision *int32
	var submittedAt *time.Time
	if err := row.Scan(&sh.ID, &sh.ClaimID, &sh.ReviewerID, &sh.Share, &submission, &decision,
		&sh.CreatedAt, &submittedAt); err != nil {
		return nil, err
	}
	if len(submission) > 0 {
		sh.SubmissionPayload = submission
	}
	if decision != nil {
		d := model.Severity(*decision)
		sh.Decision = &d
	}
	sh.SubmittedAt = submittedAt
	return &sh, nil
}
