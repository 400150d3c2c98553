package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/claims-adjudication/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// SQLite has a single writer; one connection keeps transactions from
	// failing with SQLITE_BUSY on lock upgrade.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS claims (
	id                     TEXT PRIMARY KEY,
	user_id                TEXT NOT NULL,
	policy_id              TEXT NOT NULL DEFAULT '',
	disaster_type          TEXT NOT NULL DEFAULT '',
	description            TEXT NOT NULL DEFAULT '',
	status                 TEXT NOT NULL DEFAULT 'OPEN',
	automated_score        INTEGER NOT NULL DEFAULT 0 CHECK (automated_score BETWEEN 0 AND 100),
	manual_review_required INTEGER NOT NULL DEFAULT 0,
	consensus_finalized    INTEGER NOT NULL DEFAULT 0,
	review_decision        TEXT NOT NULL DEFAULT '',
	postcode               TEXT NOT NULL DEFAULT '',
	country                TEXT NOT NULL DEFAULT '',
	latitude               REAL NOT NULL DEFAULT 0,
	longitude              REAL NOT NULL DEFAULT 0,
	submitted_at           DATETIME NOT NULL,
	updated_at             DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS evidence (
	id                TEXT PRIMARY KEY,
	claim_id          TEXT NOT NULL REFERENCES claims(id) ON DELETE CASCADE,
	path              TEXT NOT NULL,
	digital_signature TEXT NOT NULL DEFAULT '',
	created_at        DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS review_shares (
	id           TEXT PRIMARY KEY,
	claim_id     TEXT NOT NULL REFERENCES claims(id) ON DELETE CASCADE,
	reviewer_id  INTEGER NOT NULL,
	share        TEXT NOT NULL,
	submission   TEXT,
	decision     INTEGER,
	created_at   DATETIME NOT NULL,
	submitted_at DATETIME,
	UNIQUE (claim_id, reviewer_id)
);

CREATE TABLE IF NOT EXISTS training_batches (
	id           TEXT PRIMARY KEY,
	sample_count INTEGER NOT NULL,
	created_at   DATETIME NOT NULL
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

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const claimColumns = `id, user_id, policy_id, disaster_type, description, status, automated_score,
	manual_review_required, consensus_finalized, review_decision, postcode, country,
	latitude, longitude, submitted_at, updated_at`

func (s *SQLiteStore) CreateClaim(ctx context.Context, claim *model.Claim) error {
	if claim.ID == "" {
		claim.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	claim.Status = model.ClaimStatusOpen
	claim.SubmittedAt = now
	claim.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO claims (`+claimColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		claim.ID, claim.UserID, claim.PolicyID, claim.DisasterType, claim.Description,
		string(claim.Status), claim.AutomatedScore, claim.ManualReviewRequired, claim.ConsensusFinalized,
		claim.ReviewDecision, claim.Location.Postcode, claim.Location.Country,
		claim.Location.Latitude, claim.Location.Longitude, now, now,
	)
	return eris.Wrap(err, "sqlite: insert claim")
}

func (s *SQLiteStore) GetClaim(ctx context.Context, claimID string) (*model.Claim, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+claimColumns+` FROM claims WHERE id = ?`, claimID)
	c, err := scanClaim(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "sqlite: get claim %s", claimID)
		}
		return nil, eris.Wrapf(err, "sqlite: get claim %s", claimID)
	}
	if c.Evidence, err = s.listEvidence(ctx, claimID); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *SQLiteStore) ListClaims(ctx context.Context, filter ClaimFilter) ([]model.Claim, error) {
	query := `SELECT ` + claimColumns + ` FROM claims WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.ExcludeManualReview {
		query += ` AND manual_review_required = 0`
	}
	query += ` ORDER BY submitted_at ASC LIMIT ? OFFSET ?`
	args = append(args, listLimit(filter), filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list claims")
	}
	var claims []model.Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "sqlite: scan claim")
		}
		claims = append(claims, *c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, eris.Wrap(err, "sqlite: iterate claims")
	}
	rows.Close()

	// Evidence is loaded after the claim cursor is closed; the store runs on
	// a single connection.
	for i := range claims {
		if claims[i].Evidence, err = s.listEvidence(ctx, claims[i].ID); err != nil {
			return nil, err
		}
	}
	return claims, nil
}

func (s *SQLiteStore) UpdateLocation(ctx context.Context, claimID string, loc model.Location) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE claims SET postcode = ?, country = ?, latitude = ?, longitude = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		loc.Postcode, loc.Country, loc.Latitude, loc.Longitude, time.Now().UTC(), claimID, string(model.ClaimStatusOpen),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update location %s", claimID)
	}
	return checkRowsAffected(res, ErrConflict, "open claim", claimID)
}

func (s *SQLiteStore) CountClaimsByStatus(ctx context.Context) (map[model.ClaimStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM claims GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count claims")
	}
	defer rows.Close()

	counts := make(map[model.ClaimStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan claim count")
		}
		counts[model.ClaimStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: iterate claim counts")
}

func (s *SQLiteStore) CountAwaitingReview(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM claims WHERE manual_review_required = 1 AND consensus_finalized = 0 AND status = 'OPEN'`,
	).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count awaiting review")
}

func (s *SQLiteStore) ApproveAutomatically(ctx context.Context, claimID string, score int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE claims SET status = ?, automated_score = ?, manual_review_required = 0, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(model.ClaimStatusApproved), score, time.Now().UTC(), claimID, string(model.ClaimStatusOpen),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: approve claim %s", claimID)
	}
	return checkRowsAffected(res, ErrConflict, "open claim", claimID)
}

func (s *SQLiteStore) RequireManualReview(ctx context.Context, claimID string, score int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE claims SET manual_review_required = 1, automated_score = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		score, time.Now().UTC(), claimID, string(model.ClaimStatusOpen),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: flag claim %s", claimID)
	}
	return checkRowsAffected(res, ErrConflict, "open claim", claimID)
}

func (s *SQLiteStore) FinalizeConsensus(ctx context.Context, claimID string, label model.Severity) (bool, error) {
	status := model.ClaimStatusApproved
	if label == model.SeverityLittleOrNone {
		status = model.ClaimStatusRejected
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: begin finalize")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE claims SET status = ?, automated_score = ?, review_decision = ?, consensus_finalized = 1, updated_at = ?
		 WHERE id = ? AND consensus_finalized = 0 AND status <> ?`,
		string(status), int(label), label.Label(), time.Now().UTC(), claimID, string(model.ClaimStatusPaidOut),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: finalize claim %s", claimID)
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	} else if n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE review_shares SET decision = ? WHERE claim_id = ? AND submission IS NOT NULL`,
		int(label), claimID,
	); err != nil {
		return false, eris.Wrapf(err, "sqlite: normalize decisions %s", claimID)
	}

	if err := tx.Commit(); err != nil {
		return false, eris.Wrap(err, "sqlite: commit finalize")
	}
	return true, nil
}

func (s *SQLiteStore) MarkPaidOut(ctx context.Context, claimID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE claims SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(model.ClaimStatusPaidOut), time.Now().UTC(), claimID, string(model.ClaimStatusApproved),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: pay out claim %s", claimID)
	}
	return checkRowsAffected(res, ErrConflict, "approved claim", claimID)
}

func (s *SQLiteStore) AddEvidence(ctx context.Context, ev *model.Evidence) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	ev.CreatedAt = time.Now().UTC()

	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM claims WHERE id = ?`, ev.ClaimID).Scan(&exists)
	if err != nil {
		return eris.Wrap(err, "sqlite: check claim")
	}
	if exists == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: add evidence: claim %s", ev.ClaimID)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO evidence (id, claim_id, path, digital_signature, created_at) VALUES (?, ?, ?, ?, ?)`,
		ev.ID, ev.ClaimID, ev.Path, ev.DigitalSignature, ev.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert evidence")
}

func (s *SQLiteStore) listEvidence(ctx context.Context, claimID string) ([]model.Evidence, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, claim_id, path, digital_signature, created_at FROM evidence
		 WHERE claim_id = ? ORDER BY created_at ASC, rowid ASC`,
		claimID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list evidence %s", claimID)
	}
	defer rows.Close()

	var out []model.Evidence
	for rows.Next() {
		var ev model.Evidence
		if err := rows.Scan(&ev.ID, &ev.ClaimID, &ev.Path, &ev.DigitalSignature, &ev.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan evidence")
		}
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate evidence")
}

func (s *SQLiteStore) CreateReviewShares(ctx context.Context, claimID string, shares []model.ReviewShare) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin create shares")
	}
	defer tx.Rollback() //nolint:errcheck

	var claimCount, shareCount int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM claims WHERE id = ?`, claimID).Scan(&claimCount); err != nil {
		return eris.Wrap(err, "sqlite: check claim")
	}
	if claimCount == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: create shares: claim %s", claimID)
	}
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM review_shares WHERE claim_id = ?`, claimID).Scan(&shareCount); err != nil {
		return eris.Wrap(err, "sqlite: count shares")
	}
	if shareCount > 0 {
		return eris.Wrapf(ErrSharesExist, "sqlite: claim %s has %d shares", claimID, shareCount)
	}

	now := time.Now().UTC()
	for i := range shares {
		sh := &shares[i]
		if sh.ID == "" {
			sh.ID = uuid.New().String()
		}
		sh.ClaimID = claimID
		sh.CreatedAt = now
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO review_shares (id, claim_id, reviewer_id, share, created_at) VALUES (?, ?, ?, ?, ?)`,
			sh.ID, claimID, sh.ReviewerID, sh.Share, now,
		); err != nil {
			if isUniqueViolation(err) {
				return eris.Wrapf(ErrSharesExist, "sqlite: claim %s reviewer %d", claimID, sh.ReviewerID)
			}
			return eris.Wrap(err, "sqlite: insert share")
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit create shares")
}

const shareColumns = `id, claim_id, reviewer_id, share, submission, decision, created_at, submitted_at`

func (s *SQLiteStore) GetReviewShare(ctx context.Context, claimID string, reviewerID int) (*model.ReviewShare, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+shareColumns+` FROM review_shares WHERE claim_id = ? AND reviewer_id = ?`,
		claimID, reviewerID,
	)
	sh, err := scanShare(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "sqlite: share %s/%d", claimID, reviewerID)
		}
		return nil, eris.Wrapf(err, "sqlite: get share %s/%d", claimID, reviewerID)
	}
	return sh, nil
}

func (s *SQLiteStore) ListReviewShares(ctx context.Context, claimID string) ([]model.ReviewShare, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+shareColumns+` FROM review_shares WHERE claim_id = ? ORDER BY reviewer_id ASC`,
		claimID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list shares %s", claimID)
	}
	defer rows.Close()

	var out []model.ReviewShare
	for rows.Next() {
		sh, err := scanShare(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan share")
		}
		out = append(out, *sh)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate shares")
}

func (s *SQLiteStore) RecordSubmission(ctx context.Context, claimID string, reviewerID int, declared model.Severity, payload []byte) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE review_shares SET submission = ?, decision = ?, submitted_at = ?
		 WHERE claim_id = ? AND reviewer_id = ? AND submission IS NULL`,
		string(payload), int(declared), time.Now().UTC(), claimID, reviewerID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: record submission %s/%d", claimID, reviewerID)
	}
	return checkRowsAffected(res, ErrConflict, "unsubmitted share", claimID)
}

func (s *SQLiteStore) SaveTrainingBatch(ctx context.Context, batch *model.TrainingBatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin save batch")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO training_batches (id, sample_count, created_at) VALUES (?, ?, ?)`,
		batch.ID, len(batch.Samples), batch.CreatedAt,
	); err != nil {
		return eris.Wrap(err, "sqlite: insert batch")
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO training_samples (batch_id, claim_id, evidence_path, label) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare sample insert")
	}
	defer stmt.Close()
	for _, sm := range batch.Samples {
		if _, err := stmt.ExecContext(ctx, batch.ID, sm.ClaimID, sm.EvidencePath, int(sm.Label)); err != nil {
			return eris.Wrap(err, "sqlite: insert sample")
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit batch")
}

func checkRowsAffected(res sql.Result, sentinel error, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(sentinel, "%s: %s", entity, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanClaim(row scannable) (*model.Claim, error) {
	var c model.Claim
	var status string
	err := row.Scan(&c.ID, &c.UserID, &c.PolicyID, &c.DisasterType, &c.Description, &status,
		&c.AutomatedScore, &c.ManualReviewRequired, &c.ConsensusFinalized, &c.ReviewDecision,
		&c.Location.Postcode, &c.Location.Country, &c.Location.Latitude, &c.Location.Longitude,
		&c.SubmittedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Status = model.ClaimStatus(status)
	return &c, nil
}

func scanShare(row scannable) (*model.ReviewShare, error) {
	var sh model.ReviewShare
	var submission sql.NullString
	var decision sql.NullInt64
	var submittedAt sql.NullTime
	if err := row.Scan(&sh.ID, &sh.ClaimID, &sh.ReviewerID, &sh.Share, &submission, &decision,
		&sh.CreatedAt, &submittedAt); err != nil {
		return nil, err
	}
	if submission.Valid {
		sh.SubmissionPayload = []byte(submission.String)
	}
	if decision.Valid {
		d := model.Severity(decision.Int64)
		sh.Decision = &d
	}
	if submittedAt.Valid {
		t := submittedAt.Time
		sh.SubmittedAt = &t
	}
	return &sh, nil
}
