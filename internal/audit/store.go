package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"claimcare/internal/models"
	"claimcare/internal/redis"
)

var (
	// ErrNotFound means no durable row and no staged copy exist for the id.
	ErrNotFound = errors.New("audit not found")
	// ErrStagedMissing means the staged copy expired or never existed.
	// The payment webhook treats this as a reconciliation gap.
	ErrStagedMissing = errors.New("staged audit missing")
)

// StagingTTL is how long a pending audit survives in the staging cache
// while waiting for payment. Past this window an unpaid audit is gone.
const StagingTTL = 24 * time.Hour

const stagingKeyPrefix = "audit:"

// Cache is the staging tier. Satisfied by redis.Client; tests substitute
// an in-memory fake.
type Cache interface {
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	GetJSON(ctx context.Context, key string, dest interface{}) error
	Del(ctx context.Context, keys ...string) error
}

// Store keeps audit records in two tiers: fresh audits are staged in a
// TTL cache, and payment reconciliation upserts them into the audits
// table. The staging tier exists because the payment provider's metadata
// field is too small to carry a full analysis table across checkout.
type Store struct {
	db     *sql.DB
	driver string
	cache  Cache
	ttl    time.Duration
}

// NewStore builds a store over the given durable database (driver is the
// storage driver name, as passed to storage.Open) and staging cache.
func NewStore(db *sql.DB, driver string, cache Cache) *Store {
	return &Store{db: db, driver: strings.ToLower(driver), cache: cache, ttl: StagingTTL}
}

// NewID mints a fresh opaque audit identifier.
func NewID() string {
	return uuid.NewString()
}

// CreatePending stages a freshly analyzed audit under its id. The record
// is not durable yet; it either gets paid within the TTL or disappears.
func (s *Store) CreatePending(ctx context.Context, rec *models.AuditRecord) error {
	if rec == nil || rec.ID == "" {
		return errors.New("audit id is required")
	}
	rec.Status = models.AuditStatusPending
	rec.IsUnlocked = false
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if err := s.cache.SetJSON(ctx, stagingKeyPrefix+rec.ID, rec, s.ttl); err != nil {
		return fmt.Errorf("stage audit %s: %w", rec.ID, err)
	}
	return nil
}

// Staged fetches the staged copy of a pending audit.
func (s *Store) Staged(ctx context.Context, id string) (*models.AuditRecord, error) {
	var rec models.AuditRecord
	err := s.cache.GetJSON(ctx, stagingKeyPrefix+id, &rec)
	if err != nil {
		if errors.Is(err, redis.ErrCacheMiss) {
			return nil, ErrStagedMissing
		}
		return nil, fmt.Errorf("load staged audit %s: %w", id, err)
	}
	return &rec, nil
}

// Get returns the audit by id, preferring the durable row and falling
// back to the staged pending copy.
func (s *Store) Get(ctx context.Context, id string) (*models.AuditRecord, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	rec, err := s.getDurable(ctx, id)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	staged, serr := s.Staged(ctx, id)
	if serr != nil {
		return nil, ErrNotFound
	}
	return staged, nil
}

// MarkPaid upserts the record into durable storage as paid and removes
// the staged copy. Keyed by id, so redelivered webhooks are harmless.
func (s *Store) MarkPaid(ctx context.Context, rec *models.AuditRecord) error {
	if rec == nil || rec.ID == "" {
		return errors.New("audit id is required")
	}
	now := time.Now().UTC()
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	var userID sql.NullInt64
	if rec.UserID > 0 {
		userID = sql.NullInt64{Int64: rec.UserID, Valid: true}
	}

	var stmt string
	switch s.driver {
	case "mysql":
		stmt = `INSERT INTO audits
			(id, user_id, status, is_unlocked, billed_amount, expected_amount, analysis_table, patient_name, reasoning, created_at, updated_at)
			VALUES (?, ?, 'paid', 1, ?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
			user_id = VALUES(user_id), status = 'paid', is_unlocked = 1,
			billed_amount = VALUES(billed_amount), expected_amount = VALUES(expected_amount),
			analysis_table = VALUES(analysis_table), patient_name = VALUES(patient_name),
			reasoning = VALUES(reasoning), updated_at = VALUES(updated_at)`
	default: // sqlite
		stmt = `INSERT INTO audits
			(id, user_id, status, is_unlocked, billed_amount, expected_amount, analysis_table, patient_name, reasoning, created_at, updated_at)
			VALUES (?, ?, 'paid', 1, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id, status = 'paid', is_unlocked = 1,
			billed_amount = excluded.billed_amount, expected_amount = excluded.expected_amount,
			analysis_table = excluded.analysis_table, patient_name = excluded.patient_name,
			reasoning = excluded.reasoning, updated_at = excluded.updated_at`
	}

	_, err := s.db.ExecContext(ctx, stmt,
		rec.ID, userID,
		rec.BilledAmount.String(), rec.ExpectedAmount.String(),
		rec.AnalysisTable, rec.PatientName, rec.Reasoning,
		createdAt, now,
	)
	if err != nil {
		return fmt.Errorf("upsert audit %s: %w", rec.ID, err)
	}

	// Best effort: an expired staged key is already gone, and a leftover
	// one will expire on its own.
	_ = s.cache.Del(ctx, stagingKeyPrefix+rec.ID)
	return nil
}

func (s *Store) getDurable(ctx context.Context, id string) (*models.AuditRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, status, is_unlocked, billed_amount, expected_amount,
			analysis_table, patient_name, reasoning, created_at, updated_at
		 FROM audits WHERE id = ?`, id)

	var (
		rec      models.AuditRecord
		userID   sql.NullInt64
		billed   string
		expected string
	)
	if err := row.Scan(&rec.ID, &userID, &rec.Status, &rec.IsUnlocked,
		&billed, &expected, &rec.AnalysisTable, &rec.PatientName, &rec.Reasoning,
		&rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	if userID.Valid {
		rec.UserID = userID.Int64
	}
	var err error
	if rec.BilledAmount, err = decimal.NewFromString(billed); err != nil {
		rec.BilledAmount = decimal.Zero
	}
	if rec.ExpectedAmount, err = decimal.NewFromString(expected); err != nil {
		rec.ExpectedAmount = decimal.Zero
	}
	return &rec, nil
}
