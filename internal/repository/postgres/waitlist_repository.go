package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"waitlist-service/internal/model"
)

// dbtx is the subset of *pgxpool.Pool the repository uses.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// WaitlistRepository relies on the table's unique constraints for atomic
// check-then-insert. The pool is owned by the caller.
type WaitlistRepository struct {
	db dbtx
}

func NewWaitlistRepository(db dbtx) *WaitlistRepository {
	return &WaitlistRepository{db: db}
}

func (r *WaitlistRepository) Exists(ctx context.Context, identity string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM waitlist WHERE identity = $1)`, identity).
		Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check identity: %w", err)
	}
	return exists, nil
}

func (r *WaitlistRepository) Insert(ctx context.Context, entry *model.WaitlistEntry) (string, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO waitlist (id, identity, name, referral_code, referred_by, created_at)
         VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID, entry.Identity, nullable(entry.Name), entry.ReferralCode,
		nullable(entry.ReferredBy), entry.CreatedAt)
	if err != nil {
		if field, ok := classifyUniqueViolation(err); ok {
			switch field {
			case "identity":
				return "", model.ErrDuplicateIdentity
			case "referral_code":
				return "", model.ErrReferralCodeConflict
			}
		}
		return "", fmt.Errorf("insert waitlist entry: %w", err)
	}
	return entry.ID, nil
}

func (r *WaitlistRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRow(ctx, `SELECT count(*) FROM waitlist`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count waitlist entries: %w", err)
	}
	return n, nil
}

func (r *WaitlistRepository) HealthCheck(ctx context.Context) error {
	if err := r.db.Ping(ctx); err != nil {
		return fmt.Errorf("postgres health check failed: %w", err)
	}
	return nil
}

// classifyUniqueViolation maps a unique_violation to the column it protects.
// Constraint names are preferred; substring matching covers renamed ones.
func classifyUniqueViolation(err error) (field string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	if pgErr.Code != "23505" { // unique_violation
		return "", false
	}

	c := strings.ToLower(strings.TrimSpace(pgErr.ConstraintName))
	switch c {
	case "uq_waitlist_identity":
		return "identity", true
	case "uq_waitlist_referral_code":
		return "referral_code", true
	}
	switch {
	case strings.Contains(c, "referral"):
		return "referral_code", true
	case strings.Contains(c, "identity"), strings.Contains(c, "email"):
		return "identity", true
	}
	return "", false
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
