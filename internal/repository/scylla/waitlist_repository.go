package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"waitlist-service/internal/model"
)

// cqlRunner is the slice of ScyllaClient the repository needs.
type cqlRunner interface {
	ScanRow(ctx context.Context, stmt string, args []interface{}, dest ...interface{}) error
	ExecCAS(ctx context.Context, stmt string, args ...interface{}) (bool, error)
	Exec(ctx context.Context, stmt string, args ...interface{}) error
	HealthCheck(ctx context.Context) error
}

// WaitlistRepository stores entries keyed by normalized identity. Uniqueness
// of identity and referral code is enforced with lightweight transactions.
type WaitlistRepository struct {
	db     cqlRunner
	stmts  *PreparedStatements
	logger *zap.Logger
}

func NewWaitlistRepository(client *ScyllaClient, logger *zap.Logger) *WaitlistRepository {
	return newWaitlistRepository(client, client.Prepared, logger)
}

func newWaitlistRepository(db cqlRunner, stmts *PreparedStatements, logger *zap.Logger) *WaitlistRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WaitlistRepository{db: db, stmts: stmts, logger: logger}
}

func (r *WaitlistRepository) Exists(ctx context.Context, identity string) (bool, error) {
	var id gocql.UUID
	err := r.db.ScanRow(ctx, r.stmts.GetEntryByIdentity, []interface{}{identity}, &id)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("check identity: %w", err)
	}
	return true, nil
}

// Insert claims the referral code first, then the identity. If the identity
// is already taken the code claim is released so it can be reused.
func (r *WaitlistRepository) Insert(ctx context.Context, entry *model.WaitlistEntry) (string, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	id, err := gocql.ParseUUID(entry.ID)
	if err != nil {
		return "", fmt.Errorf("invalid entry id: %w", err)
	}

	applied, err := r.db.ExecCAS(ctx, r.stmts.ClaimReferralCode,
		entry.ReferralCode, entry.Identity, entry.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("claim referral code: %w", err)
	}
	if !applied {
		return "", model.ErrReferralCodeConflict
	}

	applied, err = r.db.ExecCAS(ctx, r.stmts.InsertEntry,
		entry.Identity, id, nullable(entry.Name), entry.ReferralCode,
		nullable(entry.ReferredBy), entry.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("insert waitlist entry: %w", err)
	}
	if !applied {
		r.releaseCode(ctx, entry)
		return "", model.ErrDuplicateIdentity
	}

	if err := r.db.Exec(ctx, r.stmts.IncrementSignups); err != nil {
		// The entry is committed; a missed counter bump only skews position.
		r.logger.Warn("Failed to increment signup counter", zap.Error(err))
	}

	return entry.ID, nil
}

func (r *WaitlistRepository) releaseCode(ctx context.Context, entry *model.WaitlistEntry) {
	if _, err := r.db.ExecCAS(ctx, r.stmts.ReleaseReferralCode, entry.ReferralCode, entry.Identity); err != nil {
		r.logger.Warn("Failed to release referral code", zap.Error(err))
	}
}

// Count reads the signup counter maintained by Insert.
func (r *WaitlistRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.ScanRow(ctx, r.stmts.GetSignups, nil, &n)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("count waitlist entries: %w", err)
	}
	return n, nil
}

func (r *WaitlistRepository) HealthCheck(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
