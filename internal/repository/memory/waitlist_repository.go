// Package memory holds an in-process waitlist store for local development.
// It is not shared across instances and is refused in production.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"waitlist-service/internal/model"
)

type WaitlistRepository struct {
	mu      sync.RWMutex
	entries map[string]model.WaitlistEntry // identity -> entry
	codes   map[string]string              // referral code -> identity
}

func NewWaitlistRepository() *WaitlistRepository {
	return &WaitlistRepository{
		entries: make(map[string]model.WaitlistEntry),
		codes:   make(map[string]string),
	}
}

func (r *WaitlistRepository) Exists(ctx context.Context, identity string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[identity]
	return ok, nil
}

// Insert checks both unique fields and writes under one lock.
func (r *WaitlistRepository) Insert(ctx context.Context, entry *model.WaitlistEntry) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[entry.Identity]; ok {
		return "", model.ErrDuplicateIdentity
	}
	if _, ok := r.codes[entry.ReferralCode]; ok {
		return "", model.ErrReferralCodeConflict
	}

	stored := *entry
	stored.ID = uuid.NewString()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	r.entries[stored.Identity] = stored
	r.codes[stored.ReferralCode] = stored.Identity
	return stored.ID, nil
}

func (r *WaitlistRepository) Count(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.entries)), nil
}

func (r *WaitlistRepository) HealthCheck(context.Context) error {
	return nil
}

// Get returns the stored entry for identity.
func (r *WaitlistRepository) Get(identity string) (model.WaitlistEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[identity]
	return e, ok
}
