package service

import (
	"context"
	"fmt"
	"time"

	"waitlist-service/internal/model"
)

// DuplicateChecker asks the durable store whether a normalized identity is
// already registered. Store errors are failures, never "not found".
type DuplicateChecker struct {
	repo    model.WaitlistRepository
	timeout time.Duration
}

func NewDuplicateChecker(repo model.WaitlistRepository, timeout time.Duration) *DuplicateChecker {
	return &DuplicateChecker{repo: repo, timeout: timeout}
}

func (d *DuplicateChecker) Exists(ctx context.Context, identity string) (bool, error) {
	if d.repo == nil {
		return false, fmt.Errorf("%w: %w", ErrDependencyFailure, model.ErrStoreUnavailable)
	}

	checkCtx, cancel := withTimeout(ctx, d.timeout)
	defer cancel()

	exists, err := d.repo.Exists(checkCtx, identity)
	if err != nil {
		return false, fmt.Errorf("%w: duplicate check: %w", ErrDependencyFailure, err)
	}
	return exists, nil
}
