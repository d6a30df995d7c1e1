package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waitlist-service/internal/model"
)

func TestWaitlistRepository_InsertAndExists(t *testing.T) {
	repo := NewWaitlistRepository()
	ctx := context.Background()

	id, err := repo.Insert(ctx, &model.WaitlistEntry{Identity: "a@b.co", ReferralCode: "ABCDEFGH"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	exists, err := repo.Exists(ctx, "a@b.co")
	require.NoError(t, err)
	assert.True(t, exists)

	n, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stored, ok := repo.Get("a@b.co")
	require.True(t, ok)
	assert.Equal(t, id, stored.ID)
	assert.False(t, stored.CreatedAt.IsZero())
}

func TestWaitlistRepository_UniqueFields(t *testing.T) {
	repo := NewWaitlistRepository()
	ctx := context.Background()
	_, err := repo.Insert(ctx, &model.WaitlistEntry{Identity: "a@b.co", ReferralCode: "ABCDEFGH"})
	require.NoError(t, err)

	_, err = repo.Insert(ctx, &model.WaitlistEntry{Identity: "a@b.co", ReferralCode: "ZZZZZZZZ"})
	assert.ErrorIs(t, err, model.ErrDuplicateIdentity)

	_, err = repo.Insert(ctx, &model.WaitlistEntry{Identity: "c@d.co", ReferralCode: "ABCDEFGH"})
	assert.ErrorIs(t, err, model.ErrReferralCodeConflict)
}

func TestWaitlistRepository_ConcurrentInsertsSameIdentity(t *testing.T) {
	repo := NewWaitlistRepository()
	var ok atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			code := string(rune('A'+i%26)) + string(rune('A'+i/26)) + "CDEFGH"
			if _, err := repo.Insert(context.Background(), &model.WaitlistEntry{Identity: "race@b.co", ReferralCode: code}); err == nil {
				ok.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
}

func TestWaitlistRepository_CancelledContext(t *testing.T) {
	repo := NewWaitlistRepository()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := repo.Exists(ctx, "a@b.co")
	assert.ErrorIs(t, err, context.Canceled)
}
