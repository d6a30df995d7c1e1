package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"waitlist-service/internal/config"
	"waitlist-service/internal/model"
)

type recordingNotifier struct {
	mu      sync.Mutex
	sent    []model.Notification
	err     error
	calls   atomic.Int32
	release chan struct{}
}

func (r *recordingNotifier) Send(ctx context.Context, n model.Notification) error {
	r.calls.Add(1)
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if r.err != nil {
		return r.err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingNotifier) delivered() []model.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Notification(nil), r.sent...)
}

func notifierConfig() config.NotifierConfig {
	return testConfig(config.EnvTest).Notifier
}

func TestNotificationDispatcher_DeliversAndDrains(t *testing.T) {
	notifier := &recordingNotifier{}
	d := NewNotificationDispatcher(notifier, notifierConfig(), zap.NewNop())

	for i := 0; i < 5; i++ {
		assert.True(t, d.Enqueue(model.Notification{Identity: "a@b.co", ReferralCode: "ABCDEFGH"}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Shutdown(ctx))

	assert.Len(t, notifier.delivered(), 5)
}

func TestNotificationDispatcher_EnqueueNeverBlocks(t *testing.T) {
	notifier := &recordingNotifier{release: make(chan struct{})}
	cfg := notifierConfig()
	cfg.QueueSize = 1
	cfg.Workers = 1
	d := NewNotificationDispatcher(notifier, cfg, zap.NewNop())

	// The worker holds one, the queue holds one, the rest are dropped.
	accepted := 0
	start := time.Now()
	for i := 0; i < 10; i++ {
		if d.Enqueue(model.Notification{RequestID: "r"}) {
			accepted++
		}
		if i == 0 {
			require.Eventually(t, func() bool { return notifier.calls.Load() == 1 }, time.Second, time.Millisecond)
		}
	}
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 2, accepted)

	close(notifier.release)
	require.NoError(t, d.Shutdown(context.Background()))
	assert.Len(t, notifier.delivered(), 2)
}

func TestNotificationDispatcher_FailuresAreSwallowed(t *testing.T) {
	notifier := &recordingNotifier{err: errors.New("smtp 421")}
	d := NewNotificationDispatcher(notifier, notifierConfig(), zap.NewNop())

	assert.True(t, d.Enqueue(model.Notification{RequestID: "r"}))
	require.NoError(t, d.Shutdown(context.Background()))

	assert.Equal(t, int32(1), notifier.calls.Load())
}

func TestNotificationDispatcher_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	notifier := &recordingNotifier{err: errors.New("broker unavailable")}
	cfg := notifierConfig()
	cfg.Workers = 1
	d := NewNotificationDispatcher(notifier, cfg, zap.NewNop())

	for i := 0; i < 10; i++ {
		d.Enqueue(model.Notification{RequestID: "r"})
	}
	require.NoError(t, d.Shutdown(context.Background()))

	assert.Equal(t, "open", d.BreakerState())
	assert.Equal(t, int32(5), notifier.calls.Load(), "calls stop once the breaker trips")
}

func TestNotificationDispatcher_RejectsAfterShutdown(t *testing.T) {
	d := NewNotificationDispatcher(&recordingNotifier{}, notifierConfig(), zap.NewNop())
	require.NoError(t, d.Shutdown(context.Background()))

	assert.False(t, d.Enqueue(model.Notification{}))
	assert.NoError(t, d.Shutdown(context.Background()), "second shutdown is a no-op")
}

func TestNotificationDispatcher_ShutdownDeadline(t *testing.T) {
	notifier := &recordingNotifier{release: make(chan struct{})}
	d := NewNotificationDispatcher(notifier, notifierConfig(), zap.NewNop())
	d.Enqueue(model.Notification{RequestID: "stuck"})
	require.Eventually(t, func() bool { return notifier.calls.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := d.Shutdown(ctx)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, notifier.delivered())
}
