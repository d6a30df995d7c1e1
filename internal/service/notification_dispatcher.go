package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"waitlist-service/internal/config"
	"waitlist-service/internal/metrics"
	"waitlist-service/internal/model"
)

// NotificationDispatcher hands accepted signups to the Notifier on a bounded
// background queue. Enqueue never blocks the request path; a full queue
// drops the notification.
type NotificationDispatcher struct {
	notifier model.Notifier
	queue    chan model.Notification
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
	timeout  time.Duration
	logger   *zap.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
	stop   context.CancelFunc
	runCtx context.Context
}

func NewNotificationDispatcher(notifier model.Notifier, cfg config.NotifierConfig, logger *zap.Logger) *NotificationDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	limit := rate.Limit(cfg.RatePerSec)
	if cfg.RatePerSec <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	runCtx, stop := context.WithCancel(context.Background())
	d := &NotificationDispatcher{
		notifier: notifier,
		queue:    make(chan model.Notification, queueSize),
		limiter:  rate.NewLimiter(limit, burst),
		timeout:  cfg.SendTimeout,
		logger:   logger,
		stop:     stop,
		runCtx:   runCtx,
	}

	d.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "notifier",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("circuit", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}

	return d
}

// Enqueue queues n for delivery. Returns false when the queue is full or
// the dispatcher is shutting down.
func (d *NotificationDispatcher) Enqueue(n model.Notification) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		metrics.RecordNotification("dropped")
		return false
	}

	select {
	case d.queue <- n:
		metrics.SetNotificationQueueDepth(len(d.queue))
		return true
	default:
		metrics.RecordNotification("dropped")
		d.logger.Warn("Notification queue full, dropping notification",
			zap.String("request_id", n.RequestID),
			zap.Int("queue_size", cap(d.queue)))
		return false
	}
}

// Shutdown stops intake and waits for queued notifications to drain. When
// ctx expires first, in-flight sends are cancelled and ctx.Err is returned.
func (d *NotificationDispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.stop()
		d.logger.Info("Notification dispatcher drained")
		return nil
	case <-ctx.Done():
		d.stop()
		<-done
		d.logger.Warn("Notification dispatcher shutdown timed out", zap.Error(ctx.Err()))
		return ctx.Err()
	}
}

// BreakerState reports the circuit breaker state for readiness output.
func (d *NotificationDispatcher) BreakerState() string {
	return d.breaker.State().String()
}

func (d *NotificationDispatcher) worker() {
	defer d.wg.Done()

	for n := range d.queue {
		metrics.SetNotificationQueueDepth(len(d.queue))
		d.deliver(n)
	}
}

func (d *NotificationDispatcher) deliver(n model.Notification) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordNotification("failed")
			d.logger.Error("Notifier panicked",
				zap.String("request_id", n.RequestID),
				zap.Any("panic", r))
		}
	}()

	if err := d.limiter.Wait(d.runCtx); err != nil {
		metrics.RecordNotification("dropped")
		d.logger.Warn("Notification abandoned during shutdown",
			zap.String("request_id", n.RequestID))
		return
	}

	_, err := d.breaker.Execute(func() (interface{}, error) {
		ctx, cancel := withTimeout(d.runCtx, d.timeout)
		defer cancel()
		return nil, d.notifier.Send(ctx, n)
	})

	switch {
	case err == nil:
		metrics.RecordNotification("sent")
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.RecordNotification("circuit_open")
		d.logger.Warn("Notification skipped, circuit open",
			zap.String("request_id", n.RequestID))
	default:
		metrics.RecordNotification("failed")
		d.logger.Error("Failed to send notification",
			zap.String("request_id", n.RequestID),
			zap.Error(err))
	}
}
