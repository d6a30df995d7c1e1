package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"waitlist-service/internal/config"
	"waitlist-service/internal/metrics"
	"waitlist-service/internal/model"
)

const auditArchiveTimeout = 10 * time.Second

// AuditDispatcher batches blocked-request records into the archive sink.
// A nil *AuditDispatcher accepts and discards records.
type AuditDispatcher struct {
	sink       model.SecurityEventSink
	in         chan model.BlockedRequest
	batchSize  int
	flushEvery time.Duration
	logger     *zap.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewAuditDispatcher(sink model.SecurityEventSink, cfg config.AuditConfig, logger *zap.Logger) *AuditDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushEvery := cfg.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 5 * time.Second
	}

	a := &AuditDispatcher{
		sink:       sink,
		in:         make(chan model.BlockedRequest, batchSize*4),
		batchSize:  batchSize,
		flushEvery: flushEvery,
		logger:     logger,
		done:       make(chan struct{}),
	}
	go a.run()
	return a
}

// Submit queues rec without blocking. Records are dropped when the buffer is
// full.
func (a *AuditDispatcher) Submit(rec model.BlockedRequest) {
	if a == nil {
		return
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}

	select {
	case a.in <- rec:
	default:
		metrics.RecordAuditArchive("dropped", 1)
	}
}

// Shutdown flushes what is buffered and stops the loop.
func (a *AuditDispatcher) Shutdown(ctx context.Context) error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.in)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *AuditDispatcher) run() {
	defer close(a.done)

	ticker := time.NewTicker(a.flushEvery)
	defer ticker.Stop()

	batch := make([]model.BlockedRequest, 0, a.batchSize)
	for {
		select {
		case rec, ok := <-a.in:
			if !ok {
				a.flush(batch)
				return
			}
			batch = append(batch, rec)
			if len(batch) >= a.batchSize {
				a.flush(batch)
				batch = make([]model.BlockedRequest, 0, a.batchSize)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				a.flush(batch)
				batch = make([]model.BlockedRequest, 0, a.batchSize)
			}
		}
	}
}

func (a *AuditDispatcher) flush(batch []model.BlockedRequest) {
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), auditArchiveTimeout)
	defer cancel()

	if err := a.sink.Archive(ctx, batch); err != nil {
		metrics.RecordAuditArchive("failed", len(batch))
		a.logger.Error("Failed to archive blocked requests",
			zap.Int("count", len(batch)),
			zap.Error(err))
		return
	}
	metrics.RecordAuditArchive("ok", len(batch))
}
