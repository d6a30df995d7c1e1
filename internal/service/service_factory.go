package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"waitlist-service/internal/clock"
	"waitlist-service/internal/config"
	"waitlist-service/internal/hashing"
	"waitlist-service/internal/model"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	cfg         *config.Config
	repo        model.WaitlistRepository
	counters    model.CounterStore
	blocked     model.BlockedRequestStore
	sink        model.SecurityEventSink
	notifier    model.Notifier
	hasher      *hashing.IdentityHasher
	clock       clock.Clock
	logger      *zap.Logger
	rateLimiter *RateLimiter
	dispatcher  *NotificationDispatcher
	audit       *AuditDispatcher
	admission   *AdmissionService
}

// NewServiceFactory creates a new service factory. counters, blocked, sink
// and notifier may be nil.
func NewServiceFactory(
	cfg *config.Config,
	repo model.WaitlistRepository,
	counters model.CounterStore,
	blocked model.BlockedRequestStore,
	sink model.SecurityEventSink,
	notifier model.Notifier,
	hasher *hashing.IdentityHasher,
	clk clock.Clock,
	logger *zap.Logger,
) *ServiceFactory {
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &ServiceFactory{
		cfg:      cfg,
		repo:     repo,
		counters: counters,
		blocked:  blocked,
		sink:     sink,
		notifier: notifier,
		hasher:   hasher,
		clock:    clk,
		logger:   logger,
	}
}

// RateLimiter returns the shared rate limiter (singleton)
func (f *ServiceFactory) RateLimiter() *RateLimiter {
	if f.rateLimiter == nil {
		f.rateLimiter = NewRateLimiter(f.counters, f.hasher, f.clock, f.cfg, f.logger)
	}
	return f.rateLimiter
}

// NotificationDispatcher returns the background notifier queue, or nil when
// notifications are disabled.
func (f *ServiceFactory) NotificationDispatcher() *NotificationDispatcher {
	if f.dispatcher == nil && f.notifier != nil && f.cfg.Notifier.Enabled {
		f.dispatcher = NewNotificationDispatcher(f.notifier, f.cfg.Notifier, f.logger)
	}
	return f.dispatcher
}

// AuditDispatcher returns the archive batcher, or nil without a sink.
func (f *ServiceFactory) AuditDispatcher() *AuditDispatcher {
	if f.audit == nil && f.sink != nil {
		f.audit = NewAuditDispatcher(f.sink, f.cfg.Audit, f.logger)
	}
	return f.audit
}

// AdmissionService returns the signup pipeline (singleton)
func (f *ServiceFactory) AdmissionService() *AdmissionService {
	if f.admission == nil {
		deps := AdmissionDeps{
			RateLimiter: f.RateLimiter(),
			Repository:  f.repo,
			Blocked:     f.blocked,
			Audit:       f.AuditDispatcher(),
			Hasher:      f.hasher,
			Clock:       f.clock,
		}
		// Assign only a non-nil dispatcher; a typed nil would defeat the
		// nil check on the interface.
		if d := f.NotificationDispatcher(); d != nil {
			deps.Notifications = d
		}
		f.admission = NewAdmissionService(f.cfg, deps, f.logger)
	}
	return f.admission
}

// Cleanup drains the background queues.
func (f *ServiceFactory) Cleanup(ctx context.Context) error {
	var errs []error
	if f.dispatcher != nil {
		errs = append(errs, f.dispatcher.Shutdown(ctx))
	}
	if f.audit != nil {
		errs = append(errs, f.audit.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
