package service

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"waitlist-service/internal/clock"
	"waitlist-service/internal/config"
	"waitlist-service/internal/hashing"
	"waitlist-service/internal/model"
	"waitlist-service/internal/repository/memory"
)

var errStoreDown = errors.New("connection refused")

var testStart = time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)

func testConfig(env string) *config.Config {
	return &config.Config{
		Environment: env,
		Store:       config.StoreConfig{Driver: config.StoreMemory, Timeout: time.Second},
		RateLimit: config.RateLimitConfig{
			Window:         time.Hour,
			GlobalLimit:    1000,
			AddressLimit:   20,
			IdentityLimit:  20,
			StrictLimit:    2,
			Timeout:        time.Second,
			FailClosedWait: 60 * time.Second,
		},
		Admission: config.AdmissionConfig{
			AllowedOrigins:       []string{"https://example.com"},
			MaxBodyBytes:         1024,
			TimingNoiseMin:       50 * time.Millisecond,
			TimingNoiseMax:       150 * time.Millisecond,
			ReferralCodeAttempts: 5,
		},
		Notifier: config.NotifierConfig{
			Enabled:     true,
			QueueSize:   16,
			Workers:     2,
			SendTimeout: time.Second,
			Burst:       10,
		},
		Audit:   config.AuditConfig{BatchSize: 10, FlushEvery: time.Hour},
		Hashing: config.HashingConfig{Algorithm: hashing.AlgorithmSHA256, Key: "test-key"},
	}
}

// memoryCounters is an in-process sliding log with the same semantics as
// the Redis script.
type memoryCounters struct {
	mu     sync.Mutex
	clock  clock.Clock
	events map[string][]time.Time
	err    error
	calls  []model.RateLimitScope
}

func newMemoryCounters(clk clock.Clock) *memoryCounters {
	return &memoryCounters{clock: clk, events: make(map[string][]time.Time)}
}

func (m *memoryCounters) IncrementAndCheck(_ context.Context, scope model.RateLimitScope, key string, limit int, window time.Duration) (model.RateLimitState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, scope)
	if m.err != nil {
		return model.RateLimitState{}, m.err
	}

	now := m.clock.Now()
	k := string(scope) + ":" + key
	var kept []time.Time
	for _, t := range m.events[k] {
		if t.After(now.Add(-window)) {
			kept = append(kept, t)
		}
	}

	state := model.RateLimitState{Scope: scope, Key: key, Limit: limit}
	if len(kept) < limit {
		kept = append(kept, now)
		state.Allowed = true
	}
	m.events[k] = kept

	state.Remaining = limit - len(kept)
	if state.Remaining < 0 {
		state.Remaining = 0
	}
	state.ResetAt = now.Add(window)
	if len(kept) > 0 {
		state.ResetAt = kept[0].Add(window)
	}
	return state, nil
}

func (m *memoryCounters) scopes() []model.RateLimitScope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.RateLimitScope(nil), m.calls...)
}

// blockingCounters waits for the context to end.
type blockingCounters struct{}

func (blockingCounters) IncrementAndCheck(ctx context.Context, scope model.RateLimitScope, key string, limit int, _ time.Duration) (model.RateLimitState, error) {
	<-ctx.Done()
	return model.RateLimitState{Scope: scope, Key: key, Limit: limit}, ctx.Err()
}

type fakeBlocked struct {
	mu   sync.Mutex
	recs []model.BlockedRequest
	err  error
}

func (f *fakeBlocked) Record(_ context.Context, rec model.BlockedRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.recs = append(f.recs, rec)
	return nil
}

func (f *fakeBlocked) Recent(_ context.Context, address string, limit int64) ([]model.BlockedRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []model.BlockedRequest
	for i := len(f.recs) - 1; i >= 0 && int64(len(out)) < limit; i-- {
		if f.recs[i].Address == address {
			out = append(out, f.recs[i])
		}
	}
	return out, nil
}

func (f *fakeBlocked) Total(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	return int64(len(f.recs)), nil
}

func (f *fakeBlocked) records() []model.BlockedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.BlockedRequest(nil), f.recs...)
}

// faultyRepo wraps the memory store with injectable failures.
type faultyRepo struct {
	*memory.WaitlistRepository
	existsErr  error
	insertErrs []error // consumed in order before delegating
	countErr   error
	panicMsg   string
	inserts    atomic.Int32
}

func (r *faultyRepo) Exists(ctx context.Context, identity string) (bool, error) {
	if r.panicMsg != "" {
		panic(r.panicMsg)
	}
	if r.existsErr != nil {
		return false, r.existsErr
	}
	return r.WaitlistRepository.Exists(ctx, identity)
}

func (r *faultyRepo) Insert(ctx context.Context, entry *model.WaitlistEntry) (string, error) {
	r.inserts.Add(1)
	if len(r.insertErrs) > 0 {
		err := r.insertErrs[0]
		r.insertErrs = r.insertErrs[1:]
		return "", err
	}
	return r.WaitlistRepository.Insert(ctx, entry)
}

func (r *faultyRepo) Count(ctx context.Context) (int64, error) {
	if r.countErr != nil {
		return 0, r.countErr
	}
	return r.WaitlistRepository.Count(ctx)
}

type fakeQueue struct {
	mu   sync.Mutex
	sent []model.Notification
}

func (q *fakeQueue) Enqueue(n model.Notification) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sent = append(q.sent, n)
	return true
}

func (q *fakeQueue) notifications() []model.Notification {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]model.Notification(nil), q.sent...)
}

type harness struct {
	svc      *AdmissionService
	repo     *faultyRepo
	counters *memoryCounters
	blocked  *fakeBlocked
	queue    *fakeQueue
	clock    *clock.ManualClock
	noise    *atomic.Int32
}

func newHarness(t *testing.T, cfg *config.Config, mutate ...func(*AdmissionDeps)) *harness {
	t.Helper()

	h := &harness{
		repo:    &faultyRepo{WaitlistRepository: memory.NewWaitlistRepository()},
		blocked: &fakeBlocked{},
		queue:   &fakeQueue{},
		clock:   clock.NewManualClock(testStart),
		noise:   &atomic.Int32{},
	}
	h.counters = newMemoryCounters(h.clock)

	logger := zap.NewNop()
	hasher := hashing.NewIdentityHasher(cfg.Hashing, logger)
	deps := AdmissionDeps{
		RateLimiter:   NewRateLimiter(h.counters, hasher, h.clock, cfg, logger),
		Repository:    h.repo,
		Blocked:       h.blocked,
		Notifications: h.queue,
		Hasher:        hasher,
		Clock:         h.clock,
		TimingNoise:   func() { h.noise.Add(1) },
	}
	for _, m := range mutate {
		m(&deps)
	}
	h.svc = NewAdmissionService(cfg, deps, logger)
	return h
}

func (h *harness) count(t *testing.T) int64 {
	t.Helper()
	n, err := h.repo.WaitlistRepository.Count(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func signup(body string) *model.SignupRequest {
	return &model.SignupRequest{
		Method:        "POST",
		ContentType:   "application/json",
		ContentLength: int64(len(body)),
		ClientAddress: "203.0.113.7",
		RequestID:     "req-1",
		Body:          strings.NewReader(body),
	}
}

func signupFrom(address, body string) *model.SignupRequest {
	req := signup(body)
	req.ClientAddress = address
	return req
}

// explodingReader fails the test if the pipeline touches the body.
type explodingReader struct{ t *testing.T }

func (r explodingReader) Read([]byte) (int, error) {
	r.t.Error("body was read")
	return 0, io.EOF
}

// codeSequence returns codes in order, then falls back to distinct codes.
func codeSequence(codes ...string) func() (string, error) {
	var mu sync.Mutex
	i := 0
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if i < len(codes) {
			c := codes[i]
			i++
			return c, nil
		}
		i++
		return "FALLBK" + string(rune('A'+i%26)) + string(rune('A'+(i/26)%26)), nil
	}
}
