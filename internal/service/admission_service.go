package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"waitlist-service/internal/clock"
	"waitlist-service/internal/config"
	"waitlist-service/internal/hashing"
	"waitlist-service/internal/metrics"
	"waitlist-service/internal/model"
	"waitlist-service/internal/util"
)

// Response messages. The honeypot path answers with MsgSuccess.
const (
	MsgSuccess          = "You're on the list! Check your email for confirmation."
	MsgPreflight        = "OK"
	MsgMethodNotAllowed = "Method not allowed"
	MsgInvalidOrigin    = "Invalid request origin"
	MsgBadContentType   = "Content-Type must be application/json"
	MsgTooLarge         = "Request body too large"
	MsgRateLimitedFmt   = "Too many requests. Please try again in %d seconds."
	MsgIdentityLimited  = "Too many attempts with this email. Please try again later."
	MsgInvalidJSON      = "Invalid JSON body"
	MsgIdentityRequired = "Email is required"
	MsgIdentityTooLong  = "Email address is too long"
	MsgIdentityInvalid  = "Please enter a valid email address"
	MsgDuplicate        = "You’re already on the waitlist — we’ll be in touch!"
	MsgInternal         = "Something went wrong. Please try again later."
)

// Stage names used in logs and metrics.
const (
	StageTransport     = "transport"
	StageContent       = "content"
	StageRateLimit     = "rate_limit"
	StageParse         = "parse"
	StageHoneypot      = "honeypot"
	StageValidation    = "identity_validation"
	StageIdentityLimit = "identity_rate_limit"
	StageDuplicate     = "duplicate_check"
	StagePersist       = "persist"
	StageComplete      = "complete"
)

// Outcomes used in logs and metrics.
const (
	OutcomeAccepted    = "accepted"
	OutcomeAbsorbed    = "absorbed"
	OutcomePreflight   = "preflight"
	OutcomeClientError = "client_error"
	OutcomeRejected    = "rejected"
	OutcomeLimited     = "rate_limited"
	OutcomeDuplicate   = "duplicate"
	OutcomeError       = "error"
)

const blockedRecordTimeout = 500 * time.Millisecond

// TimingNoise blocks for a bounded random delay. It is called on the
// honeypot, duplicate and internal-error paths only.
type TimingNoise func()

// RandomTimingNoise sleeps for a uniform duration in [min, max]. The sleep
// ignores request cancellation so every noisy path keeps the same latency
// profile.
func RandomTimingNoise(min, max time.Duration) TimingNoise {
	return func() {
		d := min
		if max > min {
			d += rand.N(max - min + 1)
		}
		metrics.RecordTimingNoise(d)
		time.Sleep(d)
	}
}

// NotificationQueue accepts post-commit notifications without blocking.
type NotificationQueue interface {
	Enqueue(n model.Notification) bool
}

// AdmissionDeps are the collaborators of the pipeline. Repository is
// required; Blocked, Audit and Notifications may be nil.
type AdmissionDeps struct {
	RateLimiter   *RateLimiter
	Repository    model.WaitlistRepository
	Blocked       model.BlockedRequestStore
	Audit         *AuditDispatcher
	Notifications NotificationQueue
	Hasher        *hashing.IdentityHasher
	Clock         clock.Clock
	TimingNoise   TimingNoise
	// GenerateCode defaults to util.GenerateReferralCode.
	GenerateCode  func() (string, error)
}

// AdmissionService decides, for one signup attempt, whether to accept,
// reject or silently absorb it.
type AdmissionService struct {
	limiter       *RateLimiter
	duplicates    *DuplicateChecker
	repo          model.WaitlistRepository
	blocked       model.BlockedRequestStore
	audit         *AuditDispatcher
	notifications NotificationQueue
	hasher        *hashing.IdentityHasher
	clock         clock.Clock
	noise         TimingNoise
	generateCode  func() (string, error)

	allowedOrigins map[string]struct{}
	allowLoopback  bool
	maxBodyBytes   int64
	storeTimeout   time.Duration
	codeAttempts   int
	logger         *zap.Logger
}

func NewAdmissionService(cfg *config.Config, deps AdmissionDeps, logger *zap.Logger) *AdmissionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = clock.NewSystemClock()
	}
	if deps.TimingNoise == nil {
		deps.TimingNoise = RandomTimingNoise(cfg.Admission.TimingNoiseMin, cfg.Admission.TimingNoiseMax)
	}
	if deps.GenerateCode == nil {
		deps.GenerateCode = util.GenerateReferralCode
	}
	if deps.Hasher == nil {
		deps.Hasher = hashing.NewIdentityHasher(cfg.Hashing, logger)
	}
	if deps.RateLimiter == nil {
		deps.RateLimiter = NewRateLimiter(nil, deps.Hasher, deps.Clock, cfg, logger)
	}

	origins := make(map[string]struct{}, len(cfg.Admission.AllowedOrigins))
	for _, o := range cfg.Admission.AllowedOrigins {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			origins[o] = struct{}{}
		}
	}

	attempts := cfg.Admission.ReferralCodeAttempts
	if attempts <= 0 {
		attempts = 1
	}

	return &AdmissionService{
		limiter:        deps.RateLimiter,
		duplicates:     NewDuplicateChecker(deps.Repository, cfg.Store.Timeout),
		repo:           deps.Repository,
		blocked:        deps.Blocked,
		audit:          deps.Audit,
		notifications:  deps.Notifications,
		hasher:         deps.Hasher,
		clock:          deps.Clock,
		noise:          deps.TimingNoise,
		generateCode:   deps.GenerateCode,
		allowedOrigins: origins,
		allowLoopback:  cfg.IsDevelopment(),
		maxBodyBytes:   cfg.Admission.MaxBodyBytes,
		storeTimeout:   cfg.Store.Timeout,
		codeAttempts:   attempts,
		logger:         logger,
	}
}

// OriginAllowed reports whether a non-empty origin may call the endpoint.
// In development any loopback origin is also accepted.
func (s *AdmissionService) OriginAllowed(origin string) bool {
	if _, ok := s.allowedOrigins[strings.TrimRight(origin, "/")]; ok {
		return true
	}
	if s.allowLoopback {
		for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "http://[::1]"} {
			if origin == prefix || strings.HasPrefix(origin, prefix+":") {
				return true
			}
		}
	}
	return false
}

// Process runs one request through the pipeline. It never returns an error:
// every failure is folded into the result. Panics become the internal-error
// response.
func (s *AdmissionService) Process(ctx context.Context, req *model.SignupRequest) (result model.AdmissionResult) {
	start := time.Now()
	stage := StageTransport

	defer func() {
		if r := recover(); r != nil {
			result = s.internalError(req, stage, fmt.Errorf("%w: panic: %v", ErrDependencyFailure, r))
		}
		metrics.RecordAdmission(result.Stage, result.Outcome, result.Status, time.Since(start))
	}()

	// 1. Transport shape.
	switch req.Method {
	case http.MethodOptions:
		return model.AdmissionResult{Status: http.StatusOK, Success: true, Message: MsgPreflight, Stage: stage, Outcome: OutcomePreflight}
	case http.MethodPost:
	default:
		return reject(http.StatusMethodNotAllowed, MsgMethodNotAllowed, stage, OutcomeClientError)
	}
	if req.Origin != "" && !s.OriginAllowed(req.Origin) {
		s.recordBlocked(ctx, req, model.ReasonInvalidOrigin)
		return reject(http.StatusForbidden, MsgInvalidOrigin, stage, OutcomeRejected)
	}

	// 2. Content shape.
	stage = StageContent
	if !strings.Contains(strings.ToLower(req.ContentType), "application/json") {
		return reject(http.StatusBadRequest, MsgBadContentType, stage, OutcomeClientError)
	}
	if req.ContentLength > s.maxBodyBytes {
		return reject(http.StatusRequestEntityTooLarge, MsgTooLarge, stage, OutcomeClientError)
	}

	// 3. Global and address limits. The identity is not known yet.
	stage = StageRateLimit
	if decision := s.limiter.Check(ctx, req.ClientAddress, ""); !decision.Allowed {
		res := reject(http.StatusTooManyRequests, fmt.Sprintf(MsgRateLimitedFmt, decision.RetryAfter), stage, OutcomeLimited)
		res.RetryAfter = decision.RetryAfter
		return res
	}

	// 4. Payload parse. The body is read here, never before the size check.
	stage = StageParse
	body, tooLarge, err := s.readBody(req.Body)
	if tooLarge {
		return reject(http.StatusRequestEntityTooLarge, MsgTooLarge, StageContent, OutcomeClientError)
	}
	if err != nil {
		return reject(http.StatusBadRequest, MsgInvalidJSON, stage, OutcomeClientError)
	}
	var payload model.SignupPayload
	if err := decodeObject(body, &payload); err != nil {
		return reject(http.StatusBadRequest, MsgInvalidJSON, stage, OutcomeClientError)
	}

	// 5. Honeypot.
	stage = StageHoneypot
	if decoyFilled(payload.Website) || decoyFilled(payload.URL) || decoyFilled(payload.Phone) {
		s.recordBlocked(ctx, req, model.ReasonHoneypot)
		s.noise()
		return s.absorb(context.WithoutCancel(ctx))
	}

	// 6. Identity validation.
	stage = StageValidation
	rawIdentity, ok := identityField(payload)
	if !ok || rawIdentity == "" {
		return reject(http.StatusBadRequest, MsgIdentityRequired, stage, OutcomeClientError)
	}
	identity := util.NormalizeIdentity(rawIdentity)
	if len([]rune(identity)) > util.MaxIdentityLength {
		return reject(http.StatusBadRequest, MsgIdentityTooLong, stage, OutcomeClientError)
	}
	if !util.ValidateIdentity(identity) {
		return reject(http.StatusBadRequest, MsgIdentityInvalid, stage, OutcomeClientError)
	}

	// 7. Optional fields. Never rejects.
	name := ""
	if raw, ok := stringField(payload.Name); ok {
		name = util.SanitizeName(raw)
	}
	referredBy := ""
	if raw, ok := stringField(payload.ReferredBy); ok && raw != "" {
		referredBy = util.NormalizeReferralCode(raw)
	} else if raw, ok := stringField(payload.ReferralCode); ok {
		referredBy = util.NormalizeReferralCode(raw)
	}

	// 8. Identity-scoped limit, now that the identity is known.
	stage = StageIdentityLimit
	if decision := s.limiter.CheckIdentity(ctx, identity); !decision.Allowed {
		res := reject(http.StatusTooManyRequests, MsgIdentityLimited, stage, OutcomeLimited)
		res.RetryAfter = decision.RetryAfter
		return res
	}

	// A client disconnect from here on must not abort a commit.
	storeCtx := context.WithoutCancel(ctx)

	// 9. Duplicate check.
	stage = StageDuplicate
	exists, err := s.duplicates.Exists(storeCtx, identity)
	if err != nil {
		return s.internalError(req, stage, err)
	}
	if exists {
		return s.duplicate(req, identity)
	}

	// 10. Persist.
	stage = StagePersist
	entry := &model.WaitlistEntry{
		Identity:   identity,
		Name:       name,
		ReferredBy: referredBy,
		CreatedAt:  s.clock.Now().UTC(),
	}
	if err := s.persist(storeCtx, entry); err != nil {
		if errors.Is(err, model.ErrDuplicateIdentity) {
			return s.duplicate(req, identity)
		}
		return s.internalError(req, stage, err)
	}

	// 11. Post-commit side effects. Nothing here changes the outcome.
	position := s.position(storeCtx)
	s.notify(req, entry, position)

	// 12. Success.
	s.logger.Info("Waitlist signup accepted",
		zap.String("request_id", req.RequestID),
		zap.String("identity_hash", s.hasher.Hash(identity)),
		zap.String("entry_id", entry.ID))

	return model.AdmissionResult{
		Status:  http.StatusOK,
		Success: true,
		Message: MsgSuccess,
		Data:    &model.AdmissionData{ReferralCode: entry.ReferralCode, Position: position},
		Stage:   StageComplete,
		Outcome: OutcomeAccepted,
	}
}

// absorb builds the response for a detected bot: the same shape as a real
// success, with a decoy referral code that is never stored.
func (s *AdmissionService) absorb(ctx context.Context) model.AdmissionResult {
	data := &model.AdmissionData{}
	if code, err := s.generateCode(); err == nil {
		data.ReferralCode = code
	}
	if n := s.position(ctx); n != nil {
		next := *n + 1
		data.Position = &next
	}
	return model.AdmissionResult{
		Status:  http.StatusOK,
		Success: true,
		Message: MsgSuccess,
		Data:    data,
		Stage:   StageHoneypot,
		Outcome: OutcomeAbsorbed,
	}
}

// ApplyStrictLimit is the control-plane escalation for one address.
func (s *AdmissionService) ApplyStrictLimit(ctx context.Context, address string) RateLimitDecision {
	return s.limiter.ApplyStrictLimit(ctx, address)
}

// BlockedRequests returns the recent blocked-request log for address and the
// global blocked total.
func (s *AdmissionService) BlockedRequests(ctx context.Context, address string, limit int64) ([]model.BlockedRequest, int64, error) {
	if s.blocked == nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrDependencyFailure, model.ErrStoreUnavailable)
	}
	recs, err := s.blocked.Recent(ctx, address, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrDependencyFailure, err)
	}
	total, err := s.blocked.Total(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrDependencyFailure, err)
	}
	return recs, total, nil
}

// persist inserts entry, drawing a fresh referral code whenever the store
// reports a code collision.
func (s *AdmissionService) persist(ctx context.Context, entry *model.WaitlistEntry) error {
	if s.repo == nil {
		return fmt.Errorf("%w: %w", ErrDependencyFailure, model.ErrStoreUnavailable)
	}

	for attempt := 1; attempt <= s.codeAttempts; attempt++ {
		code, err := s.generateCode()
		if err != nil {
			return fmt.Errorf("%w: generate referral code: %w", ErrDependencyFailure, err)
		}
		entry.ReferralCode = code

		insertCtx, cancel := withTimeout(ctx, s.storeTimeout)
		id, err := s.repo.Insert(insertCtx, entry)
		cancel()

		switch {
		case err == nil:
			entry.ID = id
			return nil
		case errors.Is(err, model.ErrDuplicateIdentity):
			return err
		case errors.Is(err, model.ErrReferralCodeConflict):
			s.logger.Warn("Referral code collision, regenerating",
				zap.Int("attempt", attempt))
			continue
		default:
			return fmt.Errorf("%w: insert: %w", ErrDependencyFailure, err)
		}
	}

	return fmt.Errorf("%w: %d referral code collisions: %w", ErrDependencyFailure, s.codeAttempts, model.ErrReferralCodeConflict)
}

// position is best-effort; failures are logged and the field omitted.
func (s *AdmissionService) position(ctx context.Context) *int64 {
	if s.repo == nil {
		return nil
	}
	countCtx, cancel := withTimeout(ctx, s.storeTimeout)
	defer cancel()

	n, err := s.repo.Count(countCtx)
	if err != nil {
		s.logger.Debug("Waitlist position unavailable", zap.Error(err))
		return nil
	}
	return &n
}

func (s *AdmissionService) notify(req *model.SignupRequest, entry *model.WaitlistEntry, position *int64) {
	if s.notifications == nil {
		s.logger.Debug("Notification skipped, no dispatcher configured",
			zap.String("request_id", req.RequestID))
		return
	}
	s.notifications.Enqueue(model.Notification{
		RequestID:    req.RequestID,
		Identity:     entry.Identity,
		Name:         entry.Name,
		ReferralCode: entry.ReferralCode,
		Position:     position,
	})
}

func (s *AdmissionService) duplicate(req *model.SignupRequest, identity string) model.AdmissionResult {
	s.logger.Info("Duplicate waitlist signup",
		zap.String("request_id", req.RequestID),
		zap.String("identity_hash", s.hasher.Hash(identity)))
	s.noise()
	return reject(http.StatusConflict, MsgDuplicate, StageDuplicate, OutcomeDuplicate)
}

// internalError logs the cause once and returns the generic 500.
func (s *AdmissionService) internalError(req *model.SignupRequest, stage string, err error) model.AdmissionResult {
	s.logger.Error("Waitlist signup failed",
		zap.String("request_id", req.RequestID),
		zap.String("stage", stage),
		zap.Error(err))
	s.noise()
	res := reject(http.StatusInternalServerError, MsgInternal, stage, OutcomeError)
	res.Err = err
	return res
}

// recordBlocked writes the blocked-request log entry. Failures are logged and
// never change the response.
func (s *AdmissionService) recordBlocked(ctx context.Context, req *model.SignupRequest, reason model.BlockedReason) {
	rec := model.BlockedRequest{Address: req.ClientAddress, Reason: reason, Timestamp: s.clock.Now().UTC()}
	metrics.RecordBlocked(string(reason))
	s.audit.Submit(rec)

	if s.blocked == nil {
		return
	}
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), blockedRecordTimeout)
	defer cancel()
	if err := s.blocked.Record(recCtx, rec); err != nil {
		s.logger.Warn("Failed to record blocked request",
			zap.String("request_id", req.RequestID),
			zap.String("reason", string(reason)),
			zap.Error(err))
	}
}

// readBody reads at most maxBodyBytes. tooLarge is set when the body is
// longer, whatever Content-Length claimed.
func (s *AdmissionService) readBody(r io.Reader) (body []byte, tooLarge bool, err error) {
	if r == nil {
		return nil, false, io.ErrUnexpectedEOF
	}
	body, err = io.ReadAll(io.LimitReader(r, s.maxBodyBytes+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(body)) > s.maxBodyBytes {
		return nil, true, nil
	}
	return body, false, nil
}

// reject builds a non-success result. Err wraps ErrClientInput or
// ErrPolicyRejection depending on the outcome.
func reject(status int, msg, stage, outcome string) model.AdmissionResult {
	kind := ErrPolicyRejection
	if outcome == OutcomeClientError {
		kind = ErrClientInput
	}
	return model.AdmissionResult{
		Status:  status,
		Message: msg,
		Stage:   stage,
		Outcome: outcome,
		Err:     fmt.Errorf("%w: %s", kind, stage),
	}
}

// decodeObject accepts exactly one JSON object.
func decodeObject(body []byte, v *model.SignupPayload) error {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return errors.New("body is not a JSON object")
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("trailing data after JSON object")
	}
	return nil
}

// identityField returns the identity, falling back to the email alias. ok is
// false when the chosen field is missing or not a string.
func identityField(p model.SignupPayload) (string, bool) {
	if isPresent(p.Identity) {
		return stringField(p.Identity)
	}
	return stringField(p.Email)
}

func stringField(raw json.RawMessage) (string, bool) {
	if !isPresent(raw) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func isPresent(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

// decoyFilled treats any truthy JSON value as filled: non-empty strings,
// true, non-zero numbers, objects and arrays.
func decoyFilled(raw json.RawMessage) bool {
	if !isPresent(raw) {
		return false
	}
	switch v := bytes.TrimSpace(raw); {
	case string(v) == `""`, string(v) == "false":
		return false
	case v[0] == '-' || (v[0] >= '0' && v[0] <= '9'):
		var f float64
		if err := json.Unmarshal(v, &f); err == nil {
			return f != 0
		}
		return true
	default:
		return true
	}
}
