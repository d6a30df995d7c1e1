package model

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"
)

// -------------------- SIGNUP REQUEST --------------------

// SignupRequest is the transport-neutral view of one signup attempt. It is
// never persisted.
type SignupRequest struct {
	Method        string
	Origin        string
	ContentType   string
	ContentLength int64 // -1 when the client did not declare one
	ClientAddress string
	RequestID     string
	Body          io.Reader
}

// SignupPayload is the decoded request body. Values stay raw so the pipeline
// can tell a missing field from one of the wrong JSON type.
type SignupPayload struct {
	Identity     json.RawMessage `json:"identity"`
	Email        json.RawMessage `json:"email"`
	Name         json.RawMessage `json:"name"`
	ReferredBy   json.RawMessage `json:"referredBy"`
	ReferralCode json.RawMessage `json:"referralCode"`

	// Decoys. Never rendered to humans.
	Website json.RawMessage `json:"website"`
	URL     json.RawMessage `json:"url"`
	Phone   json.RawMessage `json:"phone"`
}

// -------------------- WAITLIST ENTRY --------------------

type WaitlistEntry struct {
	ID           string    `json:"id" db:"id"`
	Identity     string    `json:"identity" db:"identity"`           // normalized, unique
	Name         string    `json:"name,omitempty" db:"name"`         // sanitized, <= 100
	ReferralCode string    `json:"referral_code" db:"referral_code"` // generated, unique
	ReferredBy   string    `json:"referred_by,omitempty" db:"referred_by"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// -------------------- RATE LIMIT --------------------

type RateLimitScope string

const (
	ScopeGlobal   RateLimitScope = "global"
	ScopeAddress  RateLimitScope = "address"
	ScopeIdentity RateLimitScope = "identity"
	ScopeStrict   RateLimitScope = "strict"
)

// RateLimitState is the outcome of one increment-and-check against a window.
type RateLimitState struct {
	Scope     RateLimitScope `json:"scope"`
	Key       string         `json:"-"`
	Allowed   bool           `json:"allowed"`
	Limit     int            `json:"limit"`
	Remaining int            `json:"remaining"`
	ResetAt   time.Time      `json:"reset_at"`
}

// -------------------- BLOCKED REQUEST --------------------

type BlockedReason string

const (
	ReasonInvalidOrigin BlockedReason = "invalid_origin"
	ReasonHoneypot      BlockedReason = "honeypot_triggered"
)

type BlockedRequest struct {
	Address   string        `json:"address,omitempty"`
	Reason    BlockedReason `json:"reason"`
	Timestamp time.Time     `json:"timestamp"`
}

// -------------------- NOTIFICATION --------------------

type Notification struct {
	RequestID    string `json:"request_id"`
	Identity     string `json:"identity"`
	Name         string `json:"name,omitempty"`
	ReferralCode string `json:"referral_code"`
	Position     *int64 `json:"position,omitempty"`
}

// -------------------- ADMISSION RESULT --------------------

// AdmissionData is the optional payload of a successful signup.
type AdmissionData struct {
	ReferralCode string `json:"referralCode,omitempty"`
	Position     *int64 `json:"position,omitempty"`
}

// AdmissionResult is what the pipeline hands back to the transport. Stage and
// Outcome are for logs and metrics only.
type AdmissionResult struct {
	Status     int
	Success    bool
	Message    string
	Data       *AdmissionData
	RetryAfter int // seconds, set on 429
	Stage      string
	Outcome    string
	Err        error // classification of a rejection or failure; never rendered
}

// -------------------- ERRORS --------------------

var (
	// ErrDuplicateIdentity is returned by Insert when the identity already exists.
	ErrDuplicateIdentity = errors.New("identity already registered")
	// ErrReferralCodeConflict is returned by Insert when the generated code is taken.
	ErrReferralCodeConflict = errors.New("referral code already in use")
	// ErrStoreUnavailable marks a store that is not configured or not reachable.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// -------------------- REPOSITORY INTERFACES --------------------

// WaitlistRepository is the durable record store. Insert must be atomic with
// respect to identity uniqueness.
type WaitlistRepository interface {
	Exists(ctx context.Context, identity string) (bool, error)
	Insert(ctx context.Context, entry *WaitlistEntry) (string, error)
	Count(ctx context.Context) (int64, error)
	HealthCheck(ctx context.Context) error
}

// CounterStore performs an atomic sliding-window increment-and-check.
type CounterStore interface {
	IncrementAndCheck(ctx context.Context, scope RateLimitScope, key string, limit int, window time.Duration) (RateLimitState, error)
}

// BlockedRequestStore keeps the short-horizon blocked-request log.
type BlockedRequestStore interface {
	Record(ctx context.Context, rec BlockedRequest) error
	Recent(ctx context.Context, address string, limit int64) ([]BlockedRequest, error)
	Total(ctx context.Context) (int64, error)
}

// SecurityEventSink archives blocked-request records for later analysis.
type SecurityEventSink interface {
	Archive(ctx context.Context, recs []BlockedRequest) error
}

// Notifier delivers the post-signup notification.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}
