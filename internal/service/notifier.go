package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"waitlist-service/internal/hashing"
	"waitlist-service/internal/model"
	"waitlist-service/internal/util"
)

// MessageProducer is the slice of the Kafka client the notifier needs.
type MessageProducer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// WelcomeJob is the message the external mailer consumes.
type WelcomeJob struct {
	Template     string    `json:"template"`
	RequestID    string    `json:"request_id,omitempty"`
	To           string    `json:"to"`
	From         string    `json:"from"`
	DisplayName  string    `json:"display_name"`
	ReferralCode string    `json:"referral_code"`
	Position     *int64    `json:"position,omitempty"`
	QueuedAt     time.Time `json:"queued_at"`
}

// KafkaNotifier publishes a welcome job per accepted signup. Messages are
// keyed by the identity hash so one identity always lands on one partition.
type KafkaNotifier struct {
	producer MessageProducer
	topic    string
	from     string
	hasher   *hashing.IdentityHasher
	logger   *zap.Logger
}

func NewKafkaNotifier(producer MessageProducer, topic, from string, hasher *hashing.IdentityHasher, logger *zap.Logger) *KafkaNotifier {
	return &KafkaNotifier{
		producer: producer,
		topic:    topic,
		from:     from,
		hasher:   hasher,
		logger:   logger,
	}
}

func (k *KafkaNotifier) Send(ctx context.Context, n model.Notification) error {
	job := WelcomeJob{
		Template:     "welcome",
		RequestID:    n.RequestID,
		To:           n.Identity,
		From:         k.from,
		DisplayName:  displayName(n),
		ReferralCode: n.ReferralCode,
		Position:     n.Position,
		QueuedAt:     time.Now().UTC(),
	}

	value, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode welcome job: %w", err)
	}

	headers := map[string]string{"content-type": "application/json"}
	if n.RequestID != "" {
		headers["request-id"] = n.RequestID
	}

	if err := k.producer.ProduceMessage(ctx, k.topic, []byte(k.hasher.Hash(n.Identity)), value, headers); err != nil {
		return fmt.Errorf("publish welcome job: %w", err)
	}
	return nil
}

// LogNotifier stands in when no mail transport is configured.
type LogNotifier struct {
	hasher *hashing.IdentityHasher
	logger *zap.Logger
}

func NewLogNotifier(hasher *hashing.IdentityHasher, logger *zap.Logger) *LogNotifier {
	return &LogNotifier{hasher: hasher, logger: logger}
}

func (l *LogNotifier) Send(_ context.Context, n model.Notification) error {
	l.logger.Debug("Notification skipped, no transport configured",
		zap.String("request_id", n.RequestID),
		zap.String("identity_hash", l.hasher.Hash(n.Identity)))
	return nil
}

// displayName falls back to the local part of the address when no name was
// given.
func displayName(n model.Notification) string {
	if n.Name != "" {
		return n.Name
	}
	return util.LocalPart(n.Identity)
}
