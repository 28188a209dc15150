// Package mail hands verification and reset tokens to the delivery side.
package mail

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

type Kind string

const (
	KindEmailVerification Kind = "email_verification"
	KindPasswordReset     Kind = "password_reset"
)

// Sender delivers token to recipient. Implementations must not log token.
type Sender interface {
	Send(ctx context.Context, recipient string, kind Kind, token string) error
}

// LogSender only records that a message would have been sent.
type LogSender struct {
	log *slog.Logger
}

func NewLogSender(log *slog.Logger) *LogSender {
	return &LogSender{log: log}
}

func (s *LogSender) Send(_ context.Context, recipient string, kind Kind, _ string) error {
	s.log.Info("mail dispatched",
		slog.String("op", "mail.LogSender.Send"),
		slog.String("recipient", recipient),
		slog.String("kind", string(kind)),
	)
	return nil
}

// RedisOutbox appends messages to a Redis stream consumed by the mail worker.
type RedisOutbox struct {
	redis  redis.UniversalClient
	stream string
	maxLen int64
	now    func() time.Time
}

func NewRedisOutbox(redisClient redis.UniversalClient, stream string, maxLen int64) *RedisOutbox {
	return &RedisOutbox{
		redis:  redisClient,
		stream: stream,
		maxLen: maxLen,
		now:    time.Now,
	}
}

func (o *RedisOutbox) Send(ctx context.Context, recipient string, kind Kind, token string) error {
	const op = "mail.RedisOutbox.Send"

	err := o.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: o.stream,
		MaxLen: o.maxLen,
		Approx: true,
		Values: map[string]any{
			"recipient":  recipient,
			"kind":       string(kind),
			"token":      token,
			"created_at": o.now().UTC().Format(time.RFC3339),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}
