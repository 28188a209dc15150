package mail

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogSender_DoesNotLogToken(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSender(slog.New(slog.NewJSONHandler(&buf, nil)))

	require.NoError(t, s.Send(context.Background(), "ada@example.com", KindPasswordReset, "s3cr3t-token"))

	assert.Contains(t, buf.String(), "ada@example.com")
	assert.Contains(t, buf.String(), "password_reset")
	assert.NotContains(t, buf.String(), "s3cr3t-token")
}

func TestRedisOutbox_Send(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	outbox := NewRedisOutbox(rdb, "mail:test", 100)
	require.NoError(t, outbox.Send(ctx, "ada@example.com", KindEmailVerification, "token-1"))
	require.NoError(t, outbox.Send(ctx, "bob@example.com", KindPasswordReset, "token-2"))

	entries, err := rdb.XRange(ctx, "mail:test", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "ada@example.com", entries[0].Values["recipient"])
	assert.Equal(t, "email_verification", entries[0].Values["kind"])
	assert.Equal(t, "token-1", entries[0].Values["token"])
	assert.Equal(t, "password_reset", entries[1].Values["kind"])
}

func TestRedisOutbox_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	mr.Close()

	err := NewRedisOutbox(rdb, "mail:test", 100).Send(context.Background(), "ada@example.com", KindPasswordReset, "t")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mail.RedisOutbox.Send")
}
