package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/workplane/platform/pkg/jobs"
)

// Notifier delivers out-of-band messages to users. Delivery is best-effort
// and must never block or fail the request that triggered it.
type Notifier interface {
	SendPasswordReset(ctx context.Context, email, token string) error
}

// NopNotifier discards every notification.
type NopNotifier struct{}

func (NopNotifier) SendPasswordReset(context.Context, string, string) error { return nil }

// resetNotification is the job payload for password-reset dispatch.
type resetNotification struct {
	Email string
	Token string
}

// QueueNotifier hands notifications to a background worker queue, keeping
// delivery off the HTTP request path.
type QueueNotifier struct {
	queue *jobs.Queue
}

// NewQueueNotifier builds the queue and its delivery handler. The sender is
// the actual transport; the log-only sender is used until email delivery is
// wired up.
func NewQueueNotifier(ctx context.Context, sender func(context.Context, string, string) error, logger *zap.Logger) *QueueNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}

	handler := func(ctx context.Context, job jobs.Job) error {
		payload, ok := job.Payload.(resetNotification)
		if !ok {
			return fmt.Errorf("unexpected payload type for job %s", job.ID)
		}
		return sender(ctx, payload.Email, payload.Token)
	}

	queue := jobs.NewQueue("notifications", handler, jobs.QueueConfig{
		Workers:    1,
		BufferSize: 64,
		MaxRetries: 3,
		RetryDelay: 5 * time.Second,
		JobTimeout: 30 * time.Second,
		Logger:     logger,
	})
	queue.Start(ctx)

	return &QueueNotifier{queue: queue}
}

// SendPasswordReset enqueues the notification for background delivery.
func (n *QueueNotifier) SendPasswordReset(_ context.Context, email, token string) error {
	return n.queue.Enqueue(jobs.Job{
		ID:      uuid.NewString(),
		Type:    "password_reset",
		Payload: resetNotification{Email: email, Token: token},
	})
}

// Stop drains the queue workers.
func (n *QueueNotifier) Stop() {
	n.queue.Stop()
}

// LogSender records the notification instead of delivering it. Stands in
// for the mail transport in development.
func LogSender(logger *zap.Logger) func(context.Context, string, string) error {
	return func(_ context.Context, email, token string) error {
		logger.Info("password reset notification",
			zap.String("email", email),
			zap.String("reset_token", token))
		return nil
	}
}
