package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/thehive/identity-service/internal/models"
	"github.com/thehive/identity-service/pkg/jobs"
)

const publishTimeout = 5 * time.Second

// Publisher emits notification events toward the platform's notification
// service. Delivery is fire-and-forget: failures are logged, never surfaced
// to the request that triggered them.
type Publisher interface {
	PasswordReset(email, resetToken string)
}

// Producer pushes events onto a Redis list consumed by the notification
// service. Publishing goes through an in-process queue so the request path
// never waits on Redis.
type Producer struct {
	client      *redis.Client
	queueKey    string
	frontendURL string
	logger      *zap.Logger
	queue       *jobs.Queue
}

// NewProducer wires the producer and starts its dispatch queue.
func NewProducer(ctx context.Context, client *redis.Client, queueKey, frontendURL string, logger *zap.Logger) *Producer {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Producer{
		client:      client,
		queueKey:    queueKey,
		frontendURL: frontendURL,
		logger:      logger,
	}
	p.queue = jobs.NewQueue("notifications", p.dispatch, jobs.QueueConfig{
		Workers:    1,
		BufferSize: 64,
		MaxRetries: 3,
		RetryDelay: time.Second,
		Logger:     logger,
	})
	p.queue.Start(ctx)
	return p
}

// PasswordReset enqueues a password-reset email event. Never blocks the
// caller beyond the enqueue itself and never returns an error.
func (p *Producer) PasswordReset(email, resetToken string) {
	event := models.EmailNotificationEvent{
		RecipientEmail: email,
		Subject:        "Reset your Password - The Hive",
		TemplateCode:   "PASSWORD_RESET",
		Variables: map[string]string{
			"token":     resetToken,
			"resetLink": fmt.Sprintf("%s/reset-password?token=%s", p.frontendURL, resetToken),
		},
	}

	job := jobs.Job{ID: uuid.NewString(), Type: "email", Payload: event}
	if err := p.queue.Enqueue(job); err != nil {
		p.logger.Warn("failed to enqueue notification", zap.Error(err))
	}
}

// Stop drains the dispatch queue.
func (p *Producer) Stop() {
	p.queue.Stop()
}

func (p *Producer) dispatch(ctx context.Context, job jobs.Job) error {
	if p.client == nil {
		p.logger.Debug("notification channel not configured, dropping event", zap.String("job_id", job.ID))
		return nil
	}

	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal notification event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := p.client.LPush(ctx, p.queueKey, payload).Err(); err != nil {
		return fmt.Errorf("publish notification event: %w", err)
	}

	p.logger.Info("notification event published", zap.String("queue", p.queueKey), zap.String("template", "PASSWORD_RESET"))
	return nil
}
