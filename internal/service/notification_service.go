package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/noah-isme/uni-registrar-api/internal/models"
	"github.com/noah-isme/uni-registrar-api/pkg/jobs"
)

// NotificationConfig governs the outbound event dispatcher.
type NotificationConfig struct {
	StreamKey  string
	Workers    int
	MaxRetries int
	RetryDelay time.Duration
}

// NotificationService hands registration events to the external dispatcher.
// Events are pushed onto a Redis list consumed out-of-process; delivery is
// at-least-once and must never block or roll back an enrollment, so Publish
// only enqueues onto the in-memory worker pool and returns immediately.
type NotificationService struct {
	redis  *redis.Client
	queue  *jobs.Queue
	cfg    NotificationConfig
	logger *zap.Logger
}

// NewNotificationService builds the dispatcher and its worker queue.
func NewNotificationService(client *redis.Client, cfg NotificationConfig, logger *zap.Logger) *NotificationService {
	if cfg.StreamKey == "" {
		cfg.StreamKey = "registrar:events"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &NotificationService{redis: client, cfg: cfg, logger: logger}
	s.queue = jobs.NewQueue("notifications", s.deliver, jobs.QueueConfig{
		Workers:    cfg.Workers,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
		Logger:     logger,
	})
	return s
}

// Start boots the delivery workers.
func (s *NotificationService) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// Stop drains the delivery workers.
func (s *NotificationService) Stop() {
	s.queue.Stop()
}

// Publish enqueues a registration event for asynchronous delivery. Failures
// are logged, never propagated: a notification problem must not undo an
// enrollment.
func (s *NotificationService) Publish(ctx context.Context, event models.RegistrationEvent) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	job := jobs.Job{ID: uuid.NewString(), Type: string(event.Type), Payload: event}
	if err := s.queue.Enqueue(job); err != nil {
		s.logger.Warn("failed to enqueue registration event",
			zap.String("type", string(event.Type)),
			zap.String("enrollment_id", event.EnrollmentID),
			zap.Error(err))
	}
}

func (s *NotificationService) deliver(ctx context.Context, job jobs.Job) error {
	event, ok := job.Payload.(models.RegistrationEvent)
	if !ok {
		s.logger.Error("notification job carries unexpected payload", zap.String("job_id", job.ID))
		return nil
	}
	raw, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("failed to encode registration event", zap.Error(err))
		return nil
	}
	if err := s.redis.LPush(ctx, s.cfg.StreamKey, raw).Err(); err != nil {
		return err
	}
	return nil
}
