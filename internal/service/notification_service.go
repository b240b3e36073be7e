package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fieldops/dispatch/internal/config"
	"github.com/fieldops/dispatch/internal/domain"
	"github.com/fieldops/dispatch/internal/observability"
	"github.com/fieldops/dispatch/internal/queue"
	"github.com/fieldops/dispatch/internal/repository"
	apperrors "github.com/fieldops/dispatch/pkg/errorutil"
)

const publishAttemptTimeout = 5 * time.Second

// NotificationService is the producer side of notification delivery and
// the read side of history. A notification is durable in history before it
// is handed to the queue; queue failures never fail the caller.
type NotificationService struct {
	history   repository.NotificationRepository
	publisher queue.Publisher
	metrics   *observability.Metrics
	logger    *zap.Logger
	retry     config.RetryConfig
	limit     int
	now       func() time.Time

	mu       sync.Mutex
	closing  bool
	inflight sync.WaitGroup
	stopCtx  context.Context
	stop     context.CancelFunc
}

// NotificationDependencies bundles collaborators.
type NotificationDependencies struct {
	History   repository.NotificationRepository
	Publisher queue.Publisher
	Metrics   *observability.Metrics
	Logger    *zap.Logger
	Retry     config.RetryConfig
	Limit     int
}

// TriggerInput is a request to notify a user.
type TriggerInput struct {
	UserID  string
	Message string
	Kind    domain.NotificationKind
}

// NewNotificationService creates the service.
func NewNotificationService(deps NotificationDependencies) *NotificationService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := deps.Limit
	if limit <= 0 || limit > 50 {
		limit = 50
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &NotificationService{
		history:   deps.History,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		logger:    logger,
		retry:     deps.Retry,
		limit:     limit,
		now:       time.Now,
		stopCtx:   ctx,
		stop:      cancel,
	}
}

// Trigger persists a notification and schedules its live delivery.
// It returns once the history write has committed.
func (s *NotificationService) Trigger(ctx context.Context, in TriggerInput) (*domain.Notification, error) {
	userID := strings.TrimSpace(in.UserID)
	message := strings.TrimSpace(in.Message)
	details := map[string]any{}
	if userID == "" {
		details["userId"] = "required"
	}
	if message == "" {
		details["message"] = "required"
	}
	kind := in.Kind
	if kind == "" {
		kind = domain.NotificationKindInfo
	}
	switch kind {
	case domain.NotificationKindInfo, domain.NotificationKindSuccess,
		domain.NotificationKindWarning, domain.NotificationKindError:
	default:
		details["type"] = "must be one of info, success, warning, error"
	}
	if len(details) > 0 {
		return nil, apperrors.NewValidationError("invalid notification", details)
	}

	n := &domain.Notification{
		ID:        uuid.NewString(),
		UserID:    userID,
		Message:   message,
		Kind:      kind,
		IsRead:    false,
		CreatedAt: s.now().UTC(),
	}
	if err := s.history.Create(ctx, n); err != nil {
		return nil, apperrors.NewUnavailable("notification history", err)
	}

	s.enqueue(*n)
	return n, nil
}

// History returns up to limit notifications for userID, newest first.
func (s *NotificationService) History(ctx context.Context, userID string, limit int) ([]domain.Notification, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, apperrors.NewValidationError("identity required", nil)
	}
	if limit <= 0 || limit > s.limit {
		limit = s.limit
	}
	items, err := s.history.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, apperrors.NewUnavailable("notification history", err)
	}
	if items == nil {
		items = []domain.Notification{}
	}
	return items, nil
}

// MarkRead flags one notification as read.
func (s *NotificationService) MarkRead(ctx context.Context, userID, id string) error {
	err := s.history.MarkRead(ctx, userID, id)
	if errors.Is(err, repository.ErrNotificationNotFound) {
		return apperrors.NewNotFound("notification", map[string]any{"id": id})
	}
	if err != nil {
		return apperrors.NewUnavailable("notification history", err)
	}
	return nil
}

// MarkAllRead flags every unread notification of userID and returns how many changed.
func (s *NotificationService) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	n, err := s.history.MarkAllRead(ctx, userID)
	if err != nil {
		return 0, apperrors.NewUnavailable("notification history", err)
	}
	return n, nil
}

// UnreadCount returns the number of unread notifications of userID.
func (s *NotificationService) UnreadCount(ctx context.Context, userID string) (int, error) {
	n, err := s.history.CountUnread(ctx, userID)
	if err != nil {
		return 0, apperrors.NewUnavailable("notification history", err)
	}
	return n, nil
}

// Close stops accepting publishes and waits for in-flight ones until ctx is done.
func (s *NotificationService) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.stop()
		return nil
	case <-ctx.Done():
		s.stop()
		return ctx.Err()
	}
}

func (s *NotificationService) enqueue(n domain.Notification) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		s.logger.Warn("publish skipped during shutdown", zap.String("id", n.ID), zap.String("user_id", n.UserID))
		s.metrics.Inc(observability.CounterPublishFailed)
		return
	}
	s.inflight.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.inflight.Done()
		if err := s.publish(n); err != nil {
			// history already has the record; the client picks it up on its next baseline fetch
			s.logger.Warn("publish notification failed",
				zap.String("id", n.ID),
				zap.String("user_id", n.UserID),
				zap.Error(err))
			s.metrics.Inc(observability.CounterPublishFailed)
			return
		}
		s.metrics.Inc(observability.CounterPublishOK)
	}()
}

func (s *NotificationService) publish(n domain.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(s.retry.BackOff(), uint64(max(s.retry.PublishMaxRetries, 0))), s.stopCtx)
	return backoff.Retry(func() error {
		ctx, cancel := context.WithTimeout(s.stopCtx, publishAttemptTimeout)
		defer cancel()
		err := s.publisher.Publish(ctx, n.ID, payload)
		if errors.Is(err, queue.ErrClosed) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}
