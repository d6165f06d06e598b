package app

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/domain"
)

// ActivityRoutingPattern binds the forum activity events the ledger listens to.
const ActivityRoutingPattern = "forum.activity.*"

// ActivityConsumer feeds forum activity events into an ActivityRecorder so
// rain can find active users.
type ActivityConsumer struct {
	recorder ActivityRecorder
	logger   *zap.Logger
	now      func() time.Time
}

func NewActivityConsumer(recorder ActivityRecorder, logger *zap.Logger) *ActivityConsumer {
	return &ActivityConsumer{recorder: recorder, logger: logger.Named("activity_consumer"), now: time.Now}
}

// HandleMessage records one event. Undecodable payloads are dropped; a
// failed write is requeued.
func (c *ActivityConsumer) HandleMessage(body []byte) bool {
	var event domain.ActivityEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Warn("failed to unmarshal activity event", zap.Error(err))
		return true
	}
	if event.UserID == uuid.Nil {
		c.logger.Debug("activity event without user id dropped")
		return true
	}
	if event.OccurredAt.IsZero() || event.OccurredAt.After(c.now()) {
		event.OccurredAt = c.now()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.recorder.RecordActivity(ctx, event); err != nil {
		c.logger.Warn("failed to record activity", zap.String("user_id", event.UserID.String()), zap.Error(err))
		return false
	}
	return true
}
