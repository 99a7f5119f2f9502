package progress

import (
	"context"
	"time"

	"github.com/aescanero/cannoli/pkg/domain"
	"github.com/aescanero/cannoli/pkg/ports"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const publishTimeout = 5 * time.Second

// BusSink publishes object updates of one run on the run.events topic.
type BusSink struct {
	bus    ports.EventBus
	runID  string
	logger *zap.Logger
}

// NewBusSink creates a sink for runID.
func NewBusSink(bus ports.EventBus, runID string, logger *zap.Logger) *BusSink {
	return &BusSink{bus: bus, runID: runID, logger: logger}
}

func (s *BusSink) SetStatus(id string, status domain.Status) {
	s.publish(domain.EventTypeObjectStatus, id, map[string]interface{}{"status": string(status)})
}

func (s *BusSink) SetText(id, text string) {
	s.publish(domain.EventTypeObjectText, id, map[string]interface{}{"text": text})
}

func (s *BusSink) Annotate(id string, severity domain.Status, message string) {
	s.publish(domain.EventTypeObjectAnnotate, id, map[string]interface{}{
		"severity": string(severity),
		"message":  message,
	})
}

func (s *BusSink) publish(typ domain.EventType, objectID string, data map[string]interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	event := domain.Event{
		ID:        uuid.New().String(),
		Type:      typ,
		Timestamp: time.Now(),
		RunID:     s.runID,
		ObjectID:  objectID,
		Data:      data,
	}
	if err := s.bus.Publish(ctx, domain.TopicRunEvents, event); err != nil {
		s.logger.Warn("failed to publish progress",
			zap.String("run_id", s.runID),
			zap.String("object_id", objectID),
			zap.String("type", string(typ)),
			zap.Error(err))
	}
}
