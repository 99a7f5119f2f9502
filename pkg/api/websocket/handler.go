package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/aescanero/cannoli/pkg/domain"
	"github.com/aescanero/cannoli/pkg/ports"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	bufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// RunLookup finds the stored state of a run.
type RunLookup interface {
	GetStatus(ctx context.Context, runID string) (*domain.RunState, error)
}

// Handler handles WebSocket connections
type Handler struct {
	eventBus ports.EventBus
	runs     RunLookup
	logger   *zap.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(eventBus ports.EventBus, runs RunLookup, logger *zap.Logger) *Handler {
	return &Handler{
		eventBus: eventBus,
		runs:     runs,
		logger:   logger,
	}
}

// HandleRunStream streams the events of one run
func (h *Handler) HandleRunStream(c *gin.Context) {
	runID := c.Param("id")

	state, err := h.runs.GetStatus(c.Request.Context(), runID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "NOT_FOUND", "message": "Run not found"}})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	logger := h.logger.With(zap.String("run_id", runID))
	logger.Info("WebSocket connection established", zap.String("client", c.ClientIP()))

	// Detached from the request so hijacking does not end the stream.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A finished run only gets its final event.
	if state.Status.IsTerminal() {
		_ = h.write(conn, logger, finalEvent(state))
		h.close(conn)
		return
	}

	events := make(chan domain.Event, bufferSize)
	err = h.eventBus.Subscribe(ctx, domain.TopicRunEvents, func(ctx context.Context, event domain.Event) error {
		if event.RunID != runID {
			return nil
		}
		select {
		case events <- event:
		case <-ctx.Done():
			return ctx.Err()
		default:
			logger.Warn("event channel full, dropping event",
				zap.String("event_id", event.ID),
				zap.String("event_type", string(event.Type)))
		}
		return nil
	})
	if err != nil {
		logger.Error("failed to subscribe to run events", zap.Error(err))
		return
	}

	// The run may have finished before the subscription was in place.
	if state, err := h.runs.GetStatus(ctx, runID); err == nil && state.Status.IsTerminal() {
		_ = h.write(conn, logger, finalEvent(state))
		h.close(conn)
		return
	}

	// The read loop only notices the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-events:
			if err := h.write(conn, logger, event); err != nil {
				return
			}
			if isTerminal(event.Type) {
				h.close(conn)
				return
			}
		}
	}
}

func (h *Handler) write(conn *websocket.Conn, logger *zap.Logger, event domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		logger.Error("failed to marshal event", zap.Error(err))
		return nil
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		if !errors.Is(err, websocket.ErrCloseSent) {
			logger.Warn("failed to write message", zap.Error(err))
		}
		return err
	}
	return nil
}

func (h *Handler) close(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

func isTerminal(t domain.EventType) bool {
	switch t {
	case domain.EventTypeRunCompleted, domain.EventTypeRunFailed, domain.EventTypeRunCancelled:
		return true
	}
	return false
}

func finalEvent(state *domain.RunState) domain.Event {
	event := domain.Event{
		Type:  domain.EventTypeForStatus(state.Status),
		RunID: state.RunID,
		Data:  map[string]interface{}{},
	}
	if state.CompletedAt != nil {
		event.Timestamp = *state.CompletedAt
	}
	if state.Stoppage != nil {
		event.Data["reason"] = string(state.Stoppage.Reason)
		event.Data["total_cost"] = state.Stoppage.TotalCost
	}
	if state.Error != "" {
		event.Data["error"] = state.Error
	}
	return event
}
