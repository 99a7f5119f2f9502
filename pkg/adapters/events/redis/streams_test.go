package redis

import (
	"testing"

	"github.com/aescanero/cannoli/pkg/domain"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewStreamsEventBus(t *testing.T) {
	client := goredis.NewClient(&goredis.Options{Addr: "localhost:0"})
	defer client.Close()

	bus, err := NewStreamsEventBus(client, "workers", "w-1", zap.NewNop())
	require.NoError(t, err)
	assert.True(t, bus.queues[domain.TopicRunQueue])
	assert.False(t, bus.queues[domain.TopicRunEvents])

	bus, err = NewStreamsEventBus(client, "workers", "w-1", zap.NewNop(), "jobs")
	require.NoError(t, err)
	assert.True(t, bus.queues["jobs"])
	assert.False(t, bus.queues[domain.TopicRunQueue])

	_, err = NewStreamsEventBus(nil, "workers", "w-1", zap.NewNop())
	assert.Error(t, err)
	_, err = NewStreamsEventBus(client, "", "w-1", zap.NewNop())
	assert.Error(t, err)
}

func TestDecodeEvent(t *testing.T) {
	event, err := decodeEvent(`{"id":"e1","type":"run.completed","run_id":"r1","data":{"reason":"complete"}}`)
	require.NoError(t, err)
	assert.Equal(t, "e1", event.ID)
	assert.Equal(t, domain.EventTypeRunCompleted, event.Type)
	assert.Equal(t, "complete", event.Data["reason"])

	_, err = decodeEvent("not json")
	assert.Error(t, err)
}

func TestGetStreamKey(t *testing.T) {
	assert.Equal(t, "cannoli:events:run.queue", getStreamKey(domain.TopicRunQueue))
}
