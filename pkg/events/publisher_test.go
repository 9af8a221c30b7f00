package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventJSONShape(t *testing.T) {
	data, err := json.Marshal(Event{
		ID:        "evt-1",
		Kind:      KindMessageSent,
		ChatID:    7,
		UserID:    3,
		UserName:  "somebody",
		MessageID: 42,
		Body:      "hello",
		Timestamp: 1700000000000,
	})
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "message.sent", decoded["kind"])
	assert.Equal(t, float64(7), decoded["chat_id"])
	assert.Equal(t, "somebody", decoded["user_name"])

	// Empty optional fields stay off the wire.
	data, err = json.Marshal(Event{ID: "evt-2", Kind: KindUserLoggedOut, Timestamp: 1})
	require.NoError(t, err)
	decoded = nil
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.NotContains(t, decoded, "chat_id")
	assert.NotContains(t, decoded, "body")
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = NopPublisher{}
	require.NoError(t, p.Publish(context.Background(), Event{Kind: KindChatCreated}))
	require.NoError(t, p.Close())
}

func TestNewAMQPPublisherExhaustsAttempts(t *testing.T) {
	start := time.Now()
	_, err := NewAMQPPublisher(context.Background(), DialOptions{
		URL:      "amqp://127.0.0.1:1",
		Exchange: "test.events",
		Attempts: 2,
		Delay:    5 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestNewAMQPPublisherHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewAMQPPublisher(ctx, DialOptions{
		URL:      "amqp://127.0.0.1:1",
		Exchange: "test.events",
		Attempts: 10,
		Delay:    time.Hour,
	})
	require.ErrorIs(t, err, context.Canceled)
}
