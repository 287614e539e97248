package events

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/layer-3/gatekeeper/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatermillPublisherPublishesSessionEvents(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer pubSub.Close()

	messages, err := pubSub.Subscribe(ctx, DefaultTopic)
	require.NoError(t, err)

	publisher := NewWatermillPublisher(pubSub, "")
	event := core.SessionEvent{
		ID:      uuid.New().String(),
		From:    core.StateRenewing,
		To:      core.StateExpired,
		Reason:  core.ReasonRenewalFailed,
		Subject: "alice",
		At:      time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, publisher.PublishSessionEvent(ctx, event))

	select {
	case msg := <-messages:
		msg.Ack()
		assert.Equal(t, event.ID, msg.UUID)
		assert.Equal(t, "expired", msg.Metadata.Get("to"))
		assert.Equal(t, core.ReasonRenewalFailed, msg.Metadata.Get("reason"))
		assert.JSONEq(t, `{"id":"`+event.ID+`","from":"renewing","to":"expired","reason":"renewal_failed","subject":"alice","at":"2026-05-01T00:00:00Z"}`, string(msg.Payload))

		decoded, err := DecodeSessionEvent(msg)
		require.NoError(t, err)
		assert.Equal(t, event.From, decoded.From)
		assert.Equal(t, event.To, decoded.To)
		assert.True(t, event.At.Equal(decoded.At))
	case <-ctx.Done():
		t.Fatal("no message received")
	}
}

func TestWatermillPublisherCustomTopic(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer pubSub.Close()

	messages, err := pubSub.Subscribe(ctx, "custom.sessions")
	require.NoError(t, err)

	publisher := NewWatermillPublisher(pubSub, "custom.sessions")
	require.NoError(t, publisher.PublishSessionEvent(ctx, core.SessionEvent{ID: uuid.New().String(), To: core.StateAnonymous, Reason: core.ReasonLogout}))

	select {
	case msg := <-messages:
		msg.Ack()
		assert.Equal(t, "anonymous", msg.Metadata.Get("to"))
	case <-ctx.Done():
		t.Fatal("no message received")
	}
}

func TestWatermillPublisherClosed(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	require.NoError(t, pubSub.Close())

	publisher := NewWatermillPublisher(pubSub, "")
	err := publisher.PublishSessionEvent(context.Background(), core.SessionEvent{ID: uuid.New().String()})
	require.Error(t, err)
}
