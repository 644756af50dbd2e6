package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKafkaPublisher_Publish(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		assert.Equal(t, "chat.events", msg.Topic)

		key, err := msg.Key.Encode()
		require.NoError(t, err)
		assert.Equal(t, "42", string(key))

		require.Len(t, msg.Headers, 1)
		assert.Equal(t, "event_type", string(msg.Headers[0].Key))
		assert.Equal(t, MessageCreated, string(msg.Headers[0].Value))

		body, err := msg.Value.Encode()
		require.NoError(t, err)
		var evt Event
		require.NoError(t, json.Unmarshal(body, &evt))
		assert.Equal(t, uint(7), evt.ActorID)
		assert.False(t, evt.OccurredAt.IsZero())
		return nil
	})

	pub := NewKafkaPublisherWithProducer(producer, "chat.events")
	err := pub.Publish(context.Background(), Event{Type: MessageCreated, ConversationID: 42, ActorID: 7})
	require.NoError(t, err)
	require.NoError(t, pub.Close())
}

func TestKafkaPublisher_PublishError(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(errors.New("broker down"))

	pub := NewKafkaPublisherWithProducer(producer, "chat.events")
	err := pub.Publish(context.Background(), Event{Type: MessagesRead, ConversationID: 1})
	assert.ErrorContains(t, err, "broker down")
	require.NoError(t, pub.Close())
}

func TestNoop(t *testing.T) {
	var p Publisher = Noop{}
	assert.NoError(t, p.Publish(context.Background(), Event{Type: MemberAdded}))
	assert.NoError(t, p.Close())
}
