// Package events streams chat domain events to Kafka for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"
)

// Event types written to the stream.
const (
	MessageCreated      = "message.created"
	MessageDeleted      = "message.deleted"
	MessagesDelivered   = "messages.delivered"
	MessagesRead        = "messages.read"
	ConversationCreated = "conversation.created"
	ConversationUpdated = "conversation.updated"
	ConversationDeleted = "conversation.deleted"
	MemberAdded         = "member.added"
	MemberRemoved       = "member.removed"
)

// Event is one record on the chat event stream.
type Event struct {
	Type           string      `json:"type"`
	ConversationID uint        `json:"conversation_id"`
	ActorID        uint        `json:"actor_id"`
	Payload        interface{} `json:"payload,omitempty"`
	OccurredAt     time.Time   `json:"occurred_at"`
}

// Publisher writes events to the stream.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// KafkaPublisher publishes events synchronously, keyed by conversation so
// a conversation's events stay ordered within a partition.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaPublisher connects a synchronous producer to brokers.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Idempotent = true
	cfg.Producer.Return.Successes = true
	cfg.Net.MaxOpenRequests = 1

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("events: create producer: %w", err)
	}
	return NewKafkaPublisherWithProducer(producer, topic), nil
}

// NewKafkaPublisherWithProducer wraps an existing producer.
func NewKafkaPublisherWithProducer(producer sarama.SyncProducer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic}
}

// Publish sends evt and waits for the broker acknowledgement.
func (p *KafkaPublisher) Publish(_ context.Context, evt Event) error {
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("events: marshal %s: %w", evt.Type, err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(strconv.FormatUint(uint64(evt.ConversationID), 10)),
		Value: sarama.ByteEncoder(body),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(evt.Type)},
		},
	}
	if _, _, err := p.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("events: send %s: %w", evt.Type, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	if p.producer == nil {
		return nil
	}
	return p.producer.Close()
}

// Noop drops every event.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }

var (
	_ Publisher = (*KafkaPublisher)(nil)
	_ Publisher = Noop{}
)
