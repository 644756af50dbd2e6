package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesSent counts persisted messages by message type.
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatterbox_messages_sent_total",
		Help: "Total number of messages persisted",
	}, []string{"message_type"})

	// ReceiptTransitions counts aggregate status changes (delivered, read).
	ReceiptTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatterbox_receipt_transitions_total",
		Help: "Total number of message status transitions",
	}, []string{"status"})

	// WebSocketConnectionsTotal is the gauge of total WebSocket connections.
	WebSocketConnectionsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatterbox_websocket_connections_total",
		Help: "Total number of active WebSocket connections",
	})

	// OnlineUsers is the number of users with at least one live session.
	OnlineUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatterbox_online_users",
		Help: "Number of users with at least one open session",
	})

	// WebSocketEventsTotal counts WebSocket events by type.
	WebSocketEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatterbox_websocket_events_total",
		Help: "Total WebSocket events by type",
	}, []string{"event_type"})

	// WebSocketBackpressureDrops counts messages dropped due to backpressure by hub and reason.
	WebSocketBackpressureDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatterbox_websocket_backpressure_drops_total",
		Help: "Total number of WebSocket messages dropped due to backpressure",
	}, []string{"hub", "reason"})

	// EventPublishFailures counts domain events the stream producer rejected.
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatterbox_event_publish_failures_total",
		Help: "Total number of domain events that failed to publish",
	}, []string{"event_type"})
)
