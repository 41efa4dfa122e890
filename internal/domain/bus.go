package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community) or NATS (Pro).
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Request sends a message and waits for a response (request-reply pattern).
	Request(ctx context.Context, topic string, payload []byte) ([]byte, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
// A non-nil reply payload is sent back to the requester when the message
// arrived through Request.
type MessageHandler func(ctx context.Context, msg *Message) ([]byte, error)

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string `yaml:"type"`

	// Channel settings (Community tier)
	ChannelBufferSize int `yaml:"channelBufferSize"`

	// NATS settings (Pro tier)
	NATSUrl           string `yaml:"natsUrl"`
	NATSToken         string `yaml:"natsToken"`
	NATSMaxReconnects int    `yaml:"natsMaxReconnects"`
	NATSReconnectWait int    `yaml:"natsReconnectWait"` // seconds
}

// Standard topic names for case lifecycle events.
const (
	TopicCaseTransition   = "kestrel.case.transition"
	TopicApprovalRequired = "kestrel.approval.requested"
	TopicReportReady      = "kestrel.report.ready"

	// TopicCaseRequested carries CaseRequest payloads from upstream monitoring.
	TopicCaseRequested = "kestrel.case.requested"

	// TopicOraclePrefix is suffixed with the stage name for oracle request/reply.
	TopicOraclePrefix = "kestrel.oracle."
)

// CaseEvent is the payload published on lifecycle topics.
type CaseEvent struct {
	CaseID    string    `json:"caseId"`
	From      CaseState `json:"from,omitempty"`
	To        CaseState `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp int64     `json:"timestamp"`
}
