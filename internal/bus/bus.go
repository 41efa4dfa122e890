package bus

import (
	"errors"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	// ErrClosed is returned by operations on a closed bus.
	ErrClosed = errors.New("bus is closed")

	// ErrNoResponders is returned by Request when nothing subscribes to the topic.
	ErrNoResponders = errors.New("no responders for request")
)

// metaReplyTo carries the reply topic of a channel bus request.
const metaReplyTo = "reply_to"

// New creates a new event bus based on configuration.
// For Community tier: returns ChannelBus.
// For Pro tier: returns NATSBus.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}
