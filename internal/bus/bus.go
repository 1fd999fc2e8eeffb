// Package bus provides event bus implementations for the evaluation
// pipeline.
package bus

import (
	"fmt"

	"github.com/apexrules/apex/internal/domain"
)

// New creates an event bus based on configuration: Go channels for a
// single process, NATS for distributed deployments.
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
