package ingestion

import (
	"context"

	"gitlab.com/timkado/api/lead-capture-service/internal/model"
)

// RouterInterface defines the interface for an event router
type RouterInterface interface {
	Register(eventType model.EventType, handler EventHandler)
	RegisterDefault(handler EventHandler)
	Route(ctx context.Context, metadata *model.MessageMetadata, rawEvent []byte) error
}

// ConsumerInterface defines the lifecycle of a NATS consumer
type ConsumerInterface interface {
	// Setup ensures the stream and durable consumer exist
	Setup() error

	// Start subscribes and begins dispatching messages to the pool
	Start() error

	// Stop drains the subscription and waits for in-flight work
	Stop()
}

var _ RouterInterface = (*Router)(nil)
var _ ConsumerInterface = (*LeadConsumer)(nil)
