package ingestion

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/lead-capture-service/internal/apperrors"
	"gitlab.com/timkado/api/lead-capture-service/internal/model"
	"gitlab.com/timkado/api/lead-capture-service/internal/reqctx"
	"gitlab.com/timkado/api/lead-capture-service/pkg/logger"
)

// EventHandler defines a function that processes events
type EventHandler func(ctx context.Context, eventType model.EventType, metadata *model.MessageMetadata, rawEvent []byte) error

// Router routes events to the appropriate handler based on event type
type Router struct {
	handlers       map[model.EventType]EventHandler
	defaultHandler EventHandler
}

// NewRouter creates a new event router
func NewRouter() *Router {
	return &Router{
		handlers: make(map[model.EventType]EventHandler),
	}
}

// Register registers a handler for an event type
func (r *Router) Register(eventType model.EventType, handler EventHandler) {
	r.handlers[eventType] = handler
}

// RegisterDefault registers a default handler for unknown event types
func (r *Router) RegisterDefault(handler EventHandler) {
	r.defaultHandler = handler
}

// Route maps the subject to an event type and calls its handler. The
// trailing source token of the subject, if any, is recorded on the context
// as the write source. Without a matching or default handler the event is
// rejected as fatal.
func (r *Router) Route(ctx context.Context, metadata *model.MessageMetadata, rawEvent []byte) error {
	log := logger.FromContext(ctx).With(
		zap.String("event_type", metadata.MessageSubject),
		zap.String("event_id", metadata.MessageID),
	)
	ctx = logger.WithLogger(ctx, log)

	source := "nats"
	if s := model.SourceFromSubject(metadata.MessageSubject); s != "" {
		source = "nats:" + s
	}
	ctx = reqctx.WithSource(ctx, source)

	eventType, found := model.MapToBaseEventType(metadata.MessageSubject)
	if !found {
		log.Warn("Could not map subject to a known event type", zap.String("subject", metadata.MessageSubject))
	}

	log.Debug("Event received",
		zap.Int("payload_bytes", len(rawEvent)),
		zap.String("version", eventType.GetVersion()),
		zap.String("base_type", string(eventType.GetBaseType())),
	)

	if handler, ok := r.handlers[eventType]; ok {
		return handler(ctx, eventType, metadata, rawEvent)
	}
	if r.defaultHandler != nil {
		return r.defaultHandler(ctx, eventType, metadata, rawEvent)
	}
	log.Error("No handler registered for event type")
	return apperrors.NewFatal(fmt.Errorf("unhandled subject %q", metadata.MessageSubject), "no handler registered")
}
