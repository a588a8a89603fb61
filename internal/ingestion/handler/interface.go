package handler

import (
	"context"

	"gitlab.com/timkado/api/lead-capture-service/internal/model"
)

// EventHandlerInterface defines the common interface for event handlers
type EventHandlerInterface interface {
	// HandleEvent processes an event
	HandleEvent(ctx context.Context, eventType model.EventType, metadata *model.MessageMetadata, rawEvent []byte) error
}

// LeadService is the part of the lead service the NATS handler drives.
type LeadService interface {
	Submit(ctx context.Context, p model.SubmitLeadPayload) (model.Lead, error)
	Delete(ctx context.Context, key string) error
}

var _ EventHandlerInterface = (*LeadHandler)(nil)
