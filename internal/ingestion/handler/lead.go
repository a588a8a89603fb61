package handler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/lead-capture-service/internal/apperrors"
	"gitlab.com/timkado/api/lead-capture-service/internal/model"
	"gitlab.com/timkado/api/lead-capture-service/internal/reqctx"
	"gitlab.com/timkado/api/lead-capture-service/internal/validator"
	"gitlab.com/timkado/api/lead-capture-service/pkg/logger"
)

// LeadHandler turns lead events into service calls and classifies failures
// as retryable or fatal for the consumer's ack policy.
type LeadHandler struct {
	service LeadService
}

// NewLeadHandler creates a new lead event handler
func NewLeadHandler(service LeadService) *LeadHandler {
	return &LeadHandler{service: service}
}

// HandleEvent processes a lead event
func (h *LeadHandler) HandleEvent(ctx context.Context, eventType model.EventType, metadata *model.MessageMetadata, rawEvent []byte) error {
	requestID := metadata.MessageID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	ctx = reqctx.WithRequestID(ctx, requestID)

	switch eventType {
	case model.V1LeadsSubmit:
		return h.handleSubmit(ctx, rawEvent)
	case model.V1LeadsDelete:
		return h.handleDelete(ctx, rawEvent)
	default:
		logger.FromContext(ctx).Error("Unsupported lead event type", zap.String("eventType", string(eventType)))
		return apperrors.NewFatal(fmt.Errorf("unsupported event type: %s", eventType), "unsupported lead event")
	}
}

func (h *LeadHandler) handleSubmit(ctx context.Context, rawEvent []byte) error {
	log := logger.FromContext(ctx)

	var payload model.SubmitLeadPayload
	if err := json.Unmarshal(rawEvent, &payload); err != nil {
		log.Error("Failed to unmarshal lead submit payload", zap.Error(err))
		return apperrors.NewFatal(err, "failed to unmarshal lead submit payload")
	}

	lead, err := h.service.Submit(ctx, payload)
	if err != nil {
		return classify(err, "submit lead")
	}
	log.Info("Lead submitted", zap.String("key", lead.Key))
	return nil
}

func (h *LeadHandler) handleDelete(ctx context.Context, rawEvent []byte) error {
	log := logger.FromContext(ctx)

	var payload model.DeleteLeadPayload
	if err := json.Unmarshal(rawEvent, &payload); err != nil {
		log.Error("Failed to unmarshal lead delete payload", zap.Error(err))
		return apperrors.NewFatal(err, "failed to unmarshal lead delete payload")
	}
	if err := validator.Validate(payload); err != nil {
		return apperrors.NewFatal(err, "invalid lead delete payload")
	}

	err := h.service.Delete(ctx, payload.Key)
	if apperrors.IsNotFoundError(err) {
		// Redelivered deletes find nothing left to remove
		log.Info("Lead already absent", zap.String("key", payload.Key))
		return nil
	}
	if err != nil {
		return classify(err, "delete lead %s", payload.Key)
	}
	return nil
}

// classify wraps service errors: store trouble is retried, bad input is not.
func classify(err error, message string, args ...interface{}) error {
	switch {
	case apperrors.IsValidationError(err), apperrors.IsBadRequestError(err):
		return apperrors.NewFatal(err, message, args...)
	case apperrors.IsStoreUnavailable(err), apperrors.IsDatabaseError(err):
		return apperrors.NewRetryable(err, message, args...)
	default:
		return apperrors.NewFatal(err, message, args...)
	}
}
