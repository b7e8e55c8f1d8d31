package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/spec-kit/evaluation-service/internal/events"
)

// AuditService writes session lifecycle events to the audit log.
type AuditService struct {
	dispatcher events.Dispatcher
	logger     *zap.Logger
}

// NewAuditService creates the service.
func NewAuditService(dispatcher events.Dispatcher, logger *zap.Logger) *AuditService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditService{
		dispatcher: dispatcher,
		logger:     logger.Named("audit"),
	}
}

// RegisterHandlers subscribes to events.
func (a *AuditService) RegisterHandlers() {
	if a.dispatcher == nil {
		return
	}
	a.dispatcher.Subscribe(events.EventUserRegistered, a.handleUserRegistered)
	a.dispatcher.Subscribe(events.EventSessionIssued, a.handleSession)
	a.dispatcher.Subscribe(events.EventSessionRefreshed, a.handleSession)
	a.dispatcher.Subscribe(events.EventSessionRevoked, a.handleSessionRevoked)
}

func (a *AuditService) handleUserRegistered(_ context.Context, event events.Event) error {
	fields := a.base(event)
	if p, ok := event.Payload.(events.UserRegisteredPayload); ok {
		fields = append(fields, zap.String("username", p.Username), zap.String("role", p.Role))
	}
	a.logger.Info("UserRegistered", fields...)
	return nil
}

func (a *AuditService) handleSession(_ context.Context, event events.Event) error {
	fields := a.base(event)
	if p, ok := event.Payload.(events.SessionPayload); ok {
		fields = append(fields,
			zap.String("username", p.Username),
			zap.String("token_id", p.TokenID),
			zap.Time("expires_at", p.ExpiresAt))
	}
	msg := "SessionIssued"
	if event.Type == events.EventSessionRefreshed {
		msg = "SessionRefreshed"
	}
	a.logger.Info(msg, fields...)
	return nil
}

func (a *AuditService) handleSessionRevoked(_ context.Context, event events.Event) error {
	a.logger.Info("SessionRevoked", a.base(event)...)
	return nil
}

func (a *AuditService) base(event events.Event) []zap.Field {
	return []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.Int64("user_id", event.UserID),
		zap.Time("occurred_at", event.Timestamp),
	}
}
