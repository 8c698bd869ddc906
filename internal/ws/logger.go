package ws

import (
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ConnLogger scopes structured logging to the websocket layer with the
// user/session pair every event carries.
type ConnLogger struct {
	logger *zap.Logger
}

func NewConnLogger(logger *zap.Logger) *ConnLogger {
	return &ConnLogger{logger: logger.With(zap.String("component", "websocket"))}
}

func (l *ConnLogger) Info(event string, userID uuid.UUID, sessionID string, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("event", event),
		zap.String("user_id", userID.String()),
		zap.String("session_id", sessionID),
	}, fields...)
	l.logger.Info("websocket_event", allFields...)
}

func (l *ConnLogger) Warn(event string, userID uuid.UUID, sessionID string, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("event", event),
		zap.String("user_id", userID.String()),
		zap.String("session_id", sessionID),
	}, fields...)
	l.logger.Warn("websocket_warning", allFields...)
}

func (l *ConnLogger) Error(event string, userID uuid.UUID, sessionID string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("event", event),
		zap.String("user_id", userID.String()),
		zap.String("session_id", sessionID),
		zap.Error(err),
	}, fields...)
	l.logger.Error("websocket_error", allFields...)
}
