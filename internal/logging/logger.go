package logging

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger creates a new structured logger at the given level
func NewLogger(serviceName, level string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.InitialFields = map[string]interface{}{
		"service": serviceName,
	}

	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		config.Level = zap.NewAtomicLevelAt(lvl)
	}

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}

	return logger, nil
}

// WithRequestID returns a logger with request_id field
func WithRequestID(logger *zap.Logger, requestID string) *zap.Logger {
	return logger.With(zap.String("request_id", requestID))
}

// WithRouter returns a logger scoped to one router
func WithRouter(logger *zap.Logger, routerID uuid.UUID, name string) *zap.Logger {
	return logger.With(
		zap.String("router_id", routerID.String()),
		zap.String("router", name),
	)
}

// WithAccount returns a logger scoped to one account
func WithAccount(logger *zap.Logger, accountID uuid.UUID, username string) *zap.Logger {
	return logger.With(
		zap.String("account_id", accountID.String()),
		zap.String("username", username),
	)
}
