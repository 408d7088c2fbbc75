// Package natsbus publishes account events to NATS subjects.
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/septivank/router-secrets-worker/internal/events"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var errNotConnected = errors.New("nats not connected")

type conn interface {
	Publish(subject string, data []byte) error
	IsClosed() bool
	Drain() error
}

// Publisher sends each event to <prefix>.<event type>
type Publisher struct {
	nc     conn
	prefix string
	logger *zap.Logger
}

// NewPublisher connects to NATS with unlimited reconnects and drains the
// connection when the app stops
func NewPublisher(lc fx.Lifecycle, url, prefix, name string, logger *zap.Logger) (*Publisher, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to NATS at %s: %w", url, err)
	}

	p := newPublisher(nc, prefix, logger)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return p.Close()
		},
	})
	logger.Info("nats publisher connected", zap.String("subject_prefix", prefix))
	return p, nil
}

func newPublisher(nc conn, prefix string, logger *zap.Logger) *Publisher {
	return &Publisher{nc: nc, prefix: prefix, logger: logger}
}

// Subject returns the subject an event type is published on
func (p *Publisher) Subject(t events.Type) string {
	if p.prefix == "" {
		return string(t)
	}
	return p.prefix + "." + string(t)
}

func (p *Publisher) Publish(ctx context.Context, event events.AccountEvent) error {
	if p.nc == nil || p.nc.IsClosed() {
		return errNotConnected
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := p.Subject(event.Type)
	if err := p.nc.Publish(subject, payload); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	p.logger.Debug("published account event", zap.String("subject", subject))
	return nil
}

// Close drains pending messages and closes the connection
func (p *Publisher) Close() error {
	if p.nc == nil || p.nc.IsClosed() {
		return nil
	}
	return p.nc.Drain()
}
