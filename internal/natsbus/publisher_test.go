package natsbus

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/septivank/router-secrets-worker/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeConn struct {
	subjects []string
	payloads [][]byte
	closed   bool
	drained  bool
	err      error
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func (f *fakeConn) IsClosed() bool { return f.closed }

func (f *fakeConn) Drain() error {
	f.drained = true
	f.closed = true
	return nil
}

func TestPublish_UsesPrefixedSubject(t *testing.T) {
	nc := &fakeConn{}
	p := newPublisher(nc, "router-secrets", zap.NewNop())
	routerID := uuid.New()

	err := p.Publish(context.Background(), events.AccountEvent{
		Type:     events.AccountRecharged,
		RouterID: routerID,
		Username: "alice",
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"router-secrets.account.recharged"}, nc.subjects)
	var decoded events.AccountEvent
	require.NoError(t, json.Unmarshal(nc.payloads[0], &decoded))
	assert.Equal(t, routerID, decoded.RouterID)
}

func TestSubject_WithoutPrefix(t *testing.T) {
	p := newPublisher(&fakeConn{}, "", zap.NewNop())
	assert.Equal(t, "router.status", p.Subject(events.RouterStatusChanged))
}

func TestPublish_Errors(t *testing.T) {
	nc := &fakeConn{err: nats.ErrConnectionClosed}
	p := newPublisher(nc, "rs", zap.NewNop())

	err := p.Publish(context.Background(), events.AccountEvent{Type: events.AccountExpired})
	assert.ErrorIs(t, err, nats.ErrConnectionClosed)

	require.NoError(t, p.Close())
	assert.True(t, nc.drained)

	err = p.Publish(context.Background(), events.AccountEvent{Type: events.AccountExpired})
	assert.ErrorIs(t, err, errNotConnected)
	require.NoError(t, p.Close())
}
