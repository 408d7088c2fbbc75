package routeros

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/go-routeros/routeros/v3"
)

// Target is the connection identity of one device
type Target struct {
	Name     string
	Address  string
	Port     int
	Username string
	Password string
}

// HostPort joins address and port, defaulting the RouterOS API port
func (t Target) HostPort() string {
	port := t.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(t.Address, strconv.Itoa(port))
}

// DefaultPort is the plain-text RouterOS API port
const DefaultPort = 8728

// Session is one live API connection. Run returns the attribute maps of every
// !re sentence in the reply.
type Session interface {
	Run(ctx context.Context, sentence []string) ([]map[string]string, error)
	Close() error
}

// Dialer opens a session to a target. Implementations must honour ctx for
// the whole life of the returned session, not only for the handshake.
type Dialer func(ctx context.Context, target Target, timeout time.Duration) (Session, error)

type apiSession struct {
	client *routeros.Client
	stop   func() bool
	once   sync.Once
}

// DialAPI opens a RouterOS API session. The session is closed as soon as ctx
// ends, which unblocks any command still waiting on the socket.
func DialAPI(ctx context.Context, target Target, timeout time.Duration) (Session, error) {
	type dialed struct {
		client *routeros.Client
		err    error
	}

	ch := make(chan dialed, 1)
	go func() {
		c, err := routeros.DialTimeout(target.HostPort(), target.Username, target.Password, timeout)
		ch <- dialed{client: c, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	abandon := func() {
		// release a connection that completes after we gave up on it
		go func() {
			if d := <-ch; d.client != nil {
				d.client.Close()
			}
		}()
	}

	select {
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	case <-timer.C:
		abandon()
		return nil, fmt.Errorf("connection timeout after %s: %w", timeout, context.DeadlineExceeded)
	case d := <-ch:
		if d.err != nil {
			return nil, d.err
		}
		s := &apiSession{client: d.client}
		s.stop = context.AfterFunc(ctx, func() { s.closeClient() })
		return s, nil
	}
}

func (s *apiSession) Run(ctx context.Context, sentence []string) ([]map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	reply, err := s.client.RunArgs(sentence)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}

	rows := make([]map[string]string, 0, len(reply.Re))
	for _, re := range reply.Re {
		rows = append(rows, re.Map)
	}
	return rows, nil
}

func (s *apiSession) Close() error {
	s.stop()
	s.closeClient()
	return nil
}

func (s *apiSession) closeClient() {
	s.once.Do(func() {
		s.client.Close()
	})
}
