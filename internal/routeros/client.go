package routeros

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/septivank/router-secrets-worker/internal/metrics"
	"go.uber.org/zap"
)

var errMissingConfig = errors.New("missing router configuration")

// Client executes PPP secret operations against RouterOS devices. It keeps no
// connection state: every method opens its own session and closes it before
// returning, whatever the outcome.
type Client struct {
	dial             Dialer
	connectTimeout   time.Duration
	operationTimeout time.Duration
	logger           *zap.Logger
}

// NewClient creates a client that talks the RouterOS API over TCP
func NewClient(connectTimeout, operationTimeout time.Duration, logger *zap.Logger) *Client {
	return NewClientWithDialer(DialAPI, connectTimeout, operationTimeout, logger)
}

// NewClientWithDialer creates a client with a custom session dialer
func NewClientWithDialer(dial Dialer, connectTimeout, operationTimeout time.Duration, logger *zap.Logger) *Client {
	if operationTimeout < connectTimeout {
		operationTimeout = connectTimeout
	}
	return &Client{
		dial:             dial,
		connectTimeout:   connectTimeout,
		operationTimeout: operationTimeout,
		logger:           logger,
	}
}

// TestConnection opens a session and reads the system identity. It never
// changes device state.
func (c *Client) TestConnection(ctx context.Context, target Target) Result {
	var identity string
	res := c.withSession(ctx, "test_connection", target, func(ctx context.Context, s Session) error {
		rows, err := s.Run(ctx, identityCommand())
		if err != nil {
			return fmt.Errorf("identity query failed: %w", err)
		}
		if len(rows) > 0 {
			identity = rows[0]["name"]
		}
		return nil
	})
	if res.Success {
		res.Identity = identity
		c.logger.Info("router connection test succeeded",
			zap.String("router", target.Name),
			zap.String("identity", identity))
	}
	return res
}

// FetchAccounts returns every PPP secret currently configured on the device
func (c *Client) FetchAccounts(ctx context.Context, target Target) ([]RemoteAccount, Result) {
	var accounts []RemoteAccount
	res := c.withSession(ctx, "fetch_accounts", target, func(ctx context.Context, s Session) error {
		rows, err := s.Run(ctx, listSecretsCommand())
		if err != nil {
			return err
		}
		accounts = make([]RemoteAccount, 0, len(rows))
		for _, row := range rows {
			accounts = append(accounts, ParseRemoteAccount(row))
		}
		return nil
	})
	if !res.Success {
		return nil, res
	}

	c.logger.Debug("fetched ppp secrets",
		zap.String("router", target.Name),
		zap.Int("count", len(accounts)))
	return accounts, res
}

// CreateAccount adds a PPPoE secret. With a valid rate limit the ceiling is
// written to the secret itself, otherwise the default profile is applied.
func (c *Client) CreateAccount(ctx context.Context, target Target, username, secret string, limit *RateLimit) Result {
	return c.withSession(ctx, "create_account", target, func(ctx context.Context, s Session) error {
		_, err := s.Run(ctx, addSecretCommand(username, secret, limit))
		return err
	})
}

// SetEnabled flips the disabled flag of the secret named username
func (c *Client) SetEnabled(ctx context.Context, target Target, username string, enabled bool) Result {
	op := "disable_account"
	if enabled {
		op = "enable_account"
	}
	return c.withSession(ctx, op, target, func(ctx context.Context, s Session) error {
		id, err := lookupSecretID(ctx, s, username)
		if err != nil {
			return err
		}
		_, err = s.Run(ctx, setDisabledCommand(id, !enabled))
		return err
	})
}

// SetPassword replaces the password of the secret named username
func (c *Client) SetPassword(ctx context.Context, target Target, username, secret string) Result {
	return c.withSession(ctx, "set_password", target, func(ctx context.Context, s Session) error {
		id, err := lookupSecretID(ctx, s, username)
		if err != nil {
			return err
		}
		_, err = s.Run(ctx, setPasswordCommand(id, secret))
		return err
	})
}

func lookupSecretID(ctx context.Context, s Session, username string) (string, error) {
	rows, err := s.Run(ctx, findSecretCommand(username))
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("%w: %q", errNotFound, username)
	}
	id := rows[0][".id"]
	if id == "" {
		return "", fmt.Errorf("secret %q returned without .id", username)
	}
	return id, nil
}

// withSession acquires a session, runs fn, and releases the session on every
// exit path. Failures are classified into a Result.
func (c *Client) withSession(ctx context.Context, op string, target Target, fn func(ctx context.Context, s Session) error) (res Result) {
	log := c.logger.With(
		zap.String("op", op),
		zap.String("router", target.Name),
		zap.String("address", target.HostPort()),
	)

	start := time.Now()
	defer func() {
		kind := string(res.Kind)
		if res.Success {
			kind = "ok"
		}
		metrics.DeviceCalls.WithLabelValues(op, kind).Inc()
		metrics.DeviceCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	if target.Address == "" || target.Username == "" || target.Password == "" {
		return Result{
			Kind:  KindUnknown,
			Error: errMissingConfig.Error(),
			Suggestions: []string{
				"Check router IP address",
				"Check API username",
				"Check API password",
			},
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.operationTimeout)
	defer cancel()

	log.Debug("opening routeros session")
	s, err := c.dial(ctx, target, c.connectTimeout)
	if err != nil {
		res = failure(err)
		log.Warn("routeros connection failed", zap.Error(err), zap.String("kind", string(res.Kind)))
		return res
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.Warn("failed to close routeros session", zap.Error(err))
		}
	}()

	if err := fn(ctx, s); err != nil {
		res = failure(err)
		log.Warn("routeros command failed", zap.Error(err), zap.String("kind", string(res.Kind)))
		return res
	}
	return ok()
}
