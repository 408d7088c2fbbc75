package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/septivank/router-secrets-worker/internal/logging"
	"github.com/septivank/router-secrets-worker/internal/scheduler"
	"go.uber.org/zap"
)

// Command actions accepted on the router command queue
const (
	CommandResync    = "resync"
	CommandTest      = "test"
	CommandExpireNow = "expire_now"
)

// RouterCommand is the body of a router command message
type RouterCommand struct {
	RequestID string    `json:"request_id"`
	Action    string    `json:"action"`
	RouterID  uuid.UUID `json:"router_id"`
}

// Expirer runs a single enforcement tick
type Expirer interface {
	RunOnce(ctx context.Context) scheduler.TickReport
}

// CommandHandler dispatches router commands from the message queue
type CommandHandler struct {
	sync     *SyncService
	accounts *AccountService
	expirer  Expirer
	logger   *zap.Logger
}

// NewCommandHandler creates a new command handler
func NewCommandHandler(sync *SyncService, accounts *AccountService, expirer Expirer, logger *zap.Logger) *CommandHandler {
	return &CommandHandler{
		sync:     sync,
		accounts: accounts,
		expirer:  expirer,
		logger:   logger,
	}
}

// Handle processes one message body. A returned error dead-letters the
// message; device failures are final outcomes and are acknowledged.
func (h *CommandHandler) Handle(ctx context.Context, body []byte) error {
	var cmd RouterCommand
	if err := json.Unmarshal(body, &cmd); err != nil {
		h.logger.Error("failed to unmarshal router command", zap.Error(err))
		return fmt.Errorf("unmarshal router command: %w", err)
	}

	log := logging.WithRequestID(h.logger, cmd.RequestID).With(zap.String("action", cmd.Action))
	if cmd.Action != CommandExpireNow && cmd.RouterID == uuid.Nil {
		log.Warn("router command without router_id")
		return fmt.Errorf("router command %q: router_id is required", cmd.Action)
	}

	err := h.dispatch(ctx, log, cmd)

	var derr *DeviceError
	if errors.As(err, &derr) {
		log.Warn("router command finished with device failure",
			zap.String("router_id", cmd.RouterID.String()),
			zap.String("kind", string(derr.Result.Kind)),
			zap.String("error", derr.Result.Error),
		)
		return nil
	}
	if err != nil {
		log.Error("router command failed", zap.String("router_id", cmd.RouterID.String()), zap.Error(err))
		return err
	}
	return nil
}

func (h *CommandHandler) dispatch(ctx context.Context, log *zap.Logger, cmd RouterCommand) error {
	switch cmd.Action {
	case CommandResync:
		summary, err := h.sync.Resync(ctx, cmd.RouterID)
		if err != nil {
			return err
		}
		log.Info("resync command completed",
			zap.Int("created", len(summary.Created)),
			zap.Int("updated", len(summary.Updated)),
		)
		return nil

	case CommandTest:
		res, err := h.accounts.TestConnection(ctx, cmd.RouterID)
		if err != nil {
			return err
		}
		if !res.Success {
			return &DeviceError{Op: "test connection", Result: res}
		}
		log.Info("test command completed", zap.String("identity", res.Identity))
		return nil

	case CommandExpireNow:
		report := h.expirer.RunOnce(ctx)
		if report.Err != nil {
			return report.Err
		}
		log.Info("expire command completed",
			zap.Bool("skipped", report.Skipped),
			zap.Int("expired", report.Expired),
			zap.Int("failed", report.Failed),
		)
		return nil

	default:
		return fmt.Errorf("unknown router command action %q", cmd.Action)
	}
}
