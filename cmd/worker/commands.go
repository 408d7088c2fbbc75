package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/septivank/router-secrets-worker/internal/config"
	"github.com/septivank/router-secrets-worker/internal/db"
	"github.com/septivank/router-secrets-worker/internal/scheduler"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	startTimeout = 30 * time.Second
	stopTimeout  = 90 * time.Second
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "router-secrets-worker",
		Short:         "Keeps PPPoE secrets on RouterOS devices in line with the local record",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newServeCmd(), newMigrateCmd(), newExpireOnceCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the expiration loop, the operational API and the command consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app := fx.New(
		fx.NopLogger,
		coreModule,
		serveModule,
	)

	startCtx, startCancel := context.WithTimeout(context.Background(), startTimeout)
	defer startCancel()

	if err := app.Start(startCtx); err != nil {
		if errors.Is(startCtx.Err(), context.DeadlineExceeded) {
			fmt.Fprintf(os.Stderr, "application did not start within %s; the database or RabbitMQ is probably unreachable\n", startTimeout)
		}
		return err
	}

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		return fmt.Errorf("error stopping app: %w", err)
	}
	return nil
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
			defer cancel()

			pool, err := db.Open(ctx, cfg.Database.URL)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := db.Migrate(ctx, pool); err != nil {
				return err
			}
			logger.Info("database migrations applied")
			return nil
		},
	}
}

func newExpireOnceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire-once",
		Short: "Run a single expiration tick and print its report",
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				sched  *scheduler.ExpirationScheduler
				logger *zap.Logger
			)
			app := fx.New(
				fx.NopLogger,
				coreModule,
				fx.Populate(&sched, &logger),
			)

			startCtx, startCancel := context.WithTimeout(context.Background(), startTimeout)
			defer startCancel()
			if err := app.Start(startCtx); err != nil {
				return err
			}
			defer func() {
				stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
				defer stopCancel()
				if err := app.Stop(stopCtx); err != nil {
					logger.Error("error stopping app", zap.Error(err))
				}
			}()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			report := sched.RunOnce(ctx)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			return report.Err
		},
	}
}
