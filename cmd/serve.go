package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bnema/turnguard/internal/adapters/conversation/memory"
	"github.com/bnema/turnguard/internal/adapters/host/ndjson"
	"github.com/bnema/turnguard/internal/adapters/repo/jsonfile"
	"github.com/bnema/turnguard/internal/application"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(app *app) *cobra.Command {
	var noBackground bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Bridge a host agent over NDJSON on stdin and stdout",
		Long:  "serve reads one JSON event per line from stdin and writes one JSON reply per line to stdout. Logs go to stderr.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := app.rotator.Load(ctx); err != nil {
				return err
			}

			bridge := ndjson.NewBridge(cmd.OutOrStdout(), ndjson.Options{
				Sessions:   memory.NewStore(),
				Cache:      app.cache,
				Authorizer: app.authorizer,
				Clock:      app.clock,
				Logger:     app.logger,
			})
			recovery := application.NewRecoveryService(application.RecoveryConfig{
				SessionRecovery: app.cfg.SessionRecovery,
				AutoResume:      app.cfg.AutoResume,
				ResumeText:      app.cfg.ResumeText,
			}, bridge, bridge, app.clock, app.logger)

			recoveryDone := make(chan error, 1)
			go func() { recoveryDone <- recovery.Run(ctx, bridge.Events()) }()

			stops := []func(){app.cache.Start(ctx).Stop}
			if !noBackground {
				stops = append(stops, app.tokens.Start(ctx).Stop, followCredentials(ctx, app))
			}

			serveErr := bridge.Serve(ctx, cmd.InOrStdin())

			for _, halt := range stops {
				halt()
			}
			if err := <-recoveryDone; err != nil && !errors.Is(err, context.Canceled) {
				app.logger.Warn("recovery loop stopped", zap.Error(err))
			}
			app.tokens.Wait()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := app.cache.Shutdown(shutdownCtx); err != nil {
				app.logger.Warn("final signature cache write failed", zap.Error(err))
			}

			if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
				return fmt.Errorf("serve: %w", serveErr)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noBackground, "no-background", false, "Disable token renewal and credential file watching")

	return cmd
}

// followCredentials reloads the rotator when another process rewrites the
// credentials file. The returned func stops both the watcher and the reload
// loop.
func followCredentials(ctx context.Context, app *app) func() {
	watcher, err := jsonfile.NewWatcher(app.repo.Path(), 0, app.logger)
	if err != nil {
		app.logger.Warn("credential file watching disabled", zap.Error(err))
		return func() {}
	}
	watcher.Start(ctx)
	follow := app.rotator.Follow(ctx, watcher.Changes())

	return func() {
		if err := watcher.Stop(); err != nil {
			app.logger.Warn("stop credential watcher", zap.Error(err))
		}
		follow.Stop()
	}
}
