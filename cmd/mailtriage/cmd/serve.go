package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/mailtriage/mailtriage/internal/api"
	"github.com/mailtriage/mailtriage/internal/engine"
	"github.com/mailtriage/mailtriage/internal/events"
	"github.com/mailtriage/mailtriage/internal/scheduler"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync daemon and HTTP API",
	Long: `Start the long-running daemon: one sync worker per configured
account, the cron scheduler when sync.schedule is set, and the HTTP API
on the loopback interface.

Runs until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(cfg.Accounts) == 0 {
			return fmt.Errorf("no accounts configured")
		}

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		classifier, err := buildClassifier()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		bus := events.NewBus()
		eng := engine.New(s, cfg, bus,
			engine.WithLogger(logger),
			engine.WithClassifier(classifier),
		)
		if err := eng.Start(ctx); err != nil {
			return fmt.Errorf("start engine: %w", err)
		}
		defer eng.Close()

		// Kick off an initial cycle for every account before the first
		// scheduled fire.
		eng.TriggerAll()

		var sched *scheduler.Scheduler
		if cfg.Sync.Schedule != "" {
			sched = scheduler.New(eng.Trigger).WithLogger(logger)
			for id := range cfg.Accounts {
				if err := sched.AddAccount(id, cfg.Sync.Schedule); err != nil {
					return err
				}
			}
			sched.Start()
			defer sched.Stop()
		}

		srv := api.NewServer(cfg, s, eng, bus, logger)
		serverErr := make(chan error, 1)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()

		select {
		case <-ctx.Done():
		case err := <-serverErr:
			cancel()
			eng.Wait()
			return fmt.Errorf("api server: %w", err)
		}

		logger.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("api shutdown", "error", err)
		}
		eng.Wait()
		return ctx.Err()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
