package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mailtriage/mailtriage/internal/engine"
	"github.com/mailtriage/mailtriage/internal/events"
)

var syncCmd = &cobra.Command{
	Use:   "sync [account]",
	Short: "Run one sync cycle and exit",
	Long: `Perform a single sync cycle: push queued local changes to the
provider, fetch new and changed messages, and classify the backlog.

If no account is given, every configured account is synced.

Examples:
  mailtriage sync           # Sync all accounts
  mailtriage sync personal  # Sync one account`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		classifier, err := buildClassifier()
		if err != nil {
			return err
		}

		var accounts []string
		if len(args) == 1 {
			if _, ok := cfg.Accounts[args[0]]; !ok {
				return fmt.Errorf("account %q not configured", args[0])
			}
			accounts = []string{args[0]}
		} else {
			for id := range cfg.Accounts {
				accounts = append(accounts, id)
			}
			if len(accounts) == 0 {
				return fmt.Errorf("no accounts configured")
			}
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		bus := events.NewBus()
		ch, unsubscribe := bus.Subscribe(64)
		defer unsubscribe()

		eng := engine.New(s, cfg, bus,
			engine.WithLogger(logger),
			engine.WithClassifier(classifier),
		)
		if err := eng.Start(ctx); err != nil {
			return fmt.Errorf("start engine: %w", err)
		}
		defer eng.Close()

		for _, id := range accounts {
			if err := eng.Trigger(id); err != nil {
				return err
			}
		}

		// Wait for one terminal event per account.
		remaining := make(map[string]bool, len(accounts))
		for _, id := range accounts {
			remaining[id] = true
		}
		var failures int
		for len(remaining) > 0 {
			select {
			case <-ctx.Done():
				cancel()
				eng.Wait()
				return ctx.Err()
			case ev := <-ch:
				if !remaining[ev.AccountID] {
					continue
				}
				switch ev.Type {
				case events.TypeSyncCompleted:
					delete(remaining, ev.AccountID)
					fmt.Printf("%s: synced (%v fetched, %v classified)\n",
						ev.AccountID, ev.Data["fetched"], ev.Data["classified"])
				case events.TypeSyncFailed:
					delete(remaining, ev.AccountID)
					failures++
					fmt.Printf("%s: failed: %v\n", ev.AccountID, ev.Data["error"])
				}
			}
		}

		cancel()
		eng.Wait()
		if failures > 0 {
			return fmt.Errorf("%d account(s) failed to sync", failures)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
