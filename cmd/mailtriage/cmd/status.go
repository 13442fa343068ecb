package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show accounts and database statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		accounts, err := s.ListAccounts()
		if err != nil {
			return fmt.Errorf("list accounts: %w", err)
		}

		fmt.Printf("Database: %s\n", cfg.DatabasePath)
		for _, acc := range accounts {
			state := "ok"
			if !acc.Healthy {
				state = "unhealthy"
				if acc.LastError.Valid {
					state = "unhealthy: " + acc.LastError.String
				}
			}
			last := "never"
			if acc.LastSyncedAt.Valid {
				last = acc.LastSyncedAt.Time.Local().Format("2006-01-02 15:04:05")
			}
			fmt.Printf("  %-16s %-28s %-8s last sync %s (%s)\n",
				acc.ID, acc.Email, acc.Provider, last, state)
		}

		stats, err := s.GetStats()
		if err != nil {
			return fmt.Errorf("get stats: %w", err)
		}
		fmt.Printf("  Messages:    %d\n", stats.MessageCount)
		fmt.Printf("  Classified:  %d\n", stats.ClassifiedCount)
		fmt.Printf("  Pending ops: %d\n", stats.PendingOpsCount)
		fmt.Printf("  Feedback:    %d\n", stats.FeedbackCount)
		fmt.Printf("  Size:        %.2f MB\n", float64(stats.DatabaseSizeBytes)/(1024*1024))

		failed, err := s.ListFailedPending("")
		if err != nil {
			return fmt.Errorf("list failed operations: %w", err)
		}
		if len(failed) > 0 {
			fmt.Printf("\nFailed operations (%d):\n", len(failed))
			for _, op := range failed {
				fmt.Printf("  #%d %s %s message %d: %s\n",
					op.ID, op.AccountID, op.Op, op.MessageID, op.LastError.String)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
