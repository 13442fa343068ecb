package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var reclassifyCmd = &cobra.Command{
	Use:   "reclassify <account>",
	Short: "Drop an account's AI verdicts so the next sync reclassifies",
	Long: `Clear every classification for an account. User feedback is kept,
so the next classification pass still benefits from past corrections.

The daemon reclassifies on its next cycle; when it is not running, run
'mailtriage sync <account>' afterwards.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		account := args[0]
		if _, ok := cfg.Accounts[account]; !ok {
			return fmt.Errorf("account %q not configured", account)
		}

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		n, err := s.ClearClassifications(account)
		if err != nil {
			return fmt.Errorf("clear classifications: %w", err)
		}
		fmt.Printf("Cleared %d classification(s) for %s\n", n, account)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reclassifyCmd)
}
