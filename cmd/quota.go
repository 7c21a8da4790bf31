package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/corpusqa/corpusqa/internal/history"
)

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Show remaining free-tier chats for a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withHistoryStore(cmd.Context(), runQuota)
	},
}

func init() {
	quotaCmd.Flags().StringVar(&historyUser, "user", "cli", "user id")
	rootCmd.AddCommand(quotaCmd)
}

func runQuota(ctx context.Context, store *history.Store) error {
	remaining, err := store.RemainingChats(ctx, historyUser)
	if err != nil {
		return fmt.Errorf("checking quota: %w", err)
	}

	if remaining == history.Unlimited {
		fmt.Printf("User %s has unlimited chats (premium).\n", historyUser)
		return nil
	}
	fmt.Printf("User %s has %d free chats remaining.\n", historyUser, remaining)
	return nil
}
