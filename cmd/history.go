package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/corpusqa/corpusqa/db"
	"github.com/corpusqa/corpusqa/internal/config"
	"github.com/corpusqa/corpusqa/internal/history"
)

const (
	historyListLimit = 100
	historyShowLimit = 500
)

var historyUser string

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Manage conversation history",
}

func init() {
	historyCmd.PersistentFlags().StringVar(&historyUser, "user", "cli", "user id")
	historyCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List conversations, most recently active first",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withHistoryStore(cmd.Context(), runHistoryList)
			},
		},
		&cobra.Command{
			Use:   "show <conversation-id>",
			Short: "Show the messages of a conversation",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withHistoryStore(cmd.Context(), func(ctx context.Context, store *history.Store) error {
					return runHistoryShow(ctx, store, args[0])
				})
			},
		},
		&cobra.Command{
			Use:   "delete <conversation-id>",
			Short: "Delete a conversation and its messages",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withHistoryStore(cmd.Context(), func(ctx context.Context, store *history.Store) error {
					return runHistoryDelete(ctx, store, args[0])
				})
			},
		},
	)
	rootCmd.AddCommand(historyCmd)
}

// withHistoryStore connects to the database and runs fn with a history
// store. History commands never talk to the model provider, so they
// skip the full application setup.
func withHistoryStore(ctx context.Context, fn func(context.Context, *history.Store) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresConnectionString())
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	logger := slog.Default()
	runner, err := history.NewPgxTxRunner(pool, logger)
	if err != nil {
		return fmt.Errorf("creating tx runner: %w", err)
	}
	store, err := history.NewStore(pool, runner, cfg.FreeChatLimit, logger)
	if err != nil {
		return fmt.Errorf("creating history store: %w", err)
	}

	return fn(ctx, store)
}

func runHistoryList(ctx context.Context, store *history.Store) error {
	conversations, err := store.Conversations(ctx, historyUser, historyListLimit)
	if err != nil {
		return fmt.Errorf("listing conversations: %w", err)
	}

	if len(conversations) == 0 {
		fmt.Println("No conversations yet.")
		return nil
	}

	for _, c := range conversations {
		fmt.Printf("%s  %q  %d messages, last active %s\n",
			c.ID, c.Title, c.MessageCount, formatTime(c.UpdatedAt))
	}
	return nil
}

func runHistoryShow(ctx context.Context, store *history.Store, conversationID string) error {
	messages, err := store.Messages(ctx, conversationID, historyShowLimit)
	if err != nil {
		return fmt.Errorf("loading messages: %w", err)
	}

	if len(messages) == 0 {
		fmt.Println("Conversation is empty or does not exist.")
		return nil
	}

	for _, msg := range messages {
		role := "You"
		if msg.Type == history.MessageBot {
			role = "Bot"
		}
		fmt.Printf("[%s] %s> %s\n", formatTime(msg.Timestamp), role, msg.Content)
		for _, src := range msg.Sources {
			fmt.Printf("    source: %s\n", src.Document)
		}
		fmt.Println()
	}
	return nil
}

func runHistoryDelete(ctx context.Context, store *history.Store, conversationID string) error {
	deleted, err := store.DeleteConversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}
	if deleted == 0 {
		fmt.Printf("Conversation %s not found.\n", conversationID)
		return nil
	}
	fmt.Printf("Deleted conversation %s (%d messages).\n", conversationID, deleted)
	return nil
}

// formatTime formats time in a human-readable relative format.
func formatTime(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return fmt.Sprintf("%d minutes ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%d hours ago", int(diff.Hours()))
	case diff < 7*24*time.Hour:
		return fmt.Sprintf("%d days ago", int(diff.Hours()/24))
	default:
		return t.Format("2006-01-02 15:04")
	}
}
