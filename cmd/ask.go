package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/corpusqa/corpusqa/internal/app"
	"github.com/corpusqa/corpusqa/internal/chat"
	"github.com/corpusqa/corpusqa/internal/config"
	"github.com/corpusqa/corpusqa/internal/history"
)

var (
	askUser         string
	askConversation string
	askConcise      bool
	askDebug        bool
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Answer a question against the indexed corpus",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

func init() {
	askCmd.Flags().StringVar(&askUser, "user", "cli", "user id for quota and conversation history")
	askCmd.Flags().StringVar(&askConversation, "conversation", "", "conversation id (empty = new conversation)")
	askCmd.Flags().BoolVar(&askConcise, "concise", false, "short answer, no persistence or quota")
	askCmd.Flags().BoolVar(&askDebug, "debug", false, "show retrieved passages instead of persisting a turn")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	if err := checkRequiredEnv(); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Setup(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: cleanup failed: %v\n", err)
		}
	}()

	question := strings.TrimSpace(strings.Join(args, " "))
	if question == "" {
		return errors.New("question is empty")
	}

	switch {
	case askDebug:
		return runAskDebug(ctx, a, question)
	case askConcise:
		if _, err := a.Engine.CheckQuota(ctx, askUser); err != nil {
			if errors.Is(err, chat.ErrQuotaExceeded) {
				fmt.Fprintln(os.Stderr, "You have used all your free chats.")
				return err
			}
			return fmt.Errorf("checking quota: %w", err)
		}
		answer, err := a.Engine.AskConcise(ctx, question)
		if err != nil {
			return fmt.Errorf("generating answer: %w", err)
		}
		fmt.Println(answer)
		return nil
	default:
		return runAskComprehensive(ctx, a, question)
	}
}

func runAskComprehensive(ctx context.Context, a *app.App, question string) error {
	// Quota is a caller concern: gate before spending retrieval and
	// generation work.
	if _, err := a.Engine.CheckQuota(ctx, askUser); err != nil {
		if errors.Is(err, chat.ErrQuotaExceeded) {
			fmt.Fprintln(os.Stderr, "You have used all your free chats.")
			return err
		}
		return fmt.Errorf("checking quota: %w", err)
	}

	answer, err := a.Engine.AskComprehensive(ctx, askUser, askConversation, question)
	if err != nil {
		return fmt.Errorf("answering question: %w", err)
	}

	fmt.Println(answer.Text)

	if len(answer.Sources) > 0 {
		fmt.Println()
		fmt.Println("Sources:")
		for _, src := range answer.Sources {
			if src.Score != nil {
				fmt.Printf("  - %s (score %.2f)\n", src.Document, *src.Score)
			} else {
				fmt.Printf("  - %s\n", src.Document)
			}
		}
	}

	fmt.Println()
	if answer.RemainingChats == history.Unlimited {
		fmt.Printf("Conversation: %s\n", answer.ConversationID)
	} else {
		fmt.Printf("Conversation: %s (chats remaining: %d)\n",
			answer.ConversationID, answer.RemainingChats)
	}
	if !answer.UserSaved || !answer.BotSaved {
		fmt.Fprintln(os.Stderr, "Warning: this turn was not fully saved to history")
	}

	return nil
}

func runAskDebug(ctx context.Context, a *app.App, question string) error {
	diag, err := a.Engine.Debug(ctx, question)
	if err != nil {
		return fmt.Errorf("running diagnostic: %w", err)
	}

	fmt.Println("Retrieved passages:")
	for _, p := range diag.Passages {
		fmt.Printf("%2d. %s (similarity %.3f)\n", p.Rank, p.Document, p.Similarity)
		fmt.Printf("    %s\n", p.Preview)
	}
	fmt.Println()
	fmt.Println("Answer:")
	fmt.Println(diag.Answer)
	return nil
}
