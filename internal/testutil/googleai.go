package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// GoogleAISetup contains the resources for tests that call the real
// Google AI API.
type GoogleAISetup struct {
	Genkit   *genkit.Genkit
	Embedder ai.Embedder
	Logger   *slog.Logger
}

// embedderModel must match the production embedder so test vectors are
// comparable with index contents.
const embedderModel = "gemini-embedding-001"

// SetupGoogleAI initializes Genkit with the Google AI plugin for
// integration tests. Skips the test when GEMINI_API_KEY is not set.
func SetupGoogleAI(t *testing.T) *GoogleAISetup {
	t.Helper()

	setup, err := SetupGoogleAIForMain()
	if err != nil {
		t.Skip(err)
	}
	return setup
}

// SetupGoogleAIForMain is the TestMain variant of SetupGoogleAI: it
// returns an error instead of skipping, so TestMain can exit cleanly.
func SetupGoogleAIForMain() (*GoogleAISetup, error) {
	if os.Getenv("GEMINI_API_KEY") == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY not set - skipping tests requiring Google AI")
	}

	ctx := context.Background()
	g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))

	embedder := googlegenai.GoogleAIEmbedder(g, embedderModel)
	if embedder == nil {
		return nil, fmt.Errorf("embedder %s not available", embedderModel)
	}

	return &GoogleAISetup{
		Genkit:   g,
		Embedder: embedder,
		Logger:   DiscardLogger(),
	}, nil
}
