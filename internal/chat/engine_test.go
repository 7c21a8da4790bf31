package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/firebase/genkit/go/genkit"
	"go.uber.org/goleak"
	"golang.org/x/time/rate"

	"github.com/corpusqa/corpusqa/internal/corpus"
	"github.com/corpusqa/corpusqa/internal/history"
	"github.com/corpusqa/corpusqa/internal/log"
	"github.com/corpusqa/corpusqa/internal/rag"
	"github.com/corpusqa/corpusqa/internal/testutil"
)

type fakeRetriever struct {
	passages []corpus.Passage
	err      error
	calls    int
}

func (f *fakeRetriever) Retrieve(ctx context.Context, question string) ([]corpus.Passage, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.passages, nil
}

type savedMessage struct {
	userID         string
	conversationID string
	msgType        history.MessageType
	content        string
	sources        []rag.SourceRef
}

type fakeStore struct {
	mu        sync.Mutex
	saved     []savedMessage
	saveFails bool

	chatCount int
	incErr    error
	incCalls  int

	remaining    int
	remainingErr error
}

func (f *fakeStore) SaveMessage(ctx context.Context, userID, conversationID string, msgType history.MessageType, content string, sources []rag.SourceRef) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveFails {
		return false
	}
	f.saved = append(f.saved, savedMessage{userID, conversationID, msgType, content, sources})
	return true
}

func (f *fakeStore) IncrementChatCount(ctx context.Context, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.incCalls++
	if f.incErr != nil {
		return 0, f.incErr
	}
	f.chatCount++
	return f.chatCount, nil
}

func (f *fakeStore) RemainingChats(ctx context.Context, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remainingErr != nil {
		return 0, f.remainingErr
	}
	return f.remaining, nil
}

type fakeSweeper struct {
	mu    sync.Mutex
	users []string
}

func (f *fakeSweeper) SweepUser(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = append(f.users, userID)
	return nil
}

func (f *fakeSweeper) sweeps() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]string, len(f.users))
	copy(cp, f.users)
	return cp
}

// testEngine wires an Engine over the mock model with fast retries.
func testEngine(t *testing.T, mock *testutil.MockLLM, cfg Config) (*Engine, *sync.WaitGroup) {
	t.Helper()

	g := genkit.Init(context.Background())
	mock.RegisterModel(g)

	var wg sync.WaitGroup
	cfg.Genkit = g
	cfg.ModelName = testutil.MockModelName
	cfg.Logger = log.NewNop()
	cfg.WG = &wg
	if cfg.MaxContextTokens == 0 {
		cfg.MaxContextTokens = 2500
	}
	if cfg.FallbackContextTokens == 0 {
		cfg.FallbackContextTokens = 2000
	}
	if cfg.PromptTokenHardLimit == 0 {
		cfg.PromptTokenHardLimit = 5200
	}
	if cfg.SnippetChars == 0 {
		cfg.SnippetChars = 600
	}
	cfg.RetryConfig = RetryConfig{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}
	cfg.RateLimiter = rate.NewLimiter(rate.Inf, 1)

	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return e, &wg
}

func TestNew_Validation(t *testing.T) {
	g := genkit.Init(context.Background())
	base := Config{
		Genkit:                g,
		Retriever:             &fakeRetriever{},
		Store:                 &fakeStore{},
		ModelName:             "mock/test-model",
		MaxContextTokens:      2500,
		FallbackContextTokens: 2000,
		PromptTokenHardLimit:  5200,
		SnippetChars:          600,
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing genkit", func(c *Config) { c.Genkit = nil }},
		{"missing retriever", func(c *Config) { c.Retriever = nil }},
		{"missing store", func(c *Config) { c.Store = nil }},
		{"missing model", func(c *Config) { c.ModelName = "" }},
		{"zero context budget", func(c *Config) { c.MaxContextTokens = 0 }},
		{"fallback above max", func(c *Config) { c.FallbackContextTokens = 3000 }},
		{"hard limit below max", func(c *Config) { c.PromptTokenHardLimit = 2000 }},
		{"zero snippet chars", func(c *Config) { c.SnippetChars = 0 }},
		{"sweeper without wg", func(c *Config) { c.Sweeper = &fakeSweeper{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			if _, err := New(cfg); err == nil {
				t.Error("New() expected error, got nil")
			}
		})
	}
}

func TestAskComprehensive_FullTurn(t *testing.T) {
	retriever := &fakeRetriever{passages: []corpus.Passage{
		{Text: "Rainfall in region X declined steadily.", Metadata: map[string]string{"source": "climate_report"}, Similarity: 0.9},
		{Text: "Annual precipitation measurements.", Similarity: 0.8},
		{Text: "Irrigation demand grew with drought.", Similarity: 0.7},
	}}
	store := &fakeStore{remaining: 2}
	sweeper := &fakeSweeper{}

	mock := testutil.NewMockLLM("no match")
	mock.AddResponse("rainfall trend", "Rainfall has declined over the past decade.")

	e, wg := testEngine(t, mock, Config{Retriever: retriever, Store: store, Sweeper: sweeper})

	// Anything started before this point (genkit internals) is not ours;
	// the sweep goroutine must be gone by the end of the test.
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ans, err := e.AskComprehensive(context.Background(), "user-1", "conv-1", "What is the rainfall trend in region X?")
	if err != nil {
		t.Fatalf("AskComprehensive() error = %v", err)
	}
	wg.Wait()

	if ans.Text != "Rainfall has declined over the past decade." {
		t.Errorf("Text = %q", ans.Text)
	}
	if ans.ConversationID != "conv-1" {
		t.Errorf("ConversationID = %q, want conv-1", ans.ConversationID)
	}
	if len(ans.Sources) != 3 {
		t.Errorf("len(Sources) = %d, want all 3 included passages", len(ans.Sources))
	}
	if ans.Sources[0].Document != "climate_report" {
		t.Errorf("Sources[0].Document = %q", ans.Sources[0].Document)
	}
	if !ans.UserSaved || !ans.BotSaved {
		t.Errorf("UserSaved/BotSaved = %v/%v, want true/true", ans.UserSaved, ans.BotSaved)
	}
	if ans.ChatCount != 1 {
		t.Errorf("ChatCount = %d, want 1", ans.ChatCount)
	}
	if ans.RemainingChats != 2 {
		t.Errorf("RemainingChats = %d, want 2", ans.RemainingChats)
	}

	if len(store.saved) != 2 {
		t.Fatalf("saved %d messages, want 2", len(store.saved))
	}
	if store.saved[0].msgType != history.MessageUser || store.saved[1].msgType != history.MessageBot {
		t.Errorf("message order = %v, %v", store.saved[0].msgType, store.saved[1].msgType)
	}
	if store.saved[0].conversationID != store.saved[1].conversationID {
		t.Error("messages saved under different conversations")
	}
	if store.saved[1].sources == nil {
		t.Error("bot message saved without sources")
	}
	if store.incCalls != 1 {
		t.Errorf("increment calls = %d, want exactly 1", store.incCalls)
	}
	if got := sweeper.sweeps(); len(got) != 1 || got[0] != "user-1" {
		t.Errorf("sweeps = %v, want one for user-1", got)
	}
}

func TestAskComprehensive_DefaultConversationID(t *testing.T) {
	retriever := &fakeRetriever{passages: []corpus.Passage{{Text: "content", Similarity: 0.5}}}
	mock := testutil.NewMockLLM("answer")

	for _, id := range []string{"", "default"} {
		store := &fakeStore{}
		e, wg := testEngine(t, mock, Config{Retriever: retriever, Store: store})

		ans, err := e.AskComprehensive(context.Background(), "user-9", id, "question")
		if err != nil {
			t.Fatalf("AskComprehensive() error = %v", err)
		}
		wg.Wait()
		if !strings.HasPrefix(ans.ConversationID, "conv_user-9_") {
			t.Errorf("ConversationID = %q, want generated conv_user-9_<unix>", ans.ConversationID)
		}
	}
}

func TestAskComprehensive_PersistenceFailureStillCharges(t *testing.T) {
	retriever := &fakeRetriever{passages: []corpus.Passage{{Text: "content", Similarity: 0.5}}}
	store := &fakeStore{saveFails: true, remaining: 1}
	mock := testutil.NewMockLLM("the answer")

	e, wg := testEngine(t, mock, Config{Retriever: retriever, Store: store})

	ans, err := e.AskComprehensive(context.Background(), "user-1", "conv-1", "question")
	if err != nil {
		t.Fatalf("AskComprehensive() error = %v", err)
	}
	wg.Wait()

	if ans.Text != "the answer" {
		t.Errorf("Text = %q, answer must be served despite persistence failure", ans.Text)
	}
	if ans.UserSaved || ans.BotSaved {
		t.Errorf("UserSaved/BotSaved = %v/%v, want false/false", ans.UserSaved, ans.BotSaved)
	}
	if store.incCalls != 1 {
		t.Errorf("increment calls = %d, quota must be charged anyway", store.incCalls)
	}
}

func TestAskComprehensive_RetrievalFailure(t *testing.T) {
	retriever := &fakeRetriever{err: errors.New("index down")}
	store := &fakeStore{}
	mock := testutil.NewMockLLM("answer")

	e, _ := testEngine(t, mock, Config{Retriever: retriever, Store: store})

	if _, err := e.AskComprehensive(context.Background(), "user-1", "conv-1", "question"); err == nil {
		t.Fatal("AskComprehensive() expected error")
	}
	if len(store.saved) != 0 {
		t.Error("no messages should be saved when retrieval fails")
	}
	if store.incCalls != 0 {
		t.Error("quota must not be charged when retrieval fails")
	}
}

func TestAskComprehensive_EmptyRetrieval(t *testing.T) {
	retriever := &fakeRetriever{}
	store := &fakeStore{}
	mock := testutil.NewMockLLM("answer")

	e, _ := testEngine(t, mock, Config{Retriever: retriever, Store: store})

	_, err := e.AskComprehensive(context.Background(), "user-1", "conv-1", "question")
	if !errors.Is(err, ErrNoContext) {
		t.Fatalf("error = %v, want ErrNoContext", err)
	}
	if len(store.saved) != 0 {
		t.Error("no messages should be saved without retrieval candidates")
	}
	if store.incCalls != 0 {
		t.Error("quota must not be charged without retrieval candidates")
	}
	if calls := mock.Calls(); len(calls) != 0 {
		t.Errorf("model was called %d times, want 0", len(calls))
	}
}

func TestAskComprehensive_GenerationFailure(t *testing.T) {
	retriever := &fakeRetriever{passages: []corpus.Passage{{Text: "content", Similarity: 0.5}}}
	store := &fakeStore{}
	mock := testutil.NewMockLLM("answer")
	mock.FailNext(10, errors.New("invalid request"))

	e, _ := testEngine(t, mock, Config{Retriever: retriever, Store: store})

	_, err := e.AskComprehensive(context.Background(), "user-1", "conv-1", "question")
	if !errors.Is(err, ErrGeneration) {
		t.Fatalf("error = %v, want ErrGeneration", err)
	}
	if store.incCalls != 0 {
		t.Error("quota must not be charged when no answer was produced")
	}
}

func TestAskComprehensive_RetriesTransientErrors(t *testing.T) {
	retriever := &fakeRetriever{passages: []corpus.Passage{{Text: "content", Similarity: 0.5}}}
	store := &fakeStore{}
	mock := testutil.NewMockLLM("recovered answer")
	mock.FailNext(2, errors.New("503 service unavailable"))

	e, wg := testEngine(t, mock, Config{Retriever: retriever, Store: store})

	ans, err := e.AskComprehensive(context.Background(), "user-1", "conv-1", "question")
	if err != nil {
		t.Fatalf("AskComprehensive() error = %v, want success after retries", err)
	}
	wg.Wait()
	if ans.Text != "recovered answer" {
		t.Errorf("Text = %q", ans.Text)
	}
}

func TestAskComprehensive_HardLimitFallback(t *testing.T) {
	text1 := strings.TrimSpace(strings.Repeat("rainfall measurement data ", 20))
	text2 := strings.TrimSpace(strings.Repeat("irrigation demand record ", 20))
	retriever := &fakeRetriever{passages: []corpus.Passage{
		{Text: text1, Similarity: 0.9},
		{Text: text2, Similarity: 0.8},
	}}

	cost := rag.EstimateTokens(rag.Sanitize(text1))
	store := &fakeStore{}
	mock := testutil.NewMockLLM("answer")

	e, wg := testEngine(t, mock, Config{
		Retriever: retriever,
		Store:     store,
		// Both passages fit the default budget, but the full prompt
		// exceeds the hard limit, so assembly reruns with a fallback
		// budget that only fits the first passage.
		MaxContextTokens:      cost*2 + 10,
		FallbackContextTokens: cost + 2,
		PromptTokenHardLimit:  cost*2 + 11,
		SnippetChars:          2000,
	})

	ans, err := e.AskComprehensive(context.Background(), "user-1", "conv-1", "question")
	if err != nil {
		t.Fatalf("AskComprehensive() error = %v", err)
	}
	wg.Wait()

	if len(ans.Sources) != 1 {
		t.Fatalf("len(Sources) = %d, want 1 after fallback reassembly", len(ans.Sources))
	}
	if !strings.Contains(ans.Sources[0].Content, "rainfall") {
		t.Errorf("surviving source = %q, want the first passage", ans.Sources[0].Content)
	}
}

func TestAskConcise_NoSideEffects(t *testing.T) {
	retriever := &fakeRetriever{passages: []corpus.Passage{{Text: "content", Similarity: 0.5}}}
	store := &fakeStore{}
	mock := testutil.NewMockLLM("short answer")

	e, _ := testEngine(t, mock, Config{Retriever: retriever, Store: store})

	text, err := e.AskConcise(context.Background(), "question")
	if err != nil {
		t.Fatalf("AskConcise() error = %v", err)
	}
	if text != "short answer" {
		t.Errorf("text = %q", text)
	}
	if len(store.saved) != 0 || store.incCalls != 0 {
		t.Error("AskConcise must not persist or charge quota")
	}
}

func TestDebug_NoSideEffects(t *testing.T) {
	long := strings.Repeat("x", 400)
	retriever := &fakeRetriever{passages: []corpus.Passage{
		{Text: long, Metadata: map[string]string{"source": "doc-a"}, Similarity: 0.9},
		{Text: "short", Similarity: 0.4},
	}}
	store := &fakeStore{}
	mock := testutil.NewMockLLM("debug answer")

	e, _ := testEngine(t, mock, Config{Retriever: retriever, Store: store})

	diag, err := e.Debug(context.Background(), "question")
	if err != nil {
		t.Fatalf("Debug() error = %v", err)
	}
	if diag.Answer != "debug answer" {
		t.Errorf("Answer = %q", diag.Answer)
	}
	if len(diag.Passages) != 2 {
		t.Fatalf("len(Passages) = %d, want 2", len(diag.Passages))
	}
	if diag.Passages[0].Rank != 1 || diag.Passages[1].Rank != 2 {
		t.Error("ranks must be 1-based and ordered")
	}
	if len(diag.Passages[0].Preview) != debugPreviewChars {
		t.Errorf("preview length = %d, want capped at %d", len(diag.Passages[0].Preview), debugPreviewChars)
	}
	if diag.Passages[0].Document != "doc-a" {
		t.Errorf("Document = %q", diag.Passages[0].Document)
	}
	if len(store.saved) != 0 || store.incCalls != 0 {
		t.Error("Debug must not persist or charge quota")
	}
}

func TestCheckQuota(t *testing.T) {
	mock := testutil.NewMockLLM("answer")

	t.Run("has chats left", func(t *testing.T) {
		e, _ := testEngine(t, mock, Config{Retriever: &fakeRetriever{}, Store: &fakeStore{remaining: 2}})
		remaining, err := e.CheckQuota(context.Background(), "user-1")
		if err != nil {
			t.Fatalf("CheckQuota() error = %v", err)
		}
		if remaining != 2 {
			t.Errorf("remaining = %d, want 2", remaining)
		}
	})

	t.Run("exhausted", func(t *testing.T) {
		e, _ := testEngine(t, mock, Config{Retriever: &fakeRetriever{}, Store: &fakeStore{remaining: 0}})
		if _, err := e.CheckQuota(context.Background(), "user-1"); !errors.Is(err, ErrQuotaExceeded) {
			t.Errorf("error = %v, want ErrQuotaExceeded", err)
		}
	})

	t.Run("premium unlimited", func(t *testing.T) {
		e, _ := testEngine(t, mock, Config{Retriever: &fakeRetriever{}, Store: &fakeStore{remaining: history.Unlimited}})
		remaining, err := e.CheckQuota(context.Background(), "user-1")
		if err != nil {
			t.Fatalf("CheckQuota() error = %v", err)
		}
		if remaining != history.Unlimited {
			t.Errorf("remaining = %d, want unlimited sentinel", remaining)
		}
	})
}

func TestResolveConversationID(t *testing.T) {
	if got := resolveConversationID("u", "conv-7"); got != "conv-7" {
		t.Errorf("explicit id rewritten to %q", got)
	}
	if got := resolveConversationID("u", ""); !strings.HasPrefix(got, "conv_u_") {
		t.Errorf("empty id resolved to %q", got)
	}
	if got := resolveConversationID("u", "default"); !strings.HasPrefix(got, "conv_u_") {
		t.Errorf("placeholder id resolved to %q", got)
	}
}

func TestRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limit", errors.New("429 rate limit exceeded"), true},
		{"server error", errors.New("503 Service Unavailable"), true},
		{"network", errors.New("connection reset by peer"), true},
		{"timeout", errors.New("request Timeout"), true},
		{"permanent", errors.New("invalid argument"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryableError(tt.err); got != tt.want {
				t.Errorf("retryableError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
