package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/gryagbot/gryag-backend/internal/assembler"
	"github.com/gryagbot/gryag-backend/internal/llm"
	"github.com/gryagbot/gryag-backend/internal/logger"
	"github.com/gryagbot/gryag-backend/internal/repos"
	"github.com/gryagbot/gryag-backend/internal/tokens"
	"github.com/gryagbot/gryag-backend/internal/tools"
	"github.com/gryagbot/gryag-backend/internal/types"
)

// ---------------- Fakes ----------------

type fakeGateway struct {
	requests []llm.CompletionRequest
	respond  func(req llm.CompletionRequest) (*llm.Completion, error)
}

func (g *fakeGateway) Complete(ctx context.Context, req llm.CompletionRequest) (string, error) {
	comp, err := g.CompleteWithTools(ctx, req)
	if err != nil {
		return "", err
	}
	return comp.Text, nil
}

func (g *fakeGateway) CompleteWithTools(_ context.Context, req llm.CompletionRequest) (*llm.Completion, error) {
	g.requests = append(g.requests, req)
	return g.respond(req)
}

func (g *fakeGateway) CompleteVision(ctx context.Context, req llm.CompletionRequest) (string, error) {
	comp, err := g.CompleteWithTools(ctx, req)
	if err != nil {
		return "", err
	}
	return comp.Text, nil
}

type fakeChats struct{ rows map[int64]*types.Chat }

func (f *fakeChats) GetOrCreate(_ context.Context, _ *gorm.DB, c *types.Chat) (*types.Chat, error) {
	f.rows[c.ID] = c
	return c, nil
}

func (f *fakeChats) GetByID(_ context.Context, _ *gorm.DB, chatID int64) (*types.Chat, error) {
	if c, ok := f.rows[chatID]; ok {
		return c, nil
	}
	return nil, repos.ErrNotFound
}

func (f *fakeChats) GetActive(_ context.Context, _ *gorm.DB) ([]*types.Chat, error) {
	var out []*types.Chat
	for _, c := range f.rows {
		out = append(out, c)
	}
	return out, nil
}

type fakeUsers struct{ rows map[int64]*types.User }

func (f *fakeUsers) GetOrCreate(_ context.Context, _ *gorm.DB, u *types.User) (*types.User, error) {
	f.rows[u.ID] = u
	return u, nil
}

func (f *fakeUsers) GetByID(_ context.Context, _ *gorm.DB, userID int64) (*types.User, error) {
	if u, ok := f.rows[userID]; ok {
		return u, nil
	}
	return nil, repos.ErrNotFound
}

type fakeMessages struct{ rows []*types.Message }

func (f *fakeMessages) Add(_ context.Context, _ *gorm.DB, m *types.Message) (*types.Message, error) {
	m.ID = int64(len(f.rows) + 1)
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC).Add(time.Duration(len(f.rows)) * time.Minute)
	}
	f.rows = append(f.rows, m)
	return m, nil
}

func (f *fakeMessages) GetRecent(_ context.Context, _ *gorm.DB, chatID int64, limit int) ([]*types.Message, error) {
	var mine []*types.Message
	for _, m := range f.rows {
		if m.ChatID == chatID {
			mine = append(mine, m)
		}
	}
	if len(mine) > limit {
		mine = mine[len(mine)-limit:]
	}
	return mine, nil
}

func (f *fakeMessages) GetBetween(_ context.Context, _ *gorm.DB, _ int64, _, _ time.Time) ([]*types.Message, error) {
	return nil, nil
}

func (f *fakeMessages) FindByExternalID(_ context.Context, _ *gorm.DB, chatID, externalID int64) (*types.Message, error) {
	for _, m := range f.rows {
		if m.ChatID == chatID && m.ExternalMessageID == externalID {
			return m, nil
		}
	}
	return nil, repos.ErrNotFound
}

func (f *fakeMessages) DeleteOld(_ context.Context, _ *gorm.DB, _ int64, _ time.Time) (int64, error) {
	return 0, nil
}

type fakeSummaries struct{}

func (fakeSummaries) Add(_ context.Context, _ *gorm.DB, s *types.Summary) (*types.Summary, error) {
	return s, nil
}

func (fakeSummaries) GetCurrent(_ context.Context, _ *gorm.DB, _ int64, _ string) (*types.Summary, error) {
	return nil, repos.ErrNotFound
}

func (fakeSummaries) GetAllForChat(_ context.Context, _ *gorm.DB, _ int64) ([]*types.Summary, error) {
	return nil, nil
}

type fakeMemories struct{ rows []*types.UserMemory }

func (f *fakeMemories) Add(_ context.Context, _ *gorm.DB, userID int64, fact string) (*types.UserMemory, error) {
	m := &types.UserMemory{ID: int64(len(f.rows) + 1), UserID: userID, Fact: fact}
	f.rows = append(f.rows, m)
	return m, nil
}

func (f *fakeMemories) List(_ context.Context, _ *gorm.DB, userID int64, _ string) ([]*types.UserMemory, error) {
	var out []*types.UserMemory
	for _, m := range f.rows {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeMemories) Count(_ context.Context, _ *gorm.DB, _ int64) (int64, error) {
	return int64(len(f.rows)), nil
}

func (f *fakeMemories) DeleteByID(_ context.Context, _ *gorm.DB, _ int64) (bool, error) {
	return false, nil
}

func (f *fakeMemories) DeleteAllForUser(_ context.Context, _ *gorm.DB, _ int64) (int64, error) {
	return 0, nil
}

func (f *fakeMemories) FindDuplicate(_ context.Context, _ *gorm.DB, _ int64, _ string) (*types.UserMemory, error) {
	return nil, repos.ErrNotFound
}

// ---------------- Harness ----------------

type harness struct {
	gateway  *fakeGateway
	memories *fakeMemories
	orch     *Orchestrator
}

func newHarness(t *testing.T, respond func(req llm.CompletionRequest) (*llm.Completion, error)) *harness {
	t.Helper()
	log := logger.NewNop()

	gateway := &fakeGateway{respond: respond}
	memories := &fakeMemories{}
	messages := &fakeMessages{}
	users := &fakeUsers{rows: map[int64]*types.User{}}

	registry := tools.NewRegistry(time.Second, log)
	if err := registry.Register(tools.NewCalculatorTool()); err != nil {
		t.Fatalf("register calculator: %v", err)
	}
	if err := registry.Register(tools.NewSaveFactTool(memories, log), "remember_memory"); err != nil {
		t.Fatalf("register save_user_fact: %v", err)
	}

	asm := assembler.New(
		assembler.Config{WindowSize: 50, MaxTokens: 100000, BotName: "Гряг"},
		messages, fakeSummaries{}, memories, users,
		assembler.NewPromptStore(t.TempDir(), log),
		tokens.NewHeuristicEstimator(),
		registry,
		nil,
		log,
	)

	orch := New(
		gateway, registry, asm,
		&fakeChats{rows: map[int64]*types.Chat{}},
		users, messages,
		3,
		log,
	)
	return &harness{gateway: gateway, memories: memories, orch: orch}
}

func request(text string) Request {
	return Request{
		ChatID:            1,
		ChatType:          "group",
		User:              &types.User{ID: 10, Username: "oleh", FullName: "Олег"},
		ExternalMessageID: 100,
		Text:              text,
	}
}

func toolCallCompletion(name, arguments string) *llm.Completion {
	return &llm.Completion{ToolCalls: []llm.ToolCall{{ID: "call_1", Name: name, Arguments: arguments}}}
}

func lastToolMessage(req llm.CompletionRequest) (llm.Message, bool) {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "tool" {
			return req.Messages[i], true
		}
	}
	return llm.Message{}, false
}

// ---------------- Tests ----------------

func TestHandleMessageCalculatorTurn(t *testing.T) {
	h := newHarness(t, func(req llm.CompletionRequest) (*llm.Completion, error) {
		if msg, ok := lastToolMessage(req); ok {
			if !strings.Contains(msg.Content, `"result":"4"`) {
				t.Fatalf("unexpected tool result: %s", msg.Content)
			}
			return &llm.Completion{Text: "Чотири!", Model: "test-model"}, nil
		}
		return toolCallCompletion("calculator", `{"expression":"2+2"}`), nil
	})

	res, err := h.orch.HandleMessage(context.Background(), request("гряг, 2+2 скільки?"))
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if res.Text != "Чотири!" {
		t.Fatalf("unexpected reply: %q", res.Text)
	}
	if res.ToolCalls != 1 {
		t.Fatalf("expected 1 tool call, got %d", res.ToolCalls)
	}
	if len(h.gateway.requests) != 2 {
		t.Fatalf("expected 2 model calls, got %d", len(h.gateway.requests))
	}
}

func TestHandleMessageSavesFactForCaller(t *testing.T) {
	h := newHarness(t, func(req llm.CompletionRequest) (*llm.Completion, error) {
		if _, ok := lastToolMessage(req); ok {
			return &llm.Completion{Text: "Запам'ятав!"}, nil
		}
		return toolCallCompletion("remember_memory", `{"fact":"любить чай"}`), nil
	})

	res, err := h.orch.HandleMessage(context.Background(), request("запам'ятай що я люблю чай"))
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if res.Text != "Запам'ятав!" {
		t.Fatalf("unexpected reply: %q", res.Text)
	}

	if len(h.memories.rows) != 1 {
		t.Fatalf("expected 1 stored fact, got %d", len(h.memories.rows))
	}
	stored := h.memories.rows[0]
	// The subject is always the caller, regardless of model arguments.
	if stored.UserID != 10 {
		t.Fatalf("fact stored for user %d, want 10", stored.UserID)
	}
	if stored.Fact != "любить чай" {
		t.Fatalf("unexpected fact: %q", stored.Fact)
	}
}

func TestToolLoopCapForcesPlainAnswer(t *testing.T) {
	h := newHarness(t, func(req llm.CompletionRequest) (*llm.Completion, error) {
		if req.ToolChoice == llm.ToolChoiceNone {
			return &llm.Completion{Text: "Гаразд, зупиняюсь."}, nil
		}
		return toolCallCompletion("calculator", `{"expression":"1+1"}`), nil
	})

	res, err := h.orch.HandleMessage(context.Background(), request("рахуй без упину"))
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if res.Text != "Гаразд, зупиняюсь." {
		t.Fatalf("unexpected reply: %q", res.Text)
	}
	// maxIterations tool rounds plus the forced final call.
	if len(h.gateway.requests) != 4 {
		t.Fatalf("expected 4 model calls, got %d", len(h.gateway.requests))
	}
	last := h.gateway.requests[len(h.gateway.requests)-1]
	if last.ToolChoice != llm.ToolChoiceNone {
		t.Fatalf("final call must disable tools, got %q", last.ToolChoice)
	}
}

func TestUnknownToolFeedsErrorBackToModel(t *testing.T) {
	h := newHarness(t, func(req llm.CompletionRequest) (*llm.Completion, error) {
		if msg, ok := lastToolMessage(req); ok {
			if !strings.Contains(msg.Content, `"status":"error"`) {
				t.Fatalf("expected synthesized error result, got %s", msg.Content)
			}
			return &llm.Completion{Text: "Такого я не вмію."}, nil
		}
		return toolCallCompletion("launch_rockets", `{}`), nil
	})

	res, err := h.orch.HandleMessage(context.Background(), request("зроби щось дивне"))
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if res.Text != "Такого я не вмію." {
		t.Fatalf("unexpected reply: %q", res.Text)
	}
}

func TestMalformedArgumentsFeedErrorBackToModel(t *testing.T) {
	h := newHarness(t, func(req llm.CompletionRequest) (*llm.Completion, error) {
		if msg, ok := lastToolMessage(req); ok {
			if !strings.Contains(msg.Content, `"status":"error"`) {
				t.Fatalf("expected synthesized error result, got %s", msg.Content)
			}
			return &llm.Completion{Text: "Не зрозумів аргументи."}, nil
		}
		return toolCallCompletion("calculator", `{not json`), nil
	})

	if _, err := h.orch.HandleMessage(context.Background(), request("порахуй")); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
}

func TestGatewayErrorPropagates(t *testing.T) {
	h := newHarness(t, func(req llm.CompletionRequest) (*llm.Completion, error) {
		return nil, &llm.Error{Kind: llm.KindRateLimited, Msg: "busy"}
	})

	_, err := h.orch.HandleMessage(context.Background(), request("привіт"))
	if err == nil {
		t.Fatal("expected error")
	}
	if llm.KindOf(err) != llm.KindRateLimited {
		t.Fatalf("expected rate_limited, got %v", err)
	}
	if llm.UserMessage(err) == "" {
		t.Fatal("expected a user-facing message")
	}
}

func TestRecordAssistantReplyEntersContext(t *testing.T) {
	h := newHarness(t, func(req llm.CompletionRequest) (*llm.Completion, error) {
		return &llm.Completion{Text: "відповідь"}, nil
	})

	if _, err := h.orch.HandleMessage(context.Background(), request("привіт")); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if err := h.orch.RecordAssistantReply(context.Background(), 1, 101, "відповідь"); err != nil {
		t.Fatalf("RecordAssistantReply: %v", err)
	}

	if _, err := h.orch.HandleMessage(context.Background(), Request{
		ChatID:            1,
		User:              &types.User{ID: 10, FullName: "Олег"},
		ExternalMessageID: 102,
		Text:              "ще раз",
	}); err != nil {
		t.Fatalf("second HandleMessage: %v", err)
	}

	final := h.gateway.requests[len(h.gateway.requests)-1]
	foundAssistant := false
	for _, m := range final.Messages {
		if m.Role == "assistant" && m.Content == "відповідь" {
			foundAssistant = true
		}
	}
	if !foundAssistant {
		t.Fatal("recorded reply missing from subsequent context")
	}
}
