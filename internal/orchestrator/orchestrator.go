package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gryagbot/gryag-backend/internal/assembler"
	"github.com/gryagbot/gryag-backend/internal/llm"
	"github.com/gryagbot/gryag-backend/internal/logger"
	"github.com/gryagbot/gryag-backend/internal/repos"
	"github.com/gryagbot/gryag-backend/internal/tools"
	"github.com/gryagbot/gryag-backend/internal/types"
)

// Orchestrator drives one conversational turn: persist the incoming
// message, assemble context, run the bounded tool loop, and hand back
// the final reply text.
type Orchestrator struct {
	gateway   llm.Gateway
	registry  *tools.Registry
	assembler *assembler.Assembler
	chats     repos.ChatRepo
	users     repos.UserRepo
	messages  repos.MessageRepo
	log       *logger.Logger

	maxIterations int
}

func New(
	gateway llm.Gateway,
	registry *tools.Registry,
	asm *assembler.Assembler,
	chats repos.ChatRepo,
	users repos.UserRepo,
	messages repos.MessageRepo,
	maxIterations int,
	baseLog *logger.Logger,
) *Orchestrator {
	if maxIterations <= 0 {
		maxIterations = 5
	}
	return &Orchestrator{
		gateway:       gateway,
		registry:      registry,
		assembler:     asm,
		chats:         chats,
		users:         users,
		messages:      messages,
		log:           baseLog.With("service", "Orchestrator"),
		maxIterations: maxIterations,
	}
}

// Request is one incoming message addressed to the bot.
type Request struct {
	ChatID            int64
	ChatType          string
	ChatTitle         string
	ChatMemberCount   int
	User              *types.User
	ExternalMessageID int64
	Text              string
	ContentType       string
	ReplyToExternalID *int64
}

// Result carries the reply and turn statistics.
type Result struct {
	Text      string
	Model     string
	ToolCalls int
}

// HandleMessage runs a full turn. Returned errors are *llm.Error values
// where the upstream is at fault; callers map them to user-facing text
// with llm.UserMessage.
func (o *Orchestrator) HandleMessage(ctx context.Context, req Request) (*Result, error) {
	if req.User == nil {
		return nil, fmt.Errorf("request has no user")
	}

	chat, err := o.chats.GetOrCreate(ctx, nil, &types.Chat{
		ID:          req.ChatID,
		ChatType:    req.ChatType,
		Title:       req.ChatTitle,
		MemberCount: req.ChatMemberCount,
	})
	if err != nil {
		return nil, fmt.Errorf("upsert chat: %w", err)
	}
	user, err := o.users.GetOrCreate(ctx, nil, req.User)
	if err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}

	contentType := req.ContentType
	if contentType == "" {
		contentType = "text"
	}
	if _, err := o.messages.Add(ctx, nil, &types.Message{
		ExternalMessageID: req.ExternalMessageID,
		ChatID:            req.ChatID,
		UserID:            &user.ID,
		Content:           req.Text,
		ContentType:       contentType,
		ReplyToMessageID:  req.ReplyToExternalID,
	}); err != nil {
		return nil, fmt.Errorf("store incoming message: %w", err)
	}

	asmCtx, err := o.assembler.Build(ctx, chat, user)
	if err != nil {
		return nil, fmt.Errorf("assemble context: %w", err)
	}

	// Image turns go straight to the vision endpoint; tools are text-only.
	if asmCtx.HasImage {
		text, err := o.gateway.CompleteVision(ctx, llm.CompletionRequest{
			Messages: asmCtx.Messages,
			ChatID:   req.ChatID,
		})
		if err != nil {
			return nil, err
		}
		return &Result{Text: text}, nil
	}

	caller := tools.Caller{
		UserID:   user.ID,
		ChatID:   req.ChatID,
		Username: user.Username,
	}
	comp, toolCalls, err := o.runToolLoop(ctx, req.ChatID, caller, asmCtx.Messages)
	if err != nil {
		return nil, err
	}
	return &Result{Text: comp.Text, Model: comp.Model, ToolCalls: toolCalls}, nil
}

// RecordAssistantReply persists the sent reply so it becomes part of
// subsequent context windows.
func (o *Orchestrator) RecordAssistantReply(ctx context.Context, chatID, externalMessageID int64, text string) error {
	_, err := o.messages.Add(ctx, nil, &types.Message{
		ExternalMessageID: externalMessageID,
		ChatID:            chatID,
		Content:           text,
		ContentType:       "text",
		IsAssistant:       true,
	})
	return err
}

// runToolLoop alternates model calls and tool executions until the
// model answers in plain text or the iteration cap is hit. On the cap,
// one last call with tools disabled forces a textual answer.
func (o *Orchestrator) runToolLoop(ctx context.Context, chatID int64, caller tools.Caller, msgs []llm.Message) (*llm.Completion, int, error) {
	schemas := o.registry.Schemas()
	toolCalls := 0

	for iteration := 0; iteration < o.maxIterations; iteration++ {
		comp, err := o.gateway.CompleteWithTools(ctx, llm.CompletionRequest{
			Messages: msgs,
			Tools:    schemas,
			ChatID:   chatID,
		})
		if err != nil {
			return nil, toolCalls, err
		}
		if len(comp.ToolCalls) == 0 {
			return comp, toolCalls, nil
		}

		msgs = append(msgs, llm.Message{
			Role:      "assistant",
			Content:   comp.Text,
			ToolCalls: comp.ToolCalls,
		})
		// Calls execute sequentially in model order; a failure feeds an
		// error payload back instead of aborting the turn.
		for _, tc := range comp.ToolCalls {
			result := o.executeToolCall(ctx, caller, tc)
			toolCalls++
			msgs = append(msgs, llm.Message{
				Role:       "tool",
				ToolCallID: tc.ID,
				Name:       tc.Name,
				Content:    result,
			})
		}
	}

	o.log.Warn("Tool iteration cap reached, forcing final answer", "chat_id", chatID, "tool_calls", toolCalls)
	comp, err := o.gateway.CompleteWithTools(ctx, llm.CompletionRequest{
		Messages:   msgs,
		Tools:      schemas,
		ToolChoice: llm.ToolChoiceNone,
		ChatID:     chatID,
	})
	if err != nil {
		return nil, toolCalls, err
	}
	return comp, toolCalls, nil
}

func (o *Orchestrator) executeToolCall(ctx context.Context, caller tools.Caller, tc llm.ToolCall) string {
	args := json.RawMessage(tc.Arguments)
	if strings.TrimSpace(tc.Arguments) == "" {
		args = json.RawMessage("{}")
	}

	result, err := o.registry.Execute(ctx, tc.Name, caller, args)
	if err != nil {
		o.log.Warn("Tool call failed", "tool", tc.Name, "error", err.Error())
		payload, marshalErr := json.Marshal(map[string]string{
			"status": "error",
			"error":  err.Error(),
		})
		if marshalErr != nil {
			return `{"status":"error","error":"internal error"}`
		}
		return string(payload)
	}
	return result
}
