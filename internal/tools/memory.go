package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gryagbot/gryag-backend/internal/llm"
	"github.com/gryagbot/gryag-backend/internal/logger"
	"github.com/gryagbot/gryag-backend/internal/repos"
)

// Memory tools expose long-term per-user facts to the model. The
// subject user is always the caller; the model cannot address another
// user's memory.

type SaveFactTool struct {
	memories repos.MemoryRepo
	log      *logger.Logger
}

func NewSaveFactTool(memories repos.MemoryRepo, baseLog *logger.Logger) *SaveFactTool {
	return &SaveFactTool{memories: memories, log: baseLog.With("tool", "save_user_fact")}
}

func (t *SaveFactTool) Name() string { return "save_user_fact" }

func (t *SaveFactTool) Schema() llm.ToolSchema {
	s := objectSchema(
		"Save a long-term fact about the current user, e.g. preferences or interests. Use when the user shares something worth remembering.",
		map[string]any{
			"fact": map[string]any{
				"type":        "string",
				"description": "The fact to remember, as one short sentence.",
			},
		},
		"fact",
	)
	s.Function.Name = t.Name()
	return s
}

func (t *SaveFactTool) Execute(ctx context.Context, caller Caller, args json.RawMessage) (string, error) {
	var in struct {
		Fact string `json:"fact"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("parse arguments: %w", err)
	}
	fact := strings.TrimSpace(in.Fact)
	if fact == "" {
		return "", fmt.Errorf("fact is empty")
	}

	existing, err := t.memories.FindDuplicate(ctx, nil, caller.UserID, fact)
	if err != nil && !errors.Is(err, repos.ErrNotFound) {
		return "", err
	}
	if existing != nil {
		return marshalResult(map[string]any{
			"status": "already_known",
			"fact":   existing.Fact,
		})
	}

	memory, err := t.memories.Add(ctx, nil, caller.UserID, fact)
	if err != nil {
		return "", err
	}
	t.log.Info("Saved user fact", "user_id", caller.UserID, "memory_id", memory.ID)
	return marshalResult(map[string]any{
		"status": "saved",
		"fact":   memory.Fact,
	})
}

type GetFactsTool struct {
	memories repos.MemoryRepo
	log      *logger.Logger
}

func NewGetFactsTool(memories repos.MemoryRepo, baseLog *logger.Logger) *GetFactsTool {
	return &GetFactsTool{memories: memories, log: baseLog.With("tool", "get_user_facts")}
}

func (t *GetFactsTool) Name() string { return "get_user_facts" }

func (t *GetFactsTool) Schema() llm.ToolSchema {
	s := objectSchema(
		"List the saved facts about the current user, optionally filtered by a keyword.",
		map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Optional keyword to filter facts by.",
			},
		},
	)
	s.Function.Name = t.Name()
	return s
}

func (t *GetFactsTool) Execute(ctx context.Context, caller Caller, args json.RawMessage) (string, error) {
	var in struct {
		Query string `json:"query"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return "", fmt.Errorf("parse arguments: %w", err)
		}
	}

	memories, err := t.memories.List(ctx, nil, caller.UserID, in.Query)
	if err != nil {
		return "", err
	}

	facts := make([]string, 0, len(memories))
	for _, m := range memories {
		facts = append(facts, m.Fact)
	}
	return marshalResult(map[string]any{
		"count": len(facts),
		"facts": facts,
	})
}

type DeleteFactTool struct {
	memories repos.MemoryRepo
	log      *logger.Logger
}

func NewDeleteFactTool(memories repos.MemoryRepo, baseLog *logger.Logger) *DeleteFactTool {
	return &DeleteFactTool{memories: memories, log: baseLog.With("tool", "delete_user_fact")}
}

func (t *DeleteFactTool) Name() string { return "delete_user_fact" }

func (t *DeleteFactTool) Schema() llm.ToolSchema {
	s := objectSchema(
		"Delete saved facts about the current user that match a keyword.",
		map[string]any{
			"keyword": map[string]any{
				"type":        "string",
				"description": "Facts containing this keyword are deleted.",
			},
		},
		"keyword",
	)
	s.Function.Name = t.Name()
	return s
}

func (t *DeleteFactTool) Execute(ctx context.Context, caller Caller, args json.RawMessage) (string, error) {
	var in struct {
		Keyword string `json:"keyword"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("parse arguments: %w", err)
	}
	keyword := strings.TrimSpace(in.Keyword)
	if keyword == "" {
		return "", fmt.Errorf("keyword is empty")
	}

	matches, err := t.memories.List(ctx, nil, caller.UserID, keyword)
	if err != nil {
		return "", err
	}

	deleted := 0
	for _, m := range matches {
		ok, err := t.memories.DeleteByID(ctx, nil, m.ID)
		if err != nil {
			return "", err
		}
		if ok {
			deleted++
		}
	}
	t.log.Info("Deleted user facts", "user_id", caller.UserID, "deleted", deleted)
	return marshalResult(map[string]any{
		"status":  "deleted",
		"deleted": deleted,
	})
}

type DeleteAllFactsTool struct {
	memories repos.MemoryRepo
	log      *logger.Logger
}

func NewDeleteAllFactsTool(memories repos.MemoryRepo, baseLog *logger.Logger) *DeleteAllFactsTool {
	return &DeleteAllFactsTool{memories: memories, log: baseLog.With("tool", "delete_all_user_facts")}
}

func (t *DeleteAllFactsTool) Name() string { return "delete_all_user_facts" }

func (t *DeleteAllFactsTool) Schema() llm.ToolSchema {
	s := objectSchema(
		"Delete every saved fact about the current user. Use only when the user explicitly asks to forget everything.",
		map[string]any{},
	)
	s.Function.Name = t.Name()
	return s
}

func (t *DeleteAllFactsTool) Execute(ctx context.Context, caller Caller, _ json.RawMessage) (string, error) {
	deleted, err := t.memories.DeleteAllForUser(ctx, nil, caller.UserID)
	if err != nil {
		return "", err
	}
	t.log.Info("Deleted all user facts", "user_id", caller.UserID, "deleted", deleted)
	return marshalResult(map[string]any{
		"status":  "deleted_all",
		"deleted": deleted,
	})
}
