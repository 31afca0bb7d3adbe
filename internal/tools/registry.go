package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gryagbot/gryag-backend/internal/llm"
	"github.com/gryagbot/gryag-backend/internal/logger"
)

// Registry resolves tool names (including legacy aliases) and runs
// tools under a per-call timeout with panic isolation.
type Registry struct {
	log     *logger.Logger
	timeout time.Duration

	mu      sync.RWMutex
	tools   map[string]Tool
	aliases map[string]string
}

func NewRegistry(timeout time.Duration, baseLog *logger.Logger) *Registry {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Registry{
		log:     baseLog.With("service", "ToolRegistry"),
		timeout: timeout,
		tools:   make(map[string]Tool),
		aliases: make(map[string]string),
	}
}

// Register adds a tool under its canonical name plus any aliases.
// Aliases resolve to the same tool but are never advertised in schemas.
func (r *Registry) Register(t Tool, aliases ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	if name == "" {
		return fmt.Errorf("tool has empty name")
	}
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	if _, exists := r.aliases[name]; exists {
		return fmt.Errorf("tool %q collides with an alias", name)
	}
	r.tools[name] = t

	for _, alias := range aliases {
		if alias == "" || alias == name {
			continue
		}
		if _, exists := r.tools[alias]; exists {
			return fmt.Errorf("alias %q collides with a tool", alias)
		}
		if prev, exists := r.aliases[alias]; exists && prev != name {
			return fmt.Errorf("alias %q already points to %q", alias, prev)
		}
		r.aliases[alias] = name
	}
	return nil
}

// Resolve maps a name or alias to the registered tool.
func (r *Registry) Resolve(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if canonical, ok := r.aliases[name]; ok {
		name = canonical
	}
	t, ok := r.tools[name]
	return t, ok
}

// Schemas returns the advertised tool definitions in stable name order.
func (r *Registry) Schemas() []llm.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	schemas := make([]llm.ToolSchema, 0, len(names))
	for _, name := range names {
		schemas = append(schemas, r.tools[name].Schema())
	}
	return schemas
}

// Catalog renders the advertised tools as a bulleted list for prompt
// templates with a {tools} variable.
func (r *Registry) Catalog() string {
	var b strings.Builder
	for _, s := range r.Schemas() {
		fmt.Fprintf(&b, "- %s: %s\n", s.Function.Name, s.Function.Description)
	}
	return strings.TrimSpace(b.String())
}

// Execute runs one tool call. A panicking tool is contained and
// reported as an ordinary error so the turn can continue.
func (r *Registry) Execute(ctx context.Context, name string, caller Caller, args json.RawMessage) (result string, err error) {
	tool, ok := r.Resolve(name)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("Tool panicked", "tool", name, "panic", rec)
			result = ""
			err = fmt.Errorf("tool %q panicked: %v", name, rec)
		}
	}()

	started := time.Now()
	result, err = tool.Execute(ctx, caller, args)
	if err != nil {
		r.log.Warn("Tool failed", "tool", name, "duration", time.Since(started).String(), "error", err.Error())
		return "", err
	}
	r.log.Debug("Tool executed", "tool", name, "duration", time.Since(started).String())
	return result, nil
}
