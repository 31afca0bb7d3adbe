package assembler

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gryagbot/gryag-backend/internal/logger"
)

// Fallback persona used when no prompt file is present on disk.
const defaultSystemPrompt = `Ти — {bot_name}, саркастичний, але доброзичливий учасник чату.
Відповідай українською, коротко і по суті. Використовуй інструменти, коли вони
справді потрібні: порахувати, пошукати, запам'ятати факт про користувача.
Не вигадуй фактів. Якщо чогось не знаєш, так і скажи.
Поточний час: {current_time}.`

// PromptStore loads prompt templates from a directory and renders
// {placeholder} substitutions. Files are cached after first read;
// a missing system prompt file falls back to the built-in default.
type PromptStore struct {
	dir string
	log *logger.Logger

	mu    sync.RWMutex
	cache map[string]string
}

func NewPromptStore(dir string, baseLog *logger.Logger) *PromptStore {
	return &PromptStore{
		dir:   dir,
		log:   baseLog.With("service", "PromptStore"),
		cache: make(map[string]string),
	}
}

// Load returns the raw template with the given file name.
func (s *PromptStore) Load(name string) (string, error) {
	s.mu.RLock()
	cached, ok := s.cache[name]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	path := filepath.Join(s.dir, filepath.Clean(name))
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("load prompt %q: %w", name, err)
	}
	text := strings.TrimSpace(string(raw))

	s.mu.Lock()
	s.cache[name] = text
	s.mu.Unlock()
	return text, nil
}

// Template returns the raw system prompt template, falling back to the
// built-in default when the file cannot be read.
func (s *PromptStore) Template(name string) string {
	template, err := s.Load(name)
	if err != nil {
		s.log.Warn("System prompt file unavailable, using built-in default", "name", name, "error", err.Error())
		return defaultSystemPrompt
	}
	return template
}

// SystemPrompt renders the configured system prompt template.
func (s *PromptStore) SystemPrompt(name string, vars map[string]string) string {
	return Render(s.Template(name), vars)
}

// Render substitutes {key} placeholders. Unknown placeholders are left
// untouched so a template typo is visible rather than silently empty.
func Render(template string, vars map[string]string) string {
	if len(vars) == 0 {
		return template
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}
