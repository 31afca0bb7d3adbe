package assembler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gryagbot/gryag-backend/internal/llm"
	"github.com/gryagbot/gryag-backend/internal/logger"
	"github.com/gryagbot/gryag-backend/internal/repos"
	"github.com/gryagbot/gryag-backend/internal/tokens"
	"github.com/gryagbot/gryag-backend/internal/types"
)

const (
	quoteSnippetMaxRunes = 200

	// Consecutive assistant messages beyond this are dropped from the
	// window; long bot monologues add little and eat the budget.
	maxAssistantRun = 3
)

// ImageResolver turns a stored photo message into an inline image URL
// (typically a data: URL) for the vision endpoint. A nil resolver
// disables image context entirely.
type ImageResolver interface {
	Resolve(ctx context.Context, chatID, externalMessageID int64) (string, error)
}

// ToolCatalog describes the available tools for the {tools} template
// variable. The tool registry implements it.
type ToolCatalog interface {
	Catalog() string
}

type Config struct {
	WindowSize       int
	MaxTokens        int
	SystemPromptFile string
	BotName          string
	BotUsername      string
	TriggerKeywords  []string
}

// Assembler builds the message list for one turn: system prompt with
// summaries and user facts spliced in, then the recent window in
// chronological order, trimmed to the token budget.
type Assembler struct {
	cfg       Config
	messages  repos.MessageRepo
	summaries repos.SummaryRepo
	memories  repos.MemoryRepo
	users     repos.UserRepo
	prompts   *PromptStore
	estimator tokens.Estimator
	catalog   ToolCatalog
	images    ImageResolver
	log       *logger.Logger

	now func() time.Time
}

func New(
	cfg Config,
	messages repos.MessageRepo,
	summaries repos.SummaryRepo,
	memories repos.MemoryRepo,
	users repos.UserRepo,
	prompts *PromptStore,
	estimator tokens.Estimator,
	catalog ToolCatalog,
	images ImageResolver,
	baseLog *logger.Logger,
) *Assembler {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 100
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8000
	}
	return &Assembler{
		cfg:       cfg,
		messages:  messages,
		summaries: summaries,
		memories:  memories,
		users:     users,
		prompts:   prompts,
		estimator: estimator,
		catalog:   catalog,
		images:    images,
		log:       baseLog.With("service", "ContextAssembler"),
		now:       time.Now,
	}
}

// Context is the assembled model input for one turn.
type Context struct {
	Messages      []llm.Message
	HasImage      bool
	TokenEstimate int
}

// Build assembles the context for the chat's latest state. The
// triggering message is expected to be persisted already, so it arrives
// as the last element of the recent window.
func (a *Assembler) Build(ctx context.Context, chat *types.Chat, user *types.User) (*Context, error) {
	if chat == nil {
		return nil, fmt.Errorf("build context: no chat")
	}
	chatID := chat.ID

	system, err := a.buildSystemPrompt(ctx, chat, user)
	if err != nil {
		return nil, err
	}

	window, err := a.messages.GetRecent(ctx, nil, chatID, a.cfg.WindowSize)
	if err != nil {
		return nil, fmt.Errorf("load recent messages: %w", err)
	}
	window = capAssistantRuns(window)

	rendered, err := a.renderWindow(ctx, chatID, window)
	if err != nil {
		return nil, err
	}

	rendered, total := a.trimToBudget(system, rendered)

	out := &Context{
		Messages:      make([]llm.Message, 0, len(rendered)+1),
		TokenEstimate: total,
	}
	out.Messages = append(out.Messages, llm.TextMessage("system", system))
	out.Messages = append(out.Messages, rendered...)

	if err := a.attachReplyImage(ctx, chatID, window, out); err != nil {
		return nil, err
	}
	return out, nil
}

// buildSystemPrompt renders the template with the recognized variables
// (chat identity, user identity, tool catalog, summaries, memory list)
// and appends summary and fact sections for templates that do not place
// them with a variable of their own.
func (a *Assembler) buildSystemPrompt(ctx context.Context, chat *types.Chat, user *types.User) (string, error) {
	template := a.prompts.Template(a.cfg.SystemPromptFile)

	vars := map[string]string{
		"bot_name":       a.cfg.BotName,
		"bot_username":   a.cfg.BotUsername,
		"current_time":   a.now().Format("2006-01-02 15:04 (Monday)"),
		"chatname":       chat.Title,
		"chatid":         strconv.FormatInt(chat.ID, 10),
		"chattype":       chat.ChatType,
		"chatmembers":    strconv.Itoa(chat.MemberCount),
		"userfullname":   "",
		"username":       "",
		"pronouns":       "",
		"tools":          "",
		"user_memories":  "",
		"recent_summary": "",
		"long_summary":   "",
	}
	if user != nil {
		vars["userfullname"] = displayName(user)
		vars["username"] = user.Username
		vars["pronouns"] = user.Pronouns
	}
	if a.catalog != nil {
		vars["tools"] = a.catalog.Catalog()
	}

	sections := []struct {
		kind    string
		varName string
		title   string
	}{
		{types.SummaryKindLong, "long_summary", "Довготривалий підсумок розмови"},
		{types.SummaryKindRecent, "recent_summary", "Нещодавній підсумок розмови"},
	}
	for _, section := range sections {
		summary, err := a.summaries.GetCurrent(ctx, nil, chat.ID, section.kind)
		if errors.Is(err, repos.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("load %s summary: %w", section.kind, err)
		}
		vars[section.varName] = summary.Content
	}

	if user != nil {
		facts, err := a.memories.List(ctx, nil, user.ID, "")
		if err != nil {
			return "", fmt.Errorf("load user facts: %w", err)
		}
		var list strings.Builder
		for _, fact := range facts {
			list.WriteString("- ")
			list.WriteString(fact.Fact)
			list.WriteString("\n")
		}
		vars["user_memories"] = strings.TrimSpace(list.String())
	}

	var b strings.Builder
	b.WriteString(Render(template, vars))

	for _, section := range sections {
		if vars[section.varName] == "" || strings.Contains(template, "{"+section.varName+"}") {
			continue
		}
		b.WriteString("\n\n")
		b.WriteString(section.title)
		b.WriteString(":\n")
		b.WriteString(vars[section.varName])
	}

	if vars["user_memories"] != "" && !strings.Contains(template, "{user_memories}") {
		b.WriteString("\n\nВідомі факти про ")
		b.WriteString(vars["userfullname"])
		b.WriteString(":\n")
		b.WriteString(vars["user_memories"])
	}
	return strings.TrimSpace(b.String()), nil
}

// renderWindow converts stored messages into wire messages, resolving
// reply references into inline quotes.
func (a *Assembler) renderWindow(ctx context.Context, chatID int64, window []*types.Message) ([]llm.Message, error) {
	byExternalID := make(map[int64]*types.Message, len(window))
	for _, m := range window {
		byExternalID[m.ExternalMessageID] = m
	}
	names := &nameCache{users: a.users, cache: make(map[int64]string)}

	out := make([]llm.Message, 0, len(window))
	for i, m := range window {
		if m.IsAssistant {
			out = append(out, llm.TextMessage("assistant", m.Content))
			continue
		}

		var b strings.Builder
		if m.ReplyToMessageID != nil {
			quoted, err := a.lookupQuoted(ctx, chatID, byExternalID, *m.ReplyToMessageID)
			if err != nil {
				return nil, err
			}
			if quoted != nil {
				author := a.cfg.BotName
				if !quoted.IsAssistant {
					author = names.label(ctx, quoted.UserID)
				}
				b.WriteString("[у відповідь на ")
				b.WriteString(author)
				b.WriteString(": «")
				b.WriteString(snippet(quoted.Content, quoteSnippetMaxRunes))
				b.WriteString("»]\n")
			}
		}

		content := m.Content
		if i == len(window)-1 {
			content = a.stripTriggers(content)
		}
		b.WriteString(names.label(ctx, m.UserID))
		b.WriteString(": ")
		b.WriteString(content)
		out = append(out, llm.TextMessage("user", b.String()))
	}
	return out, nil
}

// nameCache resolves speaker names once per Build.
type nameCache struct {
	users repos.UserRepo
	cache map[int64]string
}

func (c *nameCache) label(ctx context.Context, userID *int64) string {
	if userID == nil {
		return "Невідомий"
	}
	if name, ok := c.cache[*userID]; ok {
		return name
	}
	name := fmt.Sprintf("user_%d", *userID)
	if c.users != nil {
		if u, err := c.users.GetByID(ctx, nil, *userID); err == nil {
			name = displayName(u)
		}
	}
	c.cache[*userID] = name
	return name
}

func (a *Assembler) lookupQuoted(ctx context.Context, chatID int64, local map[int64]*types.Message, externalID int64) (*types.Message, error) {
	if m, ok := local[externalID]; ok {
		return m, nil
	}
	m, err := a.messages.FindByExternalID(ctx, nil, chatID, externalID)
	if errors.Is(err, repos.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve quoted message: %w", err)
	}
	return m, nil
}

// trimToBudget drops the oldest window messages until the estimate fits.
// The system prompt and the final (triggering) message always survive.
func (a *Assembler) trimToBudget(system string, rendered []llm.Message) ([]llm.Message, int) {
	total := a.estimator.Estimate(system)
	costs := make([]int, len(rendered))
	for i, m := range rendered {
		costs[i] = a.estimator.Estimate(m.Content)
		total += costs[i]
	}

	dropped := 0
	for total > a.cfg.MaxTokens && len(rendered) > 1 {
		total -= costs[0]
		rendered = rendered[1:]
		costs = costs[1:]
		dropped++
	}
	if dropped > 0 {
		a.log.Debug("Trimmed context window to token budget", "dropped", dropped, "tokens", total)
	}
	return rendered, total
}

// attachReplyImage upgrades the final message to multimodal content
// when the triggering message replies to a stored photo.
func (a *Assembler) attachReplyImage(ctx context.Context, chatID int64, window []*types.Message, out *Context) error {
	if a.images == nil || len(window) == 0 || len(out.Messages) < 2 {
		return nil
	}
	last := window[len(window)-1]
	if last.IsAssistant || last.ReplyToMessageID == nil {
		return nil
	}
	quoted, err := a.lookupQuoted(ctx, chatID, nil, *last.ReplyToMessageID)
	if err != nil || quoted == nil {
		return err
	}
	if quoted.ContentType != "photo" && quoted.ContentType != "image" {
		return nil
	}

	imageURL, err := a.images.Resolve(ctx, chatID, quoted.ExternalMessageID)
	if err != nil {
		// A broken image never blocks the turn; the text context stands.
		a.log.Warn("Failed to resolve reply image", "chat_id", chatID, "error", err.Error())
		return nil
	}
	if imageURL == "" {
		return nil
	}

	final := &out.Messages[len(out.Messages)-1]
	final.Parts = []llm.ContentPart{
		{Type: "text", Text: final.Content},
		{Type: "image_url", ImageURL: &llm.ImageURL{URL: imageURL}},
	}
	final.Content = ""
	out.HasImage = true
	return nil
}

// stripTriggers removes the bot mention or trigger keyword that
// addressed the bot, so the model does not see its own name as part of
// the request.
func (a *Assembler) stripTriggers(text string) string {
	trimmed := strings.TrimSpace(text)

	if a.cfg.BotUsername != "" {
		mention := "@" + a.cfg.BotUsername
		if rest, ok := cutPrefixFold(trimmed, mention); ok {
			trimmed = rest
		}
	}
	for _, keyword := range a.cfg.TriggerKeywords {
		if rest, ok := cutPrefixFold(trimmed, keyword); ok {
			trimmed = rest
			break
		}
	}
	trimmed = strings.TrimLeft(trimmed, " \t,:!")
	if trimmed == "" {
		return strings.TrimSpace(text)
	}
	return trimmed
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return s[len(prefix):], true
	}
	return s, false
}

// capAssistantRuns bounds stretches of consecutive assistant messages,
// keeping the most recent ones in each run. Identical repeats (retry
// artifacts from the transport) are dropped outright.
func capAssistantRuns(window []*types.Message) []*types.Message {
	out := make([]*types.Message, 0, len(window))
	run := 0
	prevAssistant := ""
	for i := len(window) - 1; i >= 0; i-- {
		m := window[i]
		if m.IsAssistant {
			if m.Content == prevAssistant {
				continue
			}
			prevAssistant = m.Content
			run++
			if run > maxAssistantRun {
				continue
			}
		} else {
			run = 0
			prevAssistant = ""
		}
		out = append(out, m)
	}
	// Reverse back to chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func displayName(u *types.User) string {
	if u.FullName != "" {
		return u.FullName
	}
	if u.Username != "" {
		return "@" + u.Username
	}
	return fmt.Sprintf("user_%d", u.ID)
}

func snippet(text string, maxRunes int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= maxRunes {
		return text
	}
	return string(runes[:maxRunes]) + "…"
}
