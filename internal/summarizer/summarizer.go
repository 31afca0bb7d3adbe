// Package summarizer folds aging conversation history into rolling
// summaries so old messages can leave the context window without the
// bot losing the thread.
package summarizer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gryagbot/gryag-backend/internal/llm"
	"github.com/gryagbot/gryag-backend/internal/logger"
	"github.com/gryagbot/gryag-backend/internal/repos"
	"github.com/gryagbot/gryag-backend/internal/tokens"
	"github.com/gryagbot/gryag-backend/internal/types"
)

const summaryPromptTemplate = `Ти ведеш стислий конспект групової розмови.
Підсумуй наведені повідомлення українською: головні теми, рішення,
настрої учасників. Без прямих цитат, без списку імен. Обсяг: кілька
абзаців.

Попередній конспект (продовжуй його, не повторюй дослівно):
%s

Нові повідомлення:
%s`

type Config struct {
	Model string

	RecentInterval  time.Duration
	RecentMaxTokens int
	LongInterval    time.Duration
	LongMaxTokens   int

	// Lookback bounds the first window of a chat that has no summary
	// yet. Zero means "one interval back".
	RecentLookback time.Duration
	LongLookback   time.Duration
}

type Summarizer struct {
	cfg       Config
	gateway   llm.Gateway
	messages  repos.MessageRepo
	summaries repos.SummaryRepo
	estimator tokens.Estimator
	log       *logger.Logger
}

func New(
	cfg Config,
	gateway llm.Gateway,
	messages repos.MessageRepo,
	summaries repos.SummaryRepo,
	estimator tokens.Estimator,
	baseLog *logger.Logger,
) *Summarizer {
	if cfg.RecentInterval <= 0 {
		cfg.RecentInterval = 3 * 24 * time.Hour
	}
	if cfg.LongInterval <= 0 {
		cfg.LongInterval = 14 * 24 * time.Hour
	}
	if cfg.RecentMaxTokens <= 0 {
		cfg.RecentMaxTokens = 1024
	}
	if cfg.LongMaxTokens <= 0 {
		cfg.LongMaxTokens = 4096
	}
	if cfg.RecentLookback <= 0 {
		cfg.RecentLookback = cfg.RecentInterval
	}
	if cfg.LongLookback <= 0 {
		cfg.LongLookback = cfg.LongInterval
	}
	return &Summarizer{
		cfg:       cfg,
		gateway:   gateway,
		messages:  messages,
		summaries: summaries,
		estimator: estimator,
		log:       baseLog.With("service", "Summarizer"),
	}
}

func (s *Summarizer) kindParams(kind string) (interval, lookback time.Duration, maxTokens int, err error) {
	switch kind {
	case types.SummaryKindRecent:
		return s.cfg.RecentInterval, s.cfg.RecentLookback, s.cfg.RecentMaxTokens, nil
	case types.SummaryKindLong:
		return s.cfg.LongInterval, s.cfg.LongLookback, s.cfg.LongMaxTokens, nil
	default:
		return 0, 0, 0, fmt.Errorf("unknown summary kind %q", kind)
	}
}

// Due reports whether the (chat, kind) pair needs a new summary at
// `now`: either no summary exists yet, or a full interval has passed
// since the current one's window closed.
func (s *Summarizer) Due(ctx context.Context, chatID int64, kind string, now time.Time) (bool, error) {
	interval, _, _, err := s.kindParams(kind)
	if err != nil {
		return false, err
	}
	current, err := s.summaries.GetCurrent(ctx, nil, chatID, kind)
	if errors.Is(err, repos.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return now.Sub(current.PeriodEnd) >= interval, nil
}

// SummarizeChat produces and stores a new summary for the pair. An
// empty message window is a clean no-op: nothing happened, nothing to
// summarize, the old summary stays current.
func (s *Summarizer) SummarizeChat(ctx context.Context, chatID int64, kind string, now time.Time) (*types.Summary, error) {
	_, lookback, maxTokens, err := s.kindParams(kind)
	if err != nil {
		return nil, err
	}

	start := now.Add(-lookback)
	var previous string
	current, err := s.summaries.GetCurrent(ctx, nil, chatID, kind)
	switch {
	case err == nil:
		start = current.PeriodEnd
		previous = current.Content
	case errors.Is(err, repos.ErrNotFound):
	default:
		return nil, fmt.Errorf("load current summary: %w", err)
	}

	window, err := s.messages.GetBetween(ctx, nil, chatID, start, now)
	if err != nil {
		return nil, fmt.Errorf("load message window: %w", err)
	}
	if len(window) == 0 {
		s.log.Debug("Nothing to summarize", "chat_id", chatID, "kind", kind)
		return nil, nil
	}

	if previous == "" {
		previous = "(конспекту ще немає)"
	}
	prompt := fmt.Sprintf(summaryPromptTemplate, previous, renderTranscript(window))

	text, err := s.gateway.Complete(ctx, llm.CompletionRequest{
		Messages:  []llm.Message{llm.TextMessage("user", prompt)},
		Model:     s.cfg.Model,
		MaxTokens: maxTokens,
		ChatID:    chatID,
	})
	if err != nil {
		return nil, fmt.Errorf("summarize chat %d (%s): %w", chatID, kind, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("summarize chat %d (%s): empty summary", chatID, kind)
	}

	summary, err := s.summaries.Add(ctx, nil, &types.Summary{
		ChatID:      chatID,
		Kind:        kind,
		Content:     text,
		TokenCount:  s.estimator.Estimate(text),
		PeriodStart: start,
		PeriodEnd:   now,
	})
	if err != nil {
		return nil, fmt.Errorf("store summary: %w", err)
	}

	s.log.Info("Stored chat summary",
		"chat_id", chatID,
		"kind", kind,
		"messages", len(window),
		"tokens", summary.TokenCount,
	)
	return summary, nil
}

func renderTranscript(window []*types.Message) string {
	var b strings.Builder
	for _, m := range window {
		switch {
		case m.IsAssistant:
			b.WriteString("бот")
		case m.UserID != nil:
			fmt.Fprintf(&b, "user_%d", *m.UserID)
		default:
			b.WriteString("невідомий")
		}
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}
