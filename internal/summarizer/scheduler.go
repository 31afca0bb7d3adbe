package summarizer

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/gryagbot/gryag-backend/internal/logger"
	"github.com/gryagbot/gryag-backend/internal/repos"
	"github.com/gryagbot/gryag-backend/internal/types"
)

const maxConcurrentSummaries = 4

// Scheduler periodically walks the active chats and refreshes whichever
// summaries are due. Per (chat, kind) pair, work is single-flight: a
// tick that overlaps a still-running summarization joins it instead of
// starting a second one.
type Scheduler struct {
	summarizer *Summarizer
	chats      repos.ChatRepo
	log        *logger.Logger
	tick       time.Duration

	group singleflight.Group
}

func NewScheduler(summarizer *Summarizer, chats repos.ChatRepo, tick time.Duration, baseLog *logger.Logger) *Scheduler {
	if tick <= 0 {
		tick = time.Hour
	}
	return &Scheduler{
		summarizer: summarizer,
		chats:      chats,
		log:        baseLog.With("service", "SummaryScheduler"),
		tick:       tick,
	}
}

// Run blocks until the context is canceled, ticking at the configured
// interval. The first pass happens immediately on start.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info("Summary scheduler started", "tick", s.tick.String())
	s.Tick(ctx, time.Now())

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("Summary scheduler stopped")
			return
		case now := <-ticker.C:
			s.Tick(ctx, now)
		}
	}
}

// Tick runs one scheduling pass at the given instant. Failures are
// isolated per (chat, kind) pair; one broken chat never starves the
// rest.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	chats, err := s.chats.GetActive(ctx, nil)
	if err != nil {
		s.log.Error("Failed to list active chats", "error", err.Error())
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentSummaries)

	for _, chat := range chats {
		for _, kind := range []string{types.SummaryKindRecent, types.SummaryKindLong} {
			chatID, kind := chat.ID, kind
			g.Go(func() error {
				s.refresh(gctx, chatID, kind, now)
				return nil
			})
		}
	}
	_ = g.Wait()
}

func (s *Scheduler) refresh(ctx context.Context, chatID int64, kind string, now time.Time) {
	due, err := s.summarizer.Due(ctx, chatID, kind, now)
	if err != nil {
		s.log.Error("Failed to check summary due-ness", "chat_id", chatID, "kind", kind, "error", err.Error())
		return
	}
	if !due {
		return
	}

	key := fmt.Sprintf("%d:%s", chatID, kind)
	_, err, _ = s.group.Do(key, func() (any, error) {
		return s.summarizer.SummarizeChat(ctx, chatID, kind, now)
	})
	if err != nil {
		s.log.Error("Summarization failed", "chat_id", chatID, "kind", kind, "error", err.Error())
	}
}
