package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/gryagbot/gryag-backend/internal/chatlock"
	"github.com/gryagbot/gryag-backend/internal/logger"
	"github.com/gryagbot/gryag-backend/internal/repos"
	"github.com/gryagbot/gryag-backend/internal/summarizer"
)

// ErrSkipped is returned when a turn was dropped because the chat
// already had one in flight under the finish-in-flight policy. Callers
// send no reply for a skipped turn.
var ErrSkipped = errors.New("turn skipped, chat busy")

const janitorInterval = time.Hour

// Service is the composed decision core: the per-chat gate in front of
// the orchestrator, plus the background jobs (summary scheduler and
// message retention janitor). Transport adapters call HandleIncoming;
// the process entrypoint calls Run.
type Service struct {
	orch      *Orchestrator
	gate      chatlock.Locker
	scheduler *summarizer.Scheduler
	chats     repos.ChatRepo
	messages  repos.MessageRepo
	retention time.Duration
	log       *logger.Logger
}

func NewService(
	orch *Orchestrator,
	gate chatlock.Locker,
	scheduler *summarizer.Scheduler,
	chats repos.ChatRepo,
	messages repos.MessageRepo,
	retention time.Duration,
	baseLog *logger.Logger,
) *Service {
	return &Service{
		orch:      orch,
		gate:      gate,
		scheduler: scheduler,
		chats:     chats,
		messages:  messages,
		retention: retention,
		log:       baseLog.With("service", "DecisionCore"),
	}
}

// HandleIncoming serializes the turn per chat and runs it.
func (s *Service) HandleIncoming(ctx context.Context, req Request) (*Result, error) {
	release, err := s.gate.Acquire(ctx, req.ChatID)
	if err != nil {
		if errors.Is(err, chatlock.ErrBusy) {
			s.log.Debug("Turn skipped, chat busy", "chat_id", req.ChatID)
			return nil, ErrSkipped
		}
		return nil, err
	}
	defer release()

	return s.orch.HandleMessage(ctx, req)
}

// RecordReply persists a sent reply; see Orchestrator.RecordAssistantReply.
func (s *Service) RecordReply(ctx context.Context, chatID, externalMessageID int64, text string) error {
	return s.orch.RecordAssistantReply(ctx, chatID, externalMessageID, text)
}

// Run blocks running the background jobs until the context is canceled.
func (s *Service) Run(ctx context.Context) {
	if s.retention > 0 {
		go s.runJanitor(ctx)
	}
	s.scheduler.Run(ctx)
}

// runJanitor purges messages past the retention horizon. Summaries are
// kept forever; they are what remains of purged history.
func (s *Service) runJanitor(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.purgeOld(ctx, now)
		}
	}
}

func (s *Service) purgeOld(ctx context.Context, now time.Time) {
	chats, err := s.chats.GetActive(ctx, nil)
	if err != nil {
		s.log.Error("Retention pass failed to list chats", "error", err.Error())
		return
	}
	horizon := now.Add(-s.retention)
	var total int64
	for _, chat := range chats {
		deleted, err := s.messages.DeleteOld(ctx, nil, chat.ID, horizon)
		if err != nil {
			s.log.Error("Retention pass failed", "chat_id", chat.ID, "error", err.Error())
			continue
		}
		total += deleted
	}
	if total > 0 {
		s.log.Info("Purged old messages", "deleted", total)
	}
}
