package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gryagbot/gryag-backend/internal/assembler"
	"github.com/gryagbot/gryag-backend/internal/chatlock"
	"github.com/gryagbot/gryag-backend/internal/config"
	"github.com/gryagbot/gryag-backend/internal/db"
	"github.com/gryagbot/gryag-backend/internal/llm"
	"github.com/gryagbot/gryag-backend/internal/logger"
	"github.com/gryagbot/gryag-backend/internal/orchestrator"
	"github.com/gryagbot/gryag-backend/internal/repos"
	"github.com/gryagbot/gryag-backend/internal/summarizer"
	"github.com/gryagbot/gryag-backend/internal/tokens"
	"github.com/gryagbot/gryag-backend/internal/tools"
	"github.com/gryagbot/gryag-backend/internal/utils"
)

func main() {
	mode := os.Getenv("LOG_MODE")
	if mode == "" {
		mode = "dev"
	}
	log, err := logger.New(mode)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	settings := config.Load(log)

	pg, err := db.NewPostgresService(log)
	if err != nil {
		log.Fatal("Failed to connect to Postgres", "error", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		log.Fatal("Auto migration failed", "error", err)
	}
	gdb := pg.DB()

	chats := repos.NewChatRepo(gdb, log)
	users := repos.NewUserRepo(gdb, log)
	messages := repos.NewMessageRepo(gdb, log)
	summaries := repos.NewSummaryRepo(gdb, log)
	memories := repos.NewMemoryRepo(gdb, settings.UserMemoryMaxFacts, log)
	callLogs := repos.NewLLMCallLogRepo(gdb, log)

	gateway, err := llm.NewClient(llm.Config{
		BaseURL:           settings.LLMBaseURL,
		APIKey:            settings.LLMAPIKey,
		Model:             settings.LLMModel,
		FallbackModel:     settings.LLMFallbackModel,
		MaxRetries:        settings.LLMMaxRetries,
		Timeout:           settings.LLMTimeout,
		Jitter:            true,
		MaxResponseTokens: settings.MaxResponseTokens,
		Temperature:       settings.Temperature,
		VisionEnabled:     settings.VisionEnabled,
		VisionModel:       settings.VisionModel,
		VisionBaseURL:     settings.VisionBaseURL,
		VisionAPIKey:      settings.VisionAPIKey,
	}, log)
	if err != nil {
		log.Fatal("Failed to build LLM client", "error", err)
	}
	gateway.SetRecorder(newCallRecorder(callLogs, log))

	registry := tools.NewRegistry(settings.ToolTimeout, log)
	register := func(t tools.Tool, aliases ...string) {
		if err := registry.Register(t, aliases...); err != nil {
			log.Fatal("Failed to register tool", "tool", t.Name(), "error", err)
		}
	}
	register(tools.NewCalculatorTool())
	register(tools.NewWeatherTool(log))
	register(tools.NewSearchTool(log))
	register(tools.NewSaveFactTool(memories, log), "remember_memory")
	register(tools.NewGetFactsTool(memories, log), "recall_memories")
	register(tools.NewDeleteFactTool(memories, log), "forget_memory")
	register(tools.NewDeleteAllFactsTool(memories, log))
	if settings.ImageGenerationEnabled {
		register(tools.NewImageGenTool(settings.LLMBaseURL, settings.LLMAPIKey, settings.ImageGenerationModel, "", log))
	}

	estimator := tokens.NewHeuristicEstimator()
	prompts := assembler.NewPromptStore(settings.PromptsDir, log)
	asm := assembler.New(assembler.Config{
		WindowSize:       settings.ImmediateContextMessages,
		MaxTokens:        settings.ContextMaxTokens,
		SystemPromptFile: settings.SystemPromptFile,
		BotName:          settings.BotName,
		BotUsername:      settings.BotUsername,
		TriggerKeywords:  settings.TriggerKeywords,
	}, messages, summaries, memories, users, prompts, estimator, registry, nil, log)

	orch := orchestrator.New(gateway, registry, asm, chats, users, messages, settings.MaxToolIterations, log)

	policy := chatlock.Policy(utils.GetEnv("CHAT_LOCK_POLICY", string(chatlock.PolicyFinishInFlight), log))
	var gate chatlock.Locker = chatlock.NewGate(policy, log)
	if settings.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: settings.RedisAddr})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			cancel()
			log.Fatal("Failed to connect to Redis", "addr", settings.RedisAddr, "error", err)
		}
		cancel()
		gate = chatlock.NewRedisGate(redisClient, policy, 0, log)
		log.Info("Using Redis chat gate", "addr", settings.RedisAddr)
	}

	summarizerSvc := summarizer.New(summarizer.Config{
		Model:           settings.SummarizationModel,
		RecentInterval:  settings.RecentSummaryInterval,
		RecentMaxTokens: settings.RecentSummaryTokens,
		LongInterval:    settings.LongSummaryInterval,
		LongMaxTokens:   settings.LongSummaryTokens,
	}, gateway, messages, summaries, estimator, log)
	scheduler := summarizer.NewScheduler(summarizerSvc, chats, settings.SchedulerTick, log)

	core := orchestrator.NewService(orch, gate, scheduler, chats, messages, settings.MessageRetention, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("Decision core running",
		"model", settings.LLMModel,
		"tools", len(registry.Schemas()),
		"lock_policy", string(policy),
	)
	core.Run(ctx)
	log.Info("Shutdown complete")
}
