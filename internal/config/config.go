package config

import (
	"strings"
	"time"

	"github.com/gryagbot/gryag-backend/internal/logger"
	"github.com/gryagbot/gryag-backend/internal/utils"
)

// Settings holds everything the decision core reads from the
// environment. Transport-level settings (bot token, webhook addresses,
// admin lists) live with the transport layer, not here.
type Settings struct {
	// LLM upstream
	LLMAPIKey         string
	LLMBaseURL        string
	LLMModel          string
	LLMFallbackModel  string
	LLMMaxRetries     int
	LLMTimeout        time.Duration
	MaxResponseTokens int
	Temperature       float64

	// Vision
	VisionEnabled bool
	VisionModel   string
	VisionBaseURL string
	VisionAPIKey  string

	// Summarization
	SummarizationModel    string
	RecentSummaryTokens   int
	RecentSummaryInterval time.Duration
	LongSummaryTokens     int
	LongSummaryInterval   time.Duration
	SchedulerTick         time.Duration

	// Context assembly
	ImmediateContextMessages int
	ContextMaxTokens         int
	SystemPromptFile         string
	PromptsDir               string
	BotName                  string
	BotUsername              string
	TriggerKeywords          []string

	// Memory
	UserMemoryMaxFacts int

	// Retention. Messages older than this are purged; summaries carry
	// the history forward. Zero disables the janitor.
	MessageRetention time.Duration

	// Turn loop
	MaxToolIterations int
	ToolTimeout       time.Duration

	// Image generation
	ImageGenerationEnabled bool
	ImageGenerationModel   string

	// Infra
	RedisAddr string
}

func Load(log *logger.Logger) *Settings {
	s := &Settings{
		LLMAPIKey:         utils.GetEnv("LLM_API_KEY", "", log),
		LLMBaseURL:        utils.GetEnv("LLM_BASE_URL", "https://api.openai.com", log),
		LLMModel:          utils.GetEnv("LLM_MODEL", "gpt-4o", log),
		LLMFallbackModel:  utils.GetEnv("LLM_FALLBACK_MODEL", "", log),
		LLMMaxRetries:     utils.GetEnvAsInt("LLM_MAX_RETRIES", 3, log),
		LLMTimeout:        time.Duration(utils.GetEnvAsInt("LLM_TIMEOUT_SECONDS", 60, log)) * time.Second,
		MaxResponseTokens: utils.GetEnvAsInt("LLM_MAX_RESPONSE_TOKENS", 2048, log),
		Temperature:       utils.GetEnvAsFloat("LLM_TEMPERATURE", 0.7, log),

		VisionEnabled: utils.GetEnvAsBool("LLM_VISION_ENABLED", true, log),
		VisionModel:   utils.GetEnv("LLM_VISION_MODEL", "", log),
		VisionBaseURL: utils.GetEnv("LLM_VISION_BASE_URL", "", log),
		VisionAPIKey:  utils.GetEnv("LLM_VISION_API_KEY", "", log),

		SummarizationModel:    utils.GetEnv("LLM_SUMMARIZATION_MODEL", "gpt-4o-mini", log),
		RecentSummaryTokens:   utils.GetEnvAsInt("RECENT_SUMMARY_TOKENS", 1024, log),
		RecentSummaryInterval: time.Duration(utils.GetEnvAsInt("RECENT_SUMMARY_INTERVAL_DAYS", 3, log)) * 24 * time.Hour,
		LongSummaryTokens:     utils.GetEnvAsInt("LONG_SUMMARY_TOKENS", 4096, log),
		LongSummaryInterval:   time.Duration(utils.GetEnvAsInt("LONG_SUMMARY_INTERVAL_DAYS", 14, log)) * 24 * time.Hour,
		SchedulerTick:         time.Duration(utils.GetEnvAsInt("SCHEDULER_TICK_MINUTES", 60, log)) * time.Minute,

		ImmediateContextMessages: utils.GetEnvAsInt("IMMEDIATE_CONTEXT_MESSAGES", 100, log),
		ContextMaxTokens:         utils.GetEnvAsInt("CONTEXT_MAX_TOKENS", 8000, log),
		SystemPromptFile:         utils.GetEnv("SYSTEM_PROMPT_FILE", "default.md", log),
		PromptsDir:               utils.GetEnv("PROMPTS_DIR", "./prompts", log),
		BotName:                  utils.GetEnv("BOT_NAME", "Гряг", log),
		BotUsername:              utils.GetEnv("BOT_USERNAME", "gryag_bot", log),
		TriggerKeywords:          splitCommaList(utils.GetEnv("BOT_TRIGGER_KEYWORDS", "gryag,Гряг,griag", log)),

		UserMemoryMaxFacts: utils.GetEnvAsInt("USER_MEMORY_MAX_FACTS", 50, log),

		MessageRetention: time.Duration(utils.GetEnvAsInt("MESSAGE_RETENTION_DAYS", 90, log)) * 24 * time.Hour,

		MaxToolIterations: utils.GetEnvAsInt("MAX_TOOL_ITERATIONS", 5, log),
		ToolTimeout:       time.Duration(utils.GetEnvAsInt("TOOL_TIMEOUT_SECONDS", 30, log)) * time.Second,

		ImageGenerationEnabled: utils.GetEnvAsBool("IMAGE_GENERATION_ENABLED", true, log),
		ImageGenerationModel:   utils.GetEnv("IMAGE_GENERATION_MODEL", "dall-e-3", log),

		RedisAddr: utils.GetEnv("REDIS_ADDR", "", log),
	}

	if s.VisionModel == "" {
		s.VisionModel = s.LLMModel
	}
	if s.VisionBaseURL == "" {
		s.VisionBaseURL = s.LLMBaseURL
	}
	if s.VisionAPIKey == "" {
		s.VisionAPIKey = s.LLMAPIKey
	}
	return s
}

func splitCommaList(raw string) []string {
	out := []string{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
