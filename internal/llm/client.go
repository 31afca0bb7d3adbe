package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gryagbot/gryag-backend/internal/logger"
)

// Config mirrors the reliability knobs of the upstream wrapper:
// primary/fallback models, retry budget, backoff shape, hard timeout,
// and the independent vision endpoint.
type Config struct {
	BaseURL             string
	APIKey              string
	ChatCompletionsPath string

	Model         string
	FallbackModel string

	MaxRetries  int
	Timeout     time.Duration
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Jitter      bool

	MaxResponseTokens int
	Temperature       float64

	VisionEnabled bool
	VisionModel   string
	VisionBaseURL string
	VisionAPIKey  string
}

// CallRecord is handed to an optional Recorder after every completed
// gateway call (success or final failure) for audit persistence.
type CallRecord struct {
	ChatID    int64
	Model     string
	Kind      string
	Status    string
	Latency   time.Duration
	Attempts  int
	Request   []byte
	Response  []byte
	ErrorText string
}

type Recorder interface {
	Record(ctx context.Context, rec CallRecord)
}

type endpoint struct {
	baseURL string
	apiKey  string
	path    string
}

type Client struct {
	cfg        Config
	httpClient *http.Client
	log        *logger.Logger
	recorder   Recorder

	// sleep is injectable so tests can observe backoff delays without
	// actually waiting.
	sleep     func(time.Duration)
	randFloat func() float64
}

func NewClient(cfg Config, log *logger.Logger) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("llm: base url required")
	}
	cfg.BaseURL = baseURL

	if strings.TrimSpace(cfg.ChatCompletionsPath) == "" {
		cfg.ChatCompletionsPath = "/v1/chat/completions"
	}
	if cfg.Model == "" {
		return nil, errors.New("llm: model required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 1 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}
	if cfg.VisionModel == "" {
		cfg.VisionModel = cfg.Model
	}
	if cfg.VisionBaseURL == "" {
		cfg.VisionBaseURL = cfg.BaseURL
	}
	cfg.VisionBaseURL = strings.TrimRight(strings.TrimSpace(cfg.VisionBaseURL), "/")
	if cfg.VisionAPIKey == "" {
		cfg.VisionAPIKey = cfg.APIKey
	}

	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Transport: tr},
		log:        log.With("service", "LLMClient"),
		sleep:      time.Sleep,
		randFloat:  rand.Float64,
	}, nil
}

// NewClientWithHTTPClient is intended for tests; it avoids network
// access by using a custom RoundTripper.
func NewClientWithHTTPClient(cfg Config, log *logger.Logger, httpClient *http.Client) (*Client, error) {
	c, err := NewClient(cfg, log)
	if err != nil {
		return nil, err
	}
	if httpClient != nil {
		c.httpClient = httpClient
	}
	return c, nil
}

func (c *Client) SetRecorder(r Recorder) {
	c.recorder = r
}

// ---------------- Wire structs ----------------

type chatCompletionRequest struct {
	Model       string       `json:"model"`
	Messages    []Message    `json:"messages"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Temperature float64      `json:"temperature,omitempty"`
	Tools       []ToolSchema `json:"tools,omitempty"`
	ToolChoice  string       `json:"tool_choice,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content,omitempty"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Type     string `json:"type"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls,omitempty"`
		} `json:"message,omitempty"`
	} `json:"choices"`
}

// ---------------- Public API ----------------

func (c *Client) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	comp, err := c.run(ctx, req, "completion", c.primaryEndpoint(), true)
	if err != nil {
		return "", err
	}
	return comp.Text, nil
}

func (c *Client) CompleteWithTools(ctx context.Context, req CompletionRequest) (*Completion, error) {
	if req.ToolChoice == "" && len(req.Tools) > 0 {
		req.ToolChoice = ToolChoiceAuto
	}
	return c.run(ctx, req, "tool_loop", c.primaryEndpoint(), true)
}

func (c *Client) CompleteVision(ctx context.Context, req CompletionRequest) (string, error) {
	if !c.cfg.VisionEnabled {
		return "", ErrVisionDisabled
	}
	if req.Model == "" {
		req.Model = c.cfg.VisionModel
	}
	// The vision endpoint is independent; no fallback model applies.
	comp, err := c.run(ctx, req, "vision", c.visionEndpoint(), false)
	if err != nil {
		return "", err
	}
	return comp.Text, nil
}

func (c *Client) primaryEndpoint() endpoint {
	return endpoint{baseURL: c.cfg.BaseURL, apiKey: c.cfg.APIKey, path: c.cfg.ChatCompletionsPath}
}

func (c *Client) visionEndpoint() endpoint {
	return endpoint{baseURL: c.cfg.VisionBaseURL, apiKey: c.cfg.VisionAPIKey, path: c.cfg.ChatCompletionsPath}
}

// ---------------- Retry/fallback core ----------------

func (c *Client) run(ctx context.Context, req CompletionRequest, kind string, ep endpoint, allowFallback bool) (*Completion, error) {
	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.cfg.MaxResponseTokens
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.cfg.Temperature
	}

	models := []string{model}
	if allowFallback && c.cfg.FallbackModel != "" && c.cfg.FallbackModel != model {
		models = append(models, c.cfg.FallbackModel)
	}

	started := time.Now()
	attempts := 0
	var lastErr error
	var lastReqBody []byte

	for mi, m := range models {
		if mi > 0 {
			c.log.Info("Switching to fallback model", "model", m)
		}

		wireReq := chatCompletionRequest{
			Model:       m,
			Messages:    req.Messages,
			MaxTokens:   maxTokens,
			Temperature: temperature,
			Tools:       req.Tools,
			ToolChoice:  req.ToolChoice,
		}

		backoff := c.cfg.BaseBackoff
		for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
			if err := ctx.Err(); err != nil {
				return nil, c.fail(ctx, req.ChatID, m, kind, started, attempts, lastReqBody, err)
			}

			comp, resp, reqBody, raw, err := c.doOnce(ctx, ep, wireReq)
			attempts++
			lastReqBody = reqBody
			if err == nil {
				comp.Model = m
				comp.Attempts = attempts
				c.record(ctx, CallRecord{
					ChatID:   req.ChatID,
					Model:    m,
					Kind:     kind,
					Status:   "ok",
					Latency:  time.Since(started),
					Attempts: attempts,
					Request:  reqBody,
					Response: raw,
				})
				return comp, nil
			}

			lastErr = err
			if !isRetryableErr(err) {
				return nil, c.fail(ctx, req.ChatID, m, kind, started, attempts, reqBody, err)
			}
			if attempt == c.cfg.MaxRetries {
				break // retries exhausted for this model; try fallback if any
			}

			sleepFor := backoff
			if resp != nil {
				if ra := strings.TrimSpace(resp.Header.Get("Retry-After")); ra != "" {
					if secs, parseErr := strconv.Atoi(ra); parseErr == nil && secs > 0 {
						sleepFor = time.Duration(secs) * time.Second
					}
				}
			}
			if sleepFor > c.cfg.MaxBackoff {
				sleepFor = c.cfg.MaxBackoff
			}
			if c.cfg.Jitter {
				sleepFor = jitter(sleepFor, c.randFloat)
			}

			c.log.Warn("LLM request retrying",
				"model", m,
				"attempt", attempt+1,
				"max_retries", c.cfg.MaxRetries,
				"sleep", sleepFor.String(),
				"error", err.Error(),
			)
			c.sleep(sleepFor)
			backoff *= 2
		}
	}

	if lastErr == nil {
		lastErr = errors.New("llm: no attempts made")
	}
	return nil, c.fail(ctx, req.ChatID, model, kind, started, attempts, lastReqBody, lastErr)
}

func (c *Client) fail(ctx context.Context, chatID int64, model, kind string, started time.Time, attempts int, reqBody []byte, err error) error {
	typed := classify(err)
	c.record(ctx, CallRecord{
		ChatID:    chatID,
		Model:     model,
		Kind:      kind,
		Status:    string(typed.Kind),
		Latency:   time.Since(started),
		Attempts:  attempts,
		Request:   reqBody,
		ErrorText: typed.Error(),
	})
	return typed
}

func (c *Client) record(ctx context.Context, rec CallRecord) {
	if c.recorder == nil {
		return
	}
	c.recorder.Record(ctx, rec)
}

// jitter spreads the delay by +/-20% while preserving the doubling
// trend between consecutive attempts.
func jitter(base time.Duration, randFloat func() float64) time.Duration {
	if base <= 0 {
		return 0
	}
	const j = 0.2
	low := base.Seconds() * (1 - j)
	high := base.Seconds() * (1 + j)
	v := low + randFloat()*(high-low)
	return time.Duration(v * float64(time.Second))
}

// doOnce performs one upstream call under the configured hard timeout.
func (c *Client) doOnce(ctx context.Context, ep endpoint, body chatCompletionRequest) (*Completion, *http.Response, []byte, []byte, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, nil, nil, nil, err
	}
	reqBody := bytes.TrimSpace(buf.Bytes())

	ctx2, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx2, http.MethodPost, ep.baseURL+ep.path, bytes.NewReader(reqBody))
	if err != nil {
		return nil, nil, reqBody, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if ep.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+ep.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, nil, reqBody, nil, err
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if readErr != nil {
		return nil, resp, reqBody, nil, readErr
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp, reqBody, raw, &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, resp, reqBody, raw, fmt.Errorf("decode upstream response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, resp, reqBody, raw, errors.New("empty upstream completion")
	}

	msg := parsed.Choices[0].Message
	comp := &Completion{
		Text: StripReasoning(msg.Content),
	}
	for _, tc := range msg.ToolCalls {
		comp.ToolCalls = append(comp.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return comp, resp, reqBody, raw, nil
}
