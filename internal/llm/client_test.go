package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gryagbot/gryag-backend/internal/logger"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func textCompletionBody(text string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": text}},
		},
	})
	return string(b)
}

func newTestClient(t *testing.T, cfg Config, rt roundTripperFunc) *Client {
	t.Helper()
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://llm.test"
	}
	if cfg.Model == "" {
		cfg.Model = "test-model"
	}
	c, err := NewClientWithHTTPClient(cfg, logger.NewNop(), &http.Client{Transport: rt})
	if err != nil {
		t.Fatalf("NewClientWithHTTPClient: %v", err)
	}
	c.sleep = func(time.Duration) {}
	return c
}

func TestCompleteRetriesWithExponentialBackoff(t *testing.T) {
	var calls int
	rt := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		calls++
		if calls <= 2 {
			return jsonResponse(http.StatusInternalServerError, `{"error":{"message":"boom"}}`), nil
		}
		return jsonResponse(http.StatusOK, textCompletionBody("привіт")), nil
	})

	c := newTestClient(t, Config{MaxRetries: 3}, rt)

	var delays []time.Duration
	c.sleep = func(d time.Duration) { delays = append(delays, d) }

	text, err := c.Complete(context.Background(), CompletionRequest{
		Messages: []Message{TextMessage("user", "hi")},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if text != "привіт" {
		t.Fatalf("unexpected text: %q", text)
	}
	if calls != 3 {
		t.Fatalf("expected 3 upstream calls, got %d", calls)
	}
	if len(delays) != 2 {
		t.Fatalf("expected 2 backoff sleeps, got %d", len(delays))
	}
	if delays[1] <= delays[0] {
		t.Fatalf("expected strictly increasing delays, got %v then %v", delays[0], delays[1])
	}
	if delays[0] != 1*time.Second || delays[1] != 2*time.Second {
		t.Fatalf("unexpected backoff schedule: %v", delays)
	}
}

func TestCompleteRespectsRetryAfterHeader(t *testing.T) {
	var calls int
	rt := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		calls++
		if calls == 1 {
			resp := jsonResponse(http.StatusTooManyRequests, `{"error":{"message":"slow down"}}`)
			resp.Header.Set("Retry-After", "3")
			return resp, nil
		}
		return jsonResponse(http.StatusOK, textCompletionBody("ok")), nil
	})

	c := newTestClient(t, Config{MaxRetries: 2}, rt)

	var delays []time.Duration
	c.sleep = func(d time.Duration) { delays = append(delays, d) }

	if _, err := c.Complete(context.Background(), CompletionRequest{
		Messages: []Message{TextMessage("user", "hi")},
	}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(delays) != 1 || delays[0] != 3*time.Second {
		t.Fatalf("expected one 3s sleep from Retry-After, got %v", delays)
	}
}

func TestCompleteMapsErrorKinds(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   Kind
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":{"message":"rate limit exceeded"}}`, KindRateLimited},
		{"server error", http.StatusServiceUnavailable, `{"error":{"message":"overloaded"}}`, KindModelUnavailable},
		{"moderation", http.StatusBadRequest, `{"error":{"code":"content_policy_violation"}}`, KindModerationBlocked},
		{"bad request", http.StatusBadRequest, `{"error":{"message":"invalid schema"}}`, KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rt := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
				return jsonResponse(tc.status, tc.body), nil
			})
			c := newTestClient(t, Config{MaxRetries: 1}, rt)

			_, err := c.Complete(context.Background(), CompletionRequest{
				Messages: []Message{TextMessage("user", "hi")},
			})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := KindOf(err); got != tc.want {
				t.Fatalf("kind = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestCompleteModerationIsNotRetried(t *testing.T) {
	var calls int
	rt := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		calls++
		return jsonResponse(http.StatusForbidden, `{"error":{"message":"blocked by content policy"}}`), nil
	})

	c := newTestClient(t, Config{MaxRetries: 3, FallbackModel: "backup-model"}, rt)

	_, err := c.Complete(context.Background(), CompletionRequest{
		Messages: []Message{TextMessage("user", "hi")},
	})
	if KindOf(err) != KindModerationBlocked {
		t.Fatalf("expected moderation_blocked, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("fatal error must not be retried, got %d calls", calls)
	}
}

func TestCompleteFallsBackToSecondaryModel(t *testing.T) {
	var models []string
	rt := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		var body struct {
			Model string `json:"model"`
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		models = append(models, body.Model)

		if body.Model == "primary" {
			return jsonResponse(http.StatusBadGateway, `{"error":{"message":"upstream down"}}`), nil
		}
		return jsonResponse(http.StatusOK, textCompletionBody("from backup")), nil
	})

	c := newTestClient(t, Config{Model: "primary", FallbackModel: "backup", MaxRetries: 1}, rt)

	comp, err := c.CompleteWithTools(context.Background(), CompletionRequest{
		Messages: []Message{TextMessage("user", "hi")},
	})
	if err != nil {
		t.Fatalf("CompleteWithTools: %v", err)
	}
	if comp.Text != "from backup" {
		t.Fatalf("unexpected text: %q", comp.Text)
	}
	if comp.Model != "backup" {
		t.Fatalf("expected answer attributed to backup, got %q", comp.Model)
	}
	// Primary exhausts its retry budget before the fallback runs once.
	want := []string{"primary", "primary", "backup"}
	if len(models) != len(want) {
		t.Fatalf("model sequence %v, want %v", models, want)
	}
	for i := range want {
		if models[i] != want[i] {
			t.Fatalf("model sequence %v, want %v", models, want)
		}
	}
}

func TestCompleteWithToolsParsesToolCalls(t *testing.T) {
	body, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{
				"tool_calls": []map[string]any{
					{
						"id":   "call_1",
						"type": "function",
						"function": map[string]any{
							"name":      "calculator",
							"arguments": `{"expression":"2+2"}`,
						},
					},
				},
			}},
		},
	})
	rt := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, string(body)), nil
	})

	c := newTestClient(t, Config{}, rt)

	comp, err := c.CompleteWithTools(context.Background(), CompletionRequest{
		Messages: []Message{TextMessage("user", "2+2?")},
		Tools: []ToolSchema{{
			Type:     "function",
			Function: FunctionSchema{Name: "calculator"},
		}},
	})
	if err != nil {
		t.Fatalf("CompleteWithTools: %v", err)
	}
	if len(comp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(comp.ToolCalls))
	}
	tc := comp.ToolCalls[0]
	if tc.ID != "call_1" || tc.Name != "calculator" || tc.Arguments != `{"expression":"2+2"}` {
		t.Fatalf("unexpected tool call: %+v", tc)
	}
}

func TestCompleteCanceledContextIsNotRetried(t *testing.T) {
	var calls int
	rt := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		calls++
		return nil, r.Context().Err()
	})

	c := newTestClient(t, Config{MaxRetries: 3}, rt)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Complete(ctx, CompletionRequest{
		Messages: []Message{TextMessage("user", "hi")},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 0 {
		t.Fatalf("canceled context must short-circuit, got %d calls", calls)
	}
}

func TestCompleteVisionDisabled(t *testing.T) {
	rt := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		t.Fatal("no upstream call expected")
		return nil, nil
	})
	c := newTestClient(t, Config{VisionEnabled: false}, rt)

	_, err := c.CompleteVision(context.Background(), CompletionRequest{})
	if !errors.Is(err, ErrVisionDisabled) {
		t.Fatalf("expected ErrVisionDisabled, got %v", err)
	}
}

func TestCompleteVisionUsesVisionEndpoint(t *testing.T) {
	var gotURL, gotAuth, gotModel string
	rt := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		gotURL = r.URL.String()
		gotAuth = r.Header.Get("Authorization")
		var body struct {
			Model string `json:"model"`
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		gotModel = body.Model
		return jsonResponse(http.StatusOK, textCompletionBody("a cat")), nil
	})

	c := newTestClient(t, Config{
		APIKey:        "primary-key",
		VisionEnabled: true,
		VisionModel:   "vision-model",
		VisionBaseURL: "https://vision.test",
		VisionAPIKey:  "vision-key",
	}, rt)

	text, err := c.CompleteVision(context.Background(), CompletionRequest{
		Messages: []Message{{
			Role: "user",
			Parts: []ContentPart{
				{Type: "text", Text: "what is on the picture?"},
				{Type: "image_url", ImageURL: &ImageURL{URL: "data:image/jpeg;base64,AAAA"}},
			},
		}},
	})
	if err != nil {
		t.Fatalf("CompleteVision: %v", err)
	}
	if text != "a cat" {
		t.Fatalf("unexpected text: %q", text)
	}
	if gotURL != "https://vision.test/v1/chat/completions" {
		t.Fatalf("unexpected url: %s", gotURL)
	}
	if gotAuth != "Bearer vision-key" {
		t.Fatalf("unexpected auth header: %s", gotAuth)
	}
	if gotModel != "vision-model" {
		t.Fatalf("unexpected model: %s", gotModel)
	}
}

func TestStripReasoning(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "просто відповідь", "просто відповідь"},
		{"closed tag", "<think>hmm, let me see</think>Відповідь: 4", "Відповідь: 4"},
		{"mixed case", "<Thinking>секрет</Thinking>готово", "готово"},
		{"multiline", "<reasoning>line one\nline two</reasoning>\nok", "ok"},
		{"unclosed leading", "<think>endless pondering\n\nактуальна відповідь", "актуальна відповідь"},
		{"empty after strip", "<think>only thoughts</think>", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := StripReasoning(tc.in); got != tc.want {
				t.Fatalf("StripReasoning(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestMessageMarshalShapes(t *testing.T) {
	plain, err := json.Marshal(TextMessage("user", "hi"))
	if err != nil {
		t.Fatalf("marshal plain: %v", err)
	}
	if string(plain) != `{"role":"user","content":"hi"}` {
		t.Fatalf("unexpected plain shape: %s", plain)
	}

	multi, err := json.Marshal(Message{
		Role: "user",
		Parts: []ContentPart{
			{Type: "text", Text: "look"},
			{Type: "image_url", ImageURL: &ImageURL{URL: "http://img"}},
		},
	})
	if err != nil {
		t.Fatalf("marshal multimodal: %v", err)
	}
	if !strings.Contains(string(multi), `"type":"image_url"`) {
		t.Fatalf("multimodal shape missing image part: %s", multi)
	}

	toolMsg, err := json.Marshal(Message{
		Role:      "assistant",
		ToolCalls: []ToolCall{{ID: "c1", Name: "calculator", Arguments: `{"expression":"1"}`}},
	})
	if err != nil {
		t.Fatalf("marshal tool message: %v", err)
	}
	if !strings.Contains(string(toolMsg), `"type":"function"`) {
		t.Fatalf("tool call shape missing function type: %s", toolMsg)
	}
}
