package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gryagbot/gryag-backend/internal/llm"
	"github.com/gryagbot/gryag-backend/internal/logger"
)

// ImageGenTool generates images through an OpenAI-compatible images
// endpoint. It is only registered when image generation is enabled in
// configuration.
type ImageGenTool struct {
	httpClient *http.Client
	log        *logger.Logger

	baseURL string
	apiKey  string
	model   string
	size    string
}

func NewImageGenTool(baseURL, apiKey, model, size string, baseLog *logger.Logger) *ImageGenTool {
	if size == "" {
		size = "1024x1024"
	}
	return &ImageGenTool{
		httpClient: &http.Client{Timeout: 120 * time.Second},
		log:        baseLog.With("tool", "generate_image"),
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		size:       size,
	}
}

func (t *ImageGenTool) Name() string { return "generate_image" }

func (t *ImageGenTool) Schema() llm.ToolSchema {
	s := objectSchema(
		"Generate an image from a text prompt. Returns a URL to the generated image.",
		map[string]any{
			"prompt": map[string]any{
				"type":        "string",
				"description": "Description of the image to generate.",
			},
		},
		"prompt",
	)
	s.Function.Name = t.Name()
	return s
}

func (t *ImageGenTool) Execute(ctx context.Context, _ Caller, args json.RawMessage) (string, error) {
	var in struct {
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("parse arguments: %w", err)
	}
	prompt := strings.TrimSpace(in.Prompt)
	if prompt == "" {
		return "", fmt.Errorf("prompt is empty")
	}

	reqBody, err := json.Marshal(map[string]any{
		"model":  t.model,
		"prompt": prompt,
		"n":      1,
		"size":   t.size,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/v1/images/generations", bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}

	var payload struct {
		Data []struct {
			URL     string `json:"url"`
			B64JSON string `json:"b64_json"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("decode image response: %w", err)
	}
	if len(payload.Data) == 0 {
		return "", fmt.Errorf("empty image response")
	}

	d := payload.Data[0]
	result := map[string]any{"status": "generated", "prompt": prompt}
	switch {
	case d.URL != "":
		result["url"] = d.URL
	case d.B64JSON != "":
		result["image_base64"] = d.B64JSON
	default:
		return "", fmt.Errorf("image response carries neither url nor data")
	}
	return marshalResult(result)
}
