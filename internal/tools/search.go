package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gryagbot/gryag-backend/internal/llm"
	"github.com/gryagbot/gryag-backend/internal/logger"
)

const duckDuckGoBaseURL = "https://api.duckduckgo.com/"

const maxSearchResults = 5

// SearchTool queries the DuckDuckGo instant answer API. Coverage is
// shallow compared to a full search index but needs no credentials.
type SearchTool struct {
	httpClient *http.Client
	log        *logger.Logger
	baseURL    string
}

func NewSearchTool(baseLog *logger.Logger) *SearchTool {
	return &SearchTool{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		log:        baseLog.With("tool", "web_search"),
		baseURL:    duckDuckGoBaseURL,
	}
}

func (t *SearchTool) Name() string { return "web_search" }

func (t *SearchTool) Schema() llm.ToolSchema {
	s := objectSchema(
		"Search the web for factual information. Returns a short abstract and related results.",
		map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "The search query.",
			},
		},
		"query",
	)
	s.Function.Name = t.Name()
	return s
}

type searchResult struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

func (t *SearchTool) Execute(ctx context.Context, _ Caller, args json.RawMessage) (string, error) {
	var in struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("parse arguments: %w", err)
	}
	query := strings.TrimSpace(in.Query)
	if query == "" {
		return "", fmt.Errorf("query is empty")
	}

	q := url.Values{}
	q.Set("q", query)
	q.Set("format", "json")
	q.Set("no_html", "1")
	q.Set("skip_disambig", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}

	var payload struct {
		AbstractText  string `json:"AbstractText"`
		AbstractURL   string `json:"AbstractURL"`
		RelatedTopics []struct {
			Text     string `json:"Text"`
			FirstURL string `json:"FirstURL"`
		} `json:"RelatedTopics"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("decode search response: %w", err)
	}

	results := make([]searchResult, 0, maxSearchResults)
	for _, topic := range payload.RelatedTopics {
		if topic.Text == "" || topic.FirstURL == "" {
			continue
		}
		results = append(results, searchResult{Title: topic.Text, URL: topic.FirstURL})
		if len(results) >= maxSearchResults {
			break
		}
	}

	if payload.AbstractText == "" && len(results) == 0 {
		return marshalResult(map[string]any{
			"query":  query,
			"status": "no_results",
		})
	}

	return marshalResult(map[string]any{
		"query":    query,
		"abstract": payload.AbstractText,
		"source":   payload.AbstractURL,
		"results":  results,
	})
}
