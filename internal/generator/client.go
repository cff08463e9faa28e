package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/orbgame/storycache/internal/storage"
)

const (
	defaultTimeout = 60 * time.Second
	maxTokens      = 800
	temperature    = 0.7
)

// Draft is one freshly generated story before it gets an id and partition
// metadata. The generator may return fewer drafts than requested; that is a
// valid response, not an error.
type Draft struct {
	Headline string `json:"headline"`
	Summary  string `json:"summary"`
	FullText string `json:"fullText"`
	Source   string `json:"source"`
}

// Client calls an OpenAI-compatible chat completions endpoint to draft
// stories. The model named in the partition key selects the deployment.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewClient creates a generator client. requestsPerMinute > 0 enables
// client-side pacing of this paid, latency-heavy endpoint.
func NewClient(apiKey, baseURL string, requestsPerMinute int) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     slog.Default(),
	}
	if requestsPerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), 1)
	}
	return c
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Generate requests count drafts for the partition key and returns the ones
// that pass validation. Exactly one request is made per call; invalid drafts
// are dropped, never re-requested.
func (c *Client) Generate(ctx context.Context, key storage.Key, count int) ([]Draft, error) {
	if count <= 0 {
		return nil, nil
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req := chatRequest{
		Model: key.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt(key, count)},
		},
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, storage.RateLimited(fmt.Errorf("generator returned HTTP %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return nil, fmt.Errorf("response has no choices")
	}

	drafts, err := parseDrafts(cr.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	return c.validate(key, drafts), nil
}

// validate drops drafts missing a headline or full text. Dropped drafts are
// logged, not retried; callers fill any remaining deficit on a later call.
func (c *Client) validate(key storage.Key, drafts []Draft) []Draft {
	valid := drafts[:0]
	for _, d := range drafts {
		if strings.TrimSpace(d.Headline) == "" || strings.TrimSpace(d.FullText) == "" {
			c.logger.Warn("dropping invalid draft", "key", key.String(), "headline", d.Headline)
			continue
		}
		valid = append(valid, d)
	}
	return valid
}

// parseDrafts extracts the drafts array from model output. Models sometimes
// wrap the JSON in prose, so a failed parse falls back to the outermost
// brace-delimited block.
func parseDrafts(content string) ([]Draft, error) {
	var wrapper struct {
		Stories []Draft `json:"stories"`
	}
	if err := json.Unmarshal([]byte(content), &wrapper); err == nil {
		return wrapper.Stories, nil
	}

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in generator output")
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), &wrapper); err != nil {
		return nil, fmt.Errorf("parsing generator output: %w", err)
	}
	return wrapper.Stories, nil
}
