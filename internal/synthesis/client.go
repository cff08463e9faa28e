package synthesis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout = 30 * time.Second

	// maxInputChars is the hard input limit of the downstream speech engine.
	maxInputChars = 4000

	ellipsis = "…"
)

// Client calls an OpenAI-compatible speech endpoint and returns raw audio
// bytes (mp3).
type Client struct {
	apiKey     string
	baseURL    string
	deployment string
	httpClient *http.Client
}

// NewClient creates a synthesis client for the given deployment (the TTS
// model name).
func NewClient(apiKey, baseURL, deployment string) *Client {
	return &Client{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		deployment: deployment,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

type speechRequest struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	ResponseFormat string `json:"response_format"`
}

// Synthesize converts text to speech. Input longer than the engine limit is
// hard-truncated first; language is advisory for engines that use it.
func (c *Client) Synthesize(ctx context.Context, text, language, voice string) ([]byte, error) {
	body, err := json.Marshal(speechRequest{
		Model:          c.deployment,
		Input:          Truncate(text),
		Voice:          voice,
		ResponseFormat: "mp3",
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		return nil, fmt.Errorf("speech API error %d: %s", resp.StatusCode, string(respBody))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading audio: %w", err)
	}
	return audio, nil
}

// Truncate hard-cuts text to the engine's input limit, appending an ellipsis
// marker when a cut happened. The cut is not sentence-aware.
func Truncate(text string) string {
	runes := []rune(text)
	if len(runes) <= maxInputChars {
		return text
	}
	return string(runes[:maxInputChars]) + ellipsis
}
