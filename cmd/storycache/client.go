package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/orbgame/storycache/internal/config"
)

// apiClient talks to the local server's HTTP surface on behalf of CLI
// commands. The timeout is generous because a cold preload request may sit
// behind generation and synthesis.
type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	return &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		token:      config.APIToken(),
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}, nil
}

// call performs one authenticated request and decodes the JSON response into
// out (skipped when out is nil). Error responses surface the server's body.
func (c *apiClient) call(ctx context.Context, method, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("server not reachable — is storycache running? (%w)", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		detail, rerr := io.ReadAll(resp.Body)
		if rerr != nil {
			return fmt.Errorf("server returned %d (failed to read body: %w)", resp.StatusCode, rerr)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(detail))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *apiClient) getJSON(ctx context.Context, path string, out any) error {
	return c.call(ctx, "GET", path, nil, out)
}

func (c *apiClient) postJSON(ctx context.Context, path string, body, out any) error {
	return c.call(ctx, "POST", path, body, out)
}
