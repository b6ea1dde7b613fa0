package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/haasonsaas/voicecall/internal/config"
	"github.com/haasonsaas/voicecall/internal/gateway"
)

// envAPIToken supplies the control API token to client commands.
const envAPIToken = "VOICECALL_API_TOKEN"

type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func newAPIClient(baseURL, token string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *apiClient) getJSON(ctx context.Context, path string, out *gateway.APIResponse) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *apiClient) postJSON(ctx context.Context, path string, payload any, out *gateway.APIResponse) error {
	return c.do(ctx, http.MethodPost, path, payload, out)
}

func (c *apiClient) do(ctx context.Context, method, path string, payload any, out *gateway.APIResponse) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("request %s failed: %s (read body: %w)", path, resp.Status, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr gateway.APIResponse
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("request %s failed: %s (%s)", path, resp.Status, apiErr.Error)
		}
		if text := strings.TrimSpace(string(raw)); text != "" {
			return fmt.Errorf("request %s failed: %s (%s)", path, resp.Status, text)
		}
		return fmt.Errorf("request %s failed: %s", path, resp.Status)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// resolveClient builds an API client from flags, falling back to the
// environment and then the config file.
func resolveClient(flags clientFlags) (*apiClient, error) {
	token := strings.TrimSpace(flags.token)
	if token == "" {
		token = strings.TrimSpace(os.Getenv(envAPIToken))
	}

	var cfg *config.Config
	if strings.TrimSpace(flags.serverAddr) == "" || token == "" {
		path, err := config.ResolvePath(flags.configPath)
		if err == nil {
			cfg, err = config.Load(path)
		}
		if err != nil && strings.TrimSpace(flags.serverAddr) == "" {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	if token == "" && cfg != nil {
		token = cfg.Server.APIToken
	}

	baseURL, err := resolveHTTPBaseURL(cfg, flags.serverAddr)
	if err != nil {
		return nil, err
	}
	return newAPIClient(baseURL, token), nil
}

func resolveHTTPBaseURL(cfg *config.Config, serverAddr string) (string, error) {
	addr := strings.TrimSpace(serverAddr)
	if addr == "" {
		if cfg == nil {
			return "", fmt.Errorf("server address required")
		}
		host := strings.TrimSpace(cfg.Server.Host)
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "localhost"
		}
		port := cfg.Server.HTTPPort
		if port == 0 {
			port = 3334
		}
		addr = fmt.Sprintf("%s:%d", host, port)
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/"), nil
	}
	return "http://" + strings.TrimRight(addr, "/"), nil
}
