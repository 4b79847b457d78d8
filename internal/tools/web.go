package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const webBodyCap = 512 * 1024

// WebFetchTool fetches a URL and returns the response body as text.
func WebFetchTool(client *http.Client) Definition {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return Definition{
		Name:        "web_fetch",
		Capability:  "web.fetch",
		Description: "Fetch a URL over HTTP(S) and return status and body text",
		InputSchema: objectSchema([]string{"url"}, map[string]any{
			"url": map[string]any{"type": "string", "description": "Absolute http(s) URL"},
		}),
		Invoke: func(ctx context.Context, args json.RawMessage) (any, error) {
			var p struct {
				URL string `json:"url"`
			}
			if err := decodeArgs(args, &p); err != nil {
				return nil, err
			}
			if !strings.HasPrefix(p.URL, "http://") && !strings.HasPrefix(p.URL, "https://") {
				return nil, fmt.Errorf("only http(s) URLs are supported")
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
			if err != nil {
				return nil, fmt.Errorf("build request: %w", err)
			}
			resp, err := client.Do(req)
			if err != nil {
				return nil, fmt.Errorf("fetch %s: %w", p.URL, err)
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(io.LimitReader(resp.Body, webBodyCap))
			if err != nil {
				return nil, fmt.Errorf("read body: %w", err)
			}
			return map[string]any{
				"status": resp.StatusCode,
				"body":   string(body),
			}, nil
		},
		Preview: func(args json.RawMessage) string {
			var p struct {
				URL string `json:"url"`
			}
			if err := json.Unmarshal(args, &p); err != nil {
				return string(args)
			}
			return p.URL
		},
	}
}
