package sensorctl

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type Status struct {
	Sensor string
	Stream string
}

// Poll fetches daemon state at the given interval and hands each result to
// update. It returns when ctx is cancelled.
func (c *Client) Poll(ctx context.Context, interval time.Duration, update func(Status)) {
	if c.baseURL == "" || update == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		update(Status{
			Sensor: c.fetchState(ctx, "state"),
			Stream: c.fetchState(ctx, "stream"),
		})
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Client) fetchState(ctx context.Context, param string) string {
	status, body, err := c.do(ctx, http.MethodGet, c.buildPaths("status", param), nil)
	if err != nil {
		return "error"
	}
	if status != http.StatusOK {
		return fmt.Sprintf("http_%d", status)
	}
	if body == "" {
		return "ok"
	}
	if state, ok := extractState([]byte(body)); ok {
		return state
	}
	return "ok"
}

func extractState(payload []byte) (string, bool) {
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return "", false
	}
	state := findState(decoded)
	if state == "" {
		return "", false
	}
	return strings.ToLower(state), true
}

func findState(value any) string {
	switch v := value.(type) {
	case map[string]any:
		for _, key := range []string{"state", "status", "value"} {
			if entry, ok := v[key]; ok {
				switch inner := entry.(type) {
				case string:
					return inner
				default:
					if nested := findState(inner); nested != "" {
						return nested
					}
				}
			}
		}
	case []any:
		for _, entry := range v {
			if nested := findState(entry); nested != "" {
				return nested
			}
		}
	}
	return ""
}
