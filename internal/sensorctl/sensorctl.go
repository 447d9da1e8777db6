// Package sensorctl talks to the depth sensor daemon's small HTTP control
// API: capability discovery, acquisition mode configuration and start/stop
// commands. Daemon firmwares disagree on path layout, so every request
// probes the known layouts in order and takes the first that is not a 404.
package sensorctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"depthview-go/internal/types"
)

const module = "depth"

type Client struct {
	baseURL    string
	apiVersion string
	http       *http.Client
	log        *zap.Logger
}

func New(baseURL, apiVersion string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiVersion: strings.Trim(apiVersion, "/"),
		http:       &http.Client{Timeout: 2 * time.Second},
		log:        logger,
	}
}

// buildPaths lists candidate URLs for one resource, most specific layout
// first.
func (c *Client) buildPaths(kind, param string) []string {
	if c.baseURL == "" || kind == "" || param == "" {
		return nil
	}
	paths := make([]string, 0, 3)
	if c.apiVersion != "" {
		paths = append(paths, c.baseURL+"/"+module+"/api/"+c.apiVersion+"/"+kind+"/"+param)
		paths = append(paths, c.baseURL+"/api/"+c.apiVersion+"/"+module+"/"+kind+"/"+param)
	}
	paths = append(paths, c.baseURL+"/"+module+"/"+kind+"/"+param)
	return paths
}

// Supports asks the daemon whether it can produce the given acquisition
// variant. A missing capability endpoint counts as unsupported, not as a
// failure: old daemons predate the smoothed stream.
func (c *Client) Supports(ctx context.Context, mode types.DepthMode) (bool, error) {
	status, body, err := c.do(ctx, http.MethodGet, c.buildPaths("capability", "modes"), nil)
	if err != nil {
		return false, err
	}
	if status == http.StatusNotFound {
		return mode == types.ModeRaw, nil
	}
	if status != http.StatusOK {
		return false, fmt.Errorf("sensor capability query returned %d: %s", status, body)
	}
	for _, m := range parseModes([]byte(body)) {
		if types.DepthMode(m) == mode {
			return true, nil
		}
	}
	return false, nil
}

// Configure sets the acquisition mode. The daemon applies it on the next
// start.
func (c *Client) Configure(ctx context.Context, mode types.DepthMode) error {
	payload, err := json.Marshal(map[string]any{"value": string(mode)})
	if err != nil {
		return err
	}
	status, body, err := c.do(ctx, http.MethodPut, c.buildPaths("config", "mode"), payload)
	if err != nil {
		return err
	}
	if status < 200 || status > 299 {
		return fmt.Errorf("sensor config returned %d: %s", status, body)
	}
	return nil
}

func (c *Client) Start(ctx context.Context) error {
	return c.command(ctx, "start")
}

func (c *Client) Stop(ctx context.Context) error {
	return c.command(ctx, "stop")
}

func (c *Client) command(ctx context.Context, name string) error {
	status, body, err := c.do(ctx, http.MethodPut, c.buildPaths("command", name), nil)
	if err != nil {
		return err
	}
	if status < 200 || status > 299 {
		return fmt.Errorf("sensor command %q returned %d: %s", name, status, body)
	}
	return nil
}

// do probes the candidate paths in order; a 404 falls through to the next
// layout, anything else is the daemon's answer.
func (c *Client) do(ctx context.Context, method string, paths []string, payload []byte) (int, string, error) {
	if len(paths) == 0 {
		return 0, "", fmt.Errorf("missing sensor base url")
	}
	var lastErr error
	for _, path := range paths {
		var body io.Reader
		if len(payload) > 0 {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, path, body)
		if err != nil {
			lastErr = err
			continue
		}
		if len(payload) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		_ = resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			continue
		}
		return resp.StatusCode, strings.TrimSpace(string(respBody)), nil
	}
	if lastErr != nil {
		return 0, "", lastErr
	}
	return http.StatusNotFound, "", nil
}

// parseModes accepts either a bare JSON list or {"value": [...]}.
func parseModes(body []byte) []string {
	var list []string
	if err := json.Unmarshal(body, &list); err == nil {
		return list
	}
	var wrapped struct {
		Value []string `json:"value"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil {
		return wrapped.Value
	}
	return nil
}
