// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Shaman Authors
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package a2aclient is the A2A Client (C10): a retrying HTTP JSON-RPC 2.0
// client against either A2A persona (§4.9), used internally by recursive
// agent calls that target an agent hosted on a different node and
// exported as a library for external callers of a Shaman deployment.
//
// Grounded on pkg/a2a/client/http.go's HTTPClient — same bearer-token
// header, same "read full body, check status, decode" request shape —
// adapted from that client's REST-ish /v1/agents/{id}/message:send
// surface to this module's unified JSON-RPC 2.0 method registry
// (message/send, message/stream, tasks/get, tasks/cancel,
// tasks/resubscribe), and given retry-with-backoff the teacher's version
// does not have (the teacher's HTTPClient fails fast on any network or
// non-200 error).
package a2aclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shaman-run/shaman/internal/a2a"
)

// Error is a structured error carrying the server's JSON-RPC error object,
// when the server responded at all (mirrors the teacher's "server
// returned %d: %s" plain-text errors, but keeps the code/message/data
// fields machine-readable instead of flattening them into a string).
type Error struct {
	Code    int
	Message string
	Data    any
}

func (e *Error) Error() string { return fmt.Sprintf("a2aclient: rpc error %d: %s", e.Code, e.Message) }

// Config configures a Client's retry and transport behavior.
type Config struct {
	BaseURL     string
	Token       string // bearer token for the internal persona, or API key for the public persona
	MaxAttempts int           // default 3
	BaseDelay   time.Duration // default 1s
	MaxDelay    time.Duration // default 10s
	Timeout     time.Duration // per-attempt HTTP timeout, default 300s (streams run unbounded)
}

func (c *Config) setDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 300 * time.Second
	}
}

// Client is a retrying HTTP JSON-RPC client against one A2A persona
// endpoint (public or internal — the two differ only in base URL and
// auth header, both handled uniformly here).
type Client struct {
	cfg    Config
	http   *http.Client
	nextID int64
}

// New constructs a Client against cfg.BaseURL.
func New(cfg Config) *Client {
	cfg.setDefaults()
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// SendMessage issues a blocking message/send: dispatch agentName with
// message and wait for the synchronous RPC response (the resulting Task,
// possibly still non-terminal if the agent suspended on input-required).
func (c *Client) SendMessage(ctx context.Context, agentName string, message a2a.Message) (*a2a.Task, error) {
	var task a2a.Task
	err := c.call(ctx, "message/send", map[string]any{"agentName": agentName, "message": message}, &task)
	return &task, err
}

// GetTask fetches the current projection of a Task by id.
func (c *Client) GetTask(ctx context.Context, taskID string) (*a2a.Task, error) {
	var task a2a.Task
	err := c.call(ctx, "tasks/get", map[string]any{"id": taskID}, &task)
	return &task, err
}

// CancelTask requests cancellation of a Task by id.
func (c *Client) CancelTask(ctx context.Context, taskID string) (*a2a.Task, error) {
	var task a2a.Task
	err := c.call(ctx, "tasks/cancel", map[string]any{"id": taskID}, &task)
	return &task, err
}

// WaitForTerminal polls GetTask until the Task reaches a terminal state or
// ctx is done, backing the "block until the resulting Task reaches a
// terminal state" synchronous dispatch contract (§3's AGENT_CALL step).
func (c *Client) WaitForTerminal(ctx context.Context, taskID string, pollInterval time.Duration) (*a2a.Task, error) {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		task, err := c.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if task.Status.State.IsTerminal() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// StreamMessage issues message/stream and returns a channel of raw SSE
// event payloads (transport.Event-shaped JSON), closed when the server
// ends the stream or ctx is canceled. Errors encountered mid-stream are
// logged by the caller reading err from the last received item's
// "error" event field; this mirrors the teacher's StreamResponse channel
// pattern in pkg/a2a/client/http.go, adapted from protobuf frames to
// this module's plain JSON event payloads.
func (c *Client) StreamMessage(ctx context.Context, agentName string, message a2a.Message) (<-chan json.RawMessage, error) {
	body, err := json.Marshal(struct {
		JSONRPC string `json:"jsonrpc"`
		ID      int64  `json:"id"`
		Method  string `json:"method"`
		Params  any    `json:"params"`
	}{
		JSONRPC: "2.0",
		ID:      atomic.AddInt64(&c.nextID, 1),
		Method:  "message/stream",
		Params:  map[string]any{"agentName": agentName, "message": message},
	})
	if err != nil {
		return nil, fmt.Errorf("a2aclient: encode stream request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(c.cfg.BaseURL, "/")+"/rpc/stream", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("a2aclient: build stream request: %w", err)
	}
	c.setHeaders(req)

	resp, err := (&http.Client{Transport: c.http.Transport}).Do(req)
	if err != nil {
		return nil, fmt.Errorf("a2aclient: stream request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("a2aclient: server returned %d: %s", resp.StatusCode, string(msg))
	}

	events := make(chan json.RawMessage, 16)
	go func() {
		defer close(events)
		defer resp.Body.Close()
		scanSSE(resp.Body, func(data []byte) {
			select {
			case events <- append(json.RawMessage(nil), data...):
			case <-ctx.Done():
			}
		})
	}()
	return events, nil
}

// scanSSE reads an SSE byte stream, invoking onData for every "data: "
// line (keep-alive comment lines beginning with ":" and multi-line
// "data:" continuations are tolerated per the SSE spec). Grounded on
// pkg/a2a/client/http.go's bufio.Reader.ReadBytes('\n') pattern rather
// than bufio.Scanner, since Scanner's 64KB default line limit can
// truncate large tool-result payloads.
func scanSSE(r io.Reader, onData func(data []byte)) {
	reader := bufio.NewReader(r)
	var dataLines []string

	flush := func() {
		if len(dataLines) == 0 {
			return
		}
		onData([]byte(strings.Join(dataLines, "\n")))
		dataLines = dataLines[:0]
	}

	for {
		line, err := reader.ReadBytes('\n')
		text := strings.TrimRight(string(line), "\r\n")
		switch {
		case strings.HasPrefix(text, ":"):
			// keep-alive comment, ignored
		case strings.HasPrefix(text, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(text, "data:"), " "))
		case text == "":
			flush()
		}
		if err != nil {
			flush()
			return
		}
	}
}

// call performs one JSON-RPC request against /rpc with retry on network
// errors, 429, and 5xx responses, exponential backoff capped at
// cfg.MaxDelay (§4.10's retrying-client contract).
func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	body, err := json.Marshal(struct {
		JSONRPC string `json:"jsonrpc"`
		ID      int64  `json:"id"`
		Method  string `json:"method"`
		Params  any    `json:"params"`
	}{
		JSONRPC: "2.0",
		ID:      atomic.AddInt64(&c.nextID, 1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("a2aclient: encode request: %w", err)
	}

	var lastErr error
	delay := c.cfg.BaseDelay
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		retryable, err := c.doOnce(ctx, body, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable || attempt == c.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.cfg.MaxDelay {
			delay = c.cfg.MaxDelay
		}
	}
	return lastErr
}

func (c *Client) doOnce(ctx context.Context, body []byte, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(c.cfg.BaseURL, "/")+"/rpc", bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("a2aclient: build request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return true, fmt.Errorf("a2aclient: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return true, fmt.Errorf("a2aclient: read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return true, fmt.Errorf("a2aclient: server returned %d: %s", resp.StatusCode, string(respBody))
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("a2aclient: server returned %d: %s", resp.StatusCode, string(respBody))
	}

	var rpcResp struct {
		JSONRPC string `json:"jsonrpc"`
		Result  json.RawMessage
		Error   *Error `json:"error"`
	}
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return false, fmt.Errorf("a2aclient: decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return false, rpcResp.Error
	}
	if out != nil && rpcResp.Result != nil {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return false, fmt.Errorf("a2aclient: decode result: %w", err)
		}
	}
	return false, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
		req.Header.Set("X-API-Key", c.cfg.Token)
	}
}
