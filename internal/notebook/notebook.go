// Package notebook wraps the worker's tools/call sub-operations for one
// notebook: chat configuration, topic suggestions, questions and source
// registration.
package notebook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"notebookqa-go/internal/rpc"
)

const (
	DescribeTimeout  = 30 * time.Second
	ConfigureTimeout = 30 * time.Second
	AddURLTimeout    = 60 * time.Second

	// QueryTimeout is what the worker is asked to spend generating an
	// answer; the call itself waits a little longer than that.
	QueryTimeout     = 120 * time.Second
	queryCallTimeout = QueryTimeout + 10*time.Second

	parseFailureAnswer = "Failed to parse response from notebook."
)

// Caller is the session surface the client needs.
type Caller interface {
	Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)
}

type Client struct {
	caller     Caller
	notebookID string
	log        *slog.Logger

	describe singleflight.Group
}

// ChatSettings are the remote chat defaults applied at startup.
type ChatSettings struct {
	ResponseLength string
	Goal           string
}

// ToolResult is the result payload of a tools/call.
type ToolResult struct {
	Content []ContentItem `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

type ContentItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

func New(caller Caller, notebookID string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		caller:     caller,
		notebookID: notebookID,
		log:        logger.With(slog.String("notebook", notebookID)),
	}
}

func (c *Client) NotebookID() string {
	return c.notebookID
}

// CallTool invokes one tools/call sub-operation. notebook_id is always
// filled in.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any, timeout time.Duration) (ToolResult, error) {
	arguments := map[string]any{"notebook_id": c.notebookID}
	for k, v := range args {
		arguments[k] = v
	}
	raw, err := c.caller.Call(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": arguments,
	}, timeout)
	if err != nil {
		return ToolResult{}, err
	}
	var result ToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return ToolResult{}, fmt.Errorf("parsing %s result: %w", name, err)
	}
	return result, nil
}

// Configure applies chat defaults. The result is ignored.
func (c *Client) Configure(ctx context.Context, settings ChatSettings) error {
	if settings.ResponseLength == "" {
		settings.ResponseLength = "default"
	}
	if settings.Goal == "" {
		settings.Goal = "default"
	}
	_, err := c.CallTool(ctx, "chat_configure", map[string]any{
		"response_length": settings.ResponseLength,
		"goal":            settings.Goal,
	}, ConfigureTimeout)
	if err != nil {
		return fmt.Errorf("chat_configure: %w", err)
	}
	return nil
}

// SuggestedTopics returns the notebook's suggested topics. It never fails:
// every problem is logged and yields an empty slice. Concurrent callers
// share a single describe call.
func (c *Client) SuggestedTopics(ctx context.Context) []string {
	v, _, _ := c.describe.Do("describe", func() (any, error) {
		return c.suggestedTopics(ctx), nil
	})
	topics, _ := v.([]string)
	if topics == nil {
		return []string{}
	}
	return topics
}

func (c *Client) suggestedTopics(ctx context.Context) []string {
	result, err := c.CallTool(ctx, "notebook_describe", nil, DescribeTimeout)
	if err != nil {
		c.log.Warn("notebook_describe failed", slog.Any("error", err))
		return nil
	}
	text, ok := firstText(result)
	if !ok {
		c.log.Warn("notebook_describe returned no content")
		return nil
	}
	var described struct {
		SuggestedTopics []string `json:"suggested_topics"`
	}
	if err := json.Unmarshal([]byte(text), &described); err != nil {
		c.log.Warn("notebook_describe text is not JSON",
			slog.String("text", truncate(text, 200)),
			slog.Any("error", err),
		)
		return nil
	}
	return described.SuggestedTopics
}

// Ask sends a question and returns the answer text. A worker error envelope
// is turned into a readable answer rather than an error; only transport
// failures are returned as errors.
func (c *Client) Ask(ctx context.Context, question string) (string, error) {
	result, err := c.CallTool(ctx, "notebook_query", map[string]any{
		"query":   question,
		"timeout": QueryTimeout.Seconds(),
	}, queryCallTimeout)
	if err != nil {
		var rpcErr *rpc.RPCError
		if errors.As(err, &rpcErr) {
			return fmt.Sprintf("notebook error: %s", rpcErr.Error()), nil
		}
		return "", err
	}

	text, ok := firstText(result)
	if !ok {
		c.log.Warn("notebook_query returned no content")
		return parseFailureAnswer, nil
	}
	var answered struct {
		Answer *string `json:"answer"`
	}
	if err := json.Unmarshal([]byte(text), &answered); err != nil {
		c.log.Debug("notebook_query text is not JSON, returning it as is", slog.Any("error", err))
		return text, nil
	}
	if answered.Answer == nil {
		return text, nil
	}
	return *answered.Answer, nil
}

// AddURL registers a URL as a notebook source and returns the worker's
// reply text.
func (c *Client) AddURL(ctx context.Context, url string) (string, error) {
	result, err := c.CallTool(ctx, "notebook_add_url", map[string]any{"url": url}, AddURLTimeout)
	if err != nil {
		return "", fmt.Errorf("notebook_add_url %s: %w", url, err)
	}
	text, _ := firstText(result)
	if result.IsError {
		return text, fmt.Errorf("notebook_add_url %s: %s", url, text)
	}
	return text, nil
}

func firstText(result ToolResult) (string, bool) {
	if len(result.Content) == 0 {
		return "", false
	}
	text := result.Content[0].Text
	if text == "" {
		text = "{}"
	}
	return text, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
