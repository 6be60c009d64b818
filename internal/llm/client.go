// Package llm talks to an OpenAI-compatible chat completions endpoint and
// implements the classifier, merger, article writer and content filter on
// top of it.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"digestbot/pkg/logx"
)

var (
	// ErrMalformedResponse marks completions that don't match the expected
	// JSON shape. Callers treat it like any other classifier failure.
	ErrMalformedResponse = errors.New("malformed llm response")
	ErrEmptyResponse     = errors.New("empty llm response")
)

const DefaultTimeout = 120 * time.Second

type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func system(s string) Message { return Message{Role: "system", Content: s} }
func user(s string) Message   { return Message{Role: "user", Content: s} }

// Client is safe for concurrent use. WithTracker derives a client that
// records usage into a separate tracker.
type Client struct {
	endpoint    string
	apiKey      string
	model       string
	temperature float64
	maxTokens   int
	httpClient  *http.Client
	tracker     *Tracker
	log         logx.Logger
}

func New(cfg Config, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		endpoint:    strings.TrimRight(cfg.BaseURL, "/") + "/chat/completions",
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		httpClient:  &http.Client{Timeout: timeout},
		tracker:     &Tracker{},
		log:         log,
	}
}

// WithTracker returns a copy of c recording usage into t.
func (c *Client) WithTracker(t *Tracker) *Client {
	cp := *c
	cp.tracker = t
	return &cp
}

func (c *Client) Tracker() *Tracker { return c.tracker }

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete sends messages and returns the first choice's content.
func (c *Client) Complete(ctx context.Context, msgs []Message, jsonMode bool) (string, error) {
	if c == nil {
		return "", fmt.Errorf("llm client is nil")
	}
	if c.endpoint == "" || c.model == "" {
		return "", fmt.Errorf("llm client misconfigured")
	}

	reqBody := chatRequest{
		Model:       c.model,
		Messages:    msgs,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}
	// json_object is an OpenAI extension; other compatible servers reject it.
	if jsonMode && strings.Contains(strings.ToLower(c.model), "gpt") {
		reqBody.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("completion request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("llm error %s: %s", resp.Status, strings.TrimSpace(string(payload)))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode completion: %v", ErrMalformedResponse, err)
	}
	if out.Usage != nil {
		c.tracker.Record(out.Usage.PromptTokens, out.Usage.CompletionTokens)
	}
	if len(out.Choices) == 0 || out.Choices[0].Message.Content == nil {
		return "", ErrEmptyResponse
	}
	content := *out.Choices[0].Message.Content
	c.log.Debug("completion received",
		logx.String("model", c.model),
		logx.Int("chars", len(content)),
		logx.Duration("took", time.Since(start)),
	)
	return content, nil
}

// CompleteJSON runs a JSON-mode completion and decodes it into out.
func (c *Client) CompleteJSON(ctx context.Context, msgs []Message, out any) error {
	content, err := c.Complete(ctx, msgs, true)
	if err != nil {
		return err
	}
	content = StripCodeFence(content)
	if err := json.Unmarshal([]byte(content), out); err != nil {
		c.log.Warn("completion is not valid JSON", logx.String("preview", preview(content, 200)), logx.Err(err))
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

// StripCodeFence removes a surrounding markdown code fence (``` or ```json).
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, "```json"):
		s = s[len("```json"):]
	case strings.HasPrefix(s, "```"):
		s = s[len("```"):]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
