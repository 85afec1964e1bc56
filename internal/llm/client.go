// Package llm talks to a local OpenAI-compatible inference provider
// (ollama, lm-studio, koboldcpp, jan, gpt4all) over HTTP. It implements
// both collaborator capabilities the context engine consumes: completion
// and summarization.
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

	"go.uber.org/zap"

	"hermit/internal/logging"
	"hermit/internal/prompt"
	"hermit/internal/types"
)

// Client is an OpenAI-compatible chat client bound to one provider and
// model.
type Client struct {
	baseURL string
	model   string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a client. baseURL is the provider root (the /v1
// prefix is appended here).
func NewClient(baseURL, model string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		http:    &http.Client{Timeout: timeout},
		logger:  logging.Named("llm").With(zap.String("model", model)),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Complete sends a single user prompt.
func (c *Client) Complete(ctx context.Context, userPrompt string, opts types.GenerationOptions) (string, error) {
	return c.chat(ctx, []chatMessage{{Role: "user", Content: userPrompt}}, opts, ErrModelUnavailable, ErrModelTimeout)
}

// CompleteWithSystem sends a system prompt plus a user prompt.
func (c *Client) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string, opts types.GenerationOptions) (string, error) {
	msgs := []chatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userPrompt},
	}
	return c.chat(ctx, msgs, opts, ErrModelUnavailable, ErrModelTimeout)
}

// Summarize implements the summarization capability: the text is
// compressed toward targetTokens. Failures map to the summarization
// error family so the compaction engine can report them accurately.
func (c *Client) Summarize(ctx context.Context, text string, targetTokens int) (string, error) {
	user := fmt.Sprintf(
		"Summarize the following conversation in at most roughly %d tokens.\n\nConversation:\n%s\n\nSummary:",
		targetTokens, text)
	msgs := []chatMessage{
		{Role: "system", Content: prompt.Persona(prompt.PersonaSummarizer)},
		{Role: "user", Content: user},
	}
	opts := types.GenerationOptions{MaxTokens: targetTokens * 2}
	return c.chat(ctx, msgs, opts, ErrSummarizationUnavailable, ErrSummarizationTimeout)
}

// chat performs one completion round-trip, mapping transport failures to
// the given unavailable/timeout sentinels.
func (c *Client) chat(ctx context.Context, msgs []chatMessage, opts types.GenerationOptions, unavailable, timeout error) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    msgs,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("%w: marshal request: %v", unavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", unavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	// Providers require the header; the value means nothing locally.
	req.Header.Set("Authorization", "Bearer hermit")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return "", fmt.Errorf("%w: %v", timeout, err)
		}
		var ue interface{ Timeout() bool }
		if errors.As(err, &ue) && ue.Timeout() {
			return "", fmt.Errorf("%w: %v", timeout, err)
		}
		return "", fmt.Errorf("%w: %v", unavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("%w: provider returned status %d: %s", unavailable, resp.StatusCode, truncate(string(b), 512))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", unavailable, err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("%w: provider returned no choices", unavailable)
	}

	c.logger.Debug("completion finished",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("messages", len(msgs)))
	return parsed.Choices[0].Message.Content, nil
}

// ListModels queries a provider's model list. Different local providers
// return the list under either "data" or "models", and name models with
// either "id" or "name".
func ListModels(ctx context.Context, baseURL string) ([]string, error) {
	url := strings.TrimRight(baseURL, "/") + "/v1/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}

	resp, err := (&http.Client{Timeout: 10 * time.Second}).Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: provider returned status %d", ErrModelUnavailable, resp.StatusCode)
	}

	var raw struct {
		Data   []json.RawMessage `json:"data"`
		Models []json.RawMessage `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: decode model list: %v", ErrModelUnavailable, err)
	}
	items := raw.Data
	if len(items) == 0 {
		items = raw.Models
	}

	var names []string
	for _, item := range items {
		var entry struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		}
		if err := json.Unmarshal(item, &entry); err != nil {
			continue
		}
		if entry.ID != "" {
			names = append(names, entry.ID)
		} else if entry.Name != "" {
			names = append(names, entry.Name)
		}
	}
	return names, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
