// Package oracle is the outbound LLM scoring/classification collaborator.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"github.com/andyan77/diyu-agent-sub002/internal/config"
	memerr "github.com/andyan77/diyu-agent-sub002/internal/errors"
)

// Oracle answers a prompt. Implementations must have no side effects on failure.
type Oracle interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Func adapts a plain function to Oracle.
type Func func(ctx context.Context, prompt string) (string, error)

func (f Func) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Call invokes o under timeout. Any failure, including a nil oracle, comes
// back as a degraded error.
func Call(ctx context.Context, o Oracle, timeout time.Duration, prompt string) (string, error) {
	if o == nil {
		return "", memerr.New(memerr.CodeOracleDegraded, "oracle not configured")
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		out string
		err error
	}
	ch := make(chan result, 1)
	go func() {
		out, err := o.Complete(ctx, prompt)
		ch <- result{out, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return "", memerr.Wrap(r.err, memerr.CodeOracleDegraded, "oracle call failed")
		}
		return strings.TrimSpace(r.out), nil
	case <-ctx.Done():
		return "", memerr.Wrap(ctx.Err(), memerr.CodeOracleDegraded, "oracle call timed out")
	}
}

// DecodeJSON unmarshals oracle output into out. Markdown fences are
// stripped and malformed JSON is repaired once before giving up.
func DecodeJSON(raw string, out any) error {
	content := strings.TrimSpace(raw)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(strings.TrimSpace(content), "```")
		content = strings.TrimSpace(content)
	}
	if err := json.Unmarshal([]byte(content), out); err == nil {
		return nil
	}
	repaired, err := jsonrepair.JSONRepair(content)
	if err != nil {
		return memerr.Wrap(err, memerr.CodeOracleDegraded, "oracle output is not JSON")
	}
	if err := json.Unmarshal([]byte(repaired), out); err != nil {
		return memerr.Wrap(err, memerr.CodeOracleDegraded, "oracle output does not match the expected shape")
	}
	return nil
}

// --- OpenAI-compatible Provider ---

// OpenAIClient calls any OpenAI-compatible chat completions endpoint.
type OpenAIClient struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// NewOpenAIClient creates an oracle backed by an OpenAI-compatible API.
func NewOpenAIClient(baseURL, apiKey, model string) *OpenAIClient {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *OpenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:    c.model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", memerr.Wrap(err, memerr.CodeOracleDegraded, "oracle request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", memerr.Errorf(memerr.CodeOracleDegraded, "oracle error %d: %s", resp.StatusCode, string(b))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", memerr.Wrap(err, memerr.CodeOracleDegraded, "decoding oracle response")
	}
	if len(out.Choices) == 0 {
		return "", memerr.New(memerr.CodeOracleDegraded, "oracle returned no choices")
	}
	return out.Choices[0].Message.Content, nil
}

// New creates an oracle from configuration, or nil when disabled.
func New(cfg config.OracleConfig) Oracle {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIClient(cfg.URL, cfg.APIKey, cfg.Model)
	default:
		return nil
	}
}
