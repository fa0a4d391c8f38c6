// Package llm is the LLM Client Adapter: a thin client for an
// OpenAI-compatible chat-completions endpoint, classifying each response
// into a message, a set of tool calls, or a parsed structured object, and
// retrying transient failures with exponential backoff.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/wispbit/revengine/internal/apperr"
)

// Role identifies the speaker of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of the chat-completions conversation.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is one function call the model asked for.
type ToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// Tool describes one callable function, advertised to the model.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction is a tool's name, description, and JSON-schema parameters.
type ToolFunction struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  any    `json:"parameters"`
}

// ToolChoice pins the model to a specific tool, or lets it choose freely.
type ToolChoice struct {
	Type     string `json:"type,omitempty"`
	Function *struct {
		Name string `json:"name"`
	} `json:"function,omitempty"`
}

// ForceTool builds a ToolChoice that requires the named tool be called.
func ForceTool(name string) ToolChoice {
	tc := ToolChoice{Type: "function"}
	tc.Function = &struct {
		Name string `json:"name"`
	}{Name: name}
	return tc
}

// ResponseFormat requests a JSON-schema-shaped structured response.
type ResponseFormat struct {
	Type       string `json:"type"`
	JSONSchema any    `json:"json_schema,omitempty"`
}

// Request is one complete() call's parameters.
type Request struct {
	Messages       []Message
	Tools          []Tool
	Model          string
	ToolChoice     *ToolChoice
	Temperature    *float64
	MaxTokens      *int
	ResponseFormat *ResponseFormat
}

// Kind classifies a completion response.
type Kind string

const (
	KindMessage    Kind = "message"
	KindTool       Kind = "tool"
	KindStructured Kind = "structured"
)

// Response is a classified completion result.
type Response struct {
	Kind       Kind
	Content    string
	ToolCalls  []ToolCall
	Structured map[string]any
	CostUSD    float64
}

// Client issues chat completions against an OpenAI-compatible endpoint.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client

	// MaxAttempts and backoff bounds; zero values fall back to the
	// defaults below.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 1 * time.Second
	defaultMaxDelay    = 10 * time.Second
)

// NewClient builds a Client with the given base URL and API key.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: 120 * time.Second},
	}
}

type wireRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Tools          []Tool          `json:"tools,omitempty"`
	ToolChoice     *ToolChoice     `json:"tool_choice,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
	Usage          *usageOpt       `json:"usage,omitempty"`
}

type usageOpt struct {
	Include bool `json:"include"`
}

type wireResponse struct {
	Choices []struct {
		Message struct {
			Content   string     `json:"content"`
			ToolCalls []ToolCall `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		Cost float64 `json:"cost"`
	} `json:"usage"`
}

// wireError is the opportunistic shape of a provider error body: most
// endpoints nest the real detail under error.metadata.raw as a
// JSON-encoded string.
type wireError struct {
	Error struct {
		Message  string `json:"message"`
		Type     string `json:"type"`
		Code     string `json:"code"`
		Metadata struct {
			Raw          string `json:"raw"`
			ProviderName string `json:"provider_name"`
		} `json:"metadata"`
	} `json:"error"`
}

// Complete issues one chat completion, retrying on transient failure with
// exponential backoff (base 2, bounded between BaseDelay and MaxDelay),
// up to MaxAttempts. Cancellation via ctx aborts retries immediately.
func (c *Client) Complete(ctx context.Context, req Request) (Response, error) {
	attempts := c.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	base := c.BaseDelay
	if base <= 0 {
		base = defaultBaseDelay
	}
	maxDelay := c.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(base, maxDelay, attempt)
			select {
			case <-ctx.Done():
				return Response{}, apperr.NewAbortedError()
			case <-time.After(delay):
			}
		}

		resp, err := c.completeOnce(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return Response{}, apperr.NewAbortedError()
		}
		if !isRetryable(err) {
			return Response{}, err
		}
	}

	return Response{}, lastErr
}

func backoffDelay(base, maxDelay time.Duration, attempt int) time.Duration {
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if d > maxDelay {
		return maxDelay
	}
	if d < base {
		return base
	}
	return d
}

func isRetryable(err error) bool {
	var pe *apperr.ProviderError
	if ok := asProviderError(err, &pe); ok {
		return pe.StatusCode == 0 || pe.StatusCode >= 500 || pe.StatusCode == 429
	}
	return true
}

func asProviderError(err error, target **apperr.ProviderError) bool {
	pe, ok := err.(*apperr.ProviderError)
	if ok {
		*target = pe
	}
	return ok
}

func (c *Client) completeOnce(ctx context.Context, req Request) (Response, error) {
	wire := wireRequest{
		Model:          req.Model,
		Messages:       req.Messages,
		Tools:          req.Tools,
		ToolChoice:     req.ToolChoice,
		Temperature:    req.Temperature,
		MaxTokens:      req.MaxTokens,
		ResponseFormat: req.ResponseFormat,
		Usage:          &usageOpt{Include: true},
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)

	httpResp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return Response{}, &apperr.ProviderError{Provider: "openai-compatible", Err: err}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return Response{}, &apperr.ProviderError{Provider: "openai-compatible", StatusCode: httpResp.StatusCode, Err: err}
	}

	if httpResp.StatusCode >= 400 {
		return Response{}, parseProviderError(httpResp.StatusCode, respBody)
	}

	var wr wireResponse
	if err := json.Unmarshal(respBody, &wr); err != nil {
		return Response{}, &apperr.ProviderError{
			Provider:   "openai-compatible",
			StatusCode: httpResp.StatusCode,
			Err:        fmt.Errorf("malformed completion body: %w", err),
		}
	}
	if len(wr.Choices) == 0 {
		return Response{}, &apperr.ProviderError{
			Provider:   "openai-compatible",
			StatusCode: httpResp.StatusCode,
			Err:        fmt.Errorf("no choices in completion"),
		}
	}

	msg := wr.Choices[0].Message
	resp := Response{CostUSD: wr.Usage.Cost}

	if len(msg.ToolCalls) > 0 {
		resp.Kind = KindTool
		resp.ToolCalls = msg.ToolCalls
		return resp, nil
	}

	if req.ResponseFormat != nil && req.ResponseFormat.Type == "json_schema" {
		var structured map[string]any
		if err := json.Unmarshal([]byte(msg.Content), &structured); err == nil {
			resp.Kind = KindStructured
			resp.Structured = structured
			return resp, nil
		}
	}

	resp.Kind = KindMessage
	resp.Content = msg.Content
	return resp, nil
}

// parseProviderError opportunistically extracts provider name, status
// code, error code, and type from an error body that may nest its real
// detail under error.metadata.raw as a JSON-encoded string.
func parseProviderError(status int, body []byte) error {
	var we wireError
	_ = json.Unmarshal(body, &we)

	if we.Error.Metadata.Raw != "" {
		var nested wireError
		if err := json.Unmarshal([]byte(we.Error.Metadata.Raw), &nested); err == nil && nested.Error.Message != "" {
			we.Error.Message = nested.Error.Message
			if nested.Error.Type != "" {
				we.Error.Type = nested.Error.Type
			}
			if nested.Error.Code != "" {
				we.Error.Code = nested.Error.Code
			}
		}
	}

	provider := we.Error.Metadata.ProviderName
	if provider == "" {
		provider = "openai-compatible"
	}

	message := we.Error.Message
	if message == "" {
		message = string(body)
	}

	return &apperr.ProviderError{
		Provider:   provider,
		StatusCode: status,
		Code:       we.Error.Code,
		Type:       we.Error.Type,
		Err:        fmt.Errorf("%s", message),
	}
}
