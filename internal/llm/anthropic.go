package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"
	"github.com/szaher/agentdeck/internal/stream"
)

const (
	anthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion = "2023-06-01"

	// anthropicDefaultMaxTokens is used when a request leaves MaxTokens unset;
	// the Messages API requires it.
	anthropicDefaultMaxTokens = 4096
)

// AnthropicClient implements Client using the Anthropic Messages API. Streams
// are read as raw server-sent events so they can be fed to the stream
// decoder; non-streaming calls go through the SDK.
type AnthropicClient struct {
	t   transport
	sdk anthropic.Client
}

// NewAnthropicClient creates a client with an explicit API key.
func NewAnthropicClient(apiKey string, opts ...Option) *AnthropicClient {
	t := newTransport("anthropic", anthropicBaseURL, apiKey, opts)
	t.keyHeader = "x-api-key"
	if t.headers == nil {
		t.headers = make(map[string]string)
	}
	t.headers["anthropic-version"] = anthropicVersion

	sdkOpts := []option.RequestOption{
		option.WithBaseURL(t.baseURL + "/"),
		option.WithHTTPClient(t.httpClient),
		option.WithMaxRetries(0),
	}
	if apiKey != "" {
		sdkOpts = append(sdkOpts, option.WithAPIKey(apiKey))
	}

	return &AnthropicClient{
		t:   t,
		sdk: anthropic.NewClient(sdkOpts...),
	}
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature *float64           `json:"temperature,omitempty"`
	Stream      bool               `json:"stream"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Stream opens a streaming Messages request.
func (c *AnthropicClient) Stream(ctx context.Context, req ChatRequest) (*Stream, error) {
	system, messages := splitSystem(req)
	body := anthropicRequest{
		Model:       req.Model,
		MaxTokens:   maxTokensOrDefault(req.MaxTokens),
		System:      system,
		Temperature: req.Temperature,
		Stream:      true,
	}
	for _, m := range messages {
		body.Messages = append(body.Messages, anthropicMessage{Role: string(m.Role), Content: m.Content})
	}

	resp, err := c.t.post(ctx, "/v1/messages", body, req.RequestID, true)
	if err != nil {
		return nil, err
	}
	return &Stream{Body: resp.Body, Dialect: stream.AnthropicMessages{}}, nil
}

// Complete sends a non-streaming Messages request through the SDK.
func (c *AnthropicClient) Complete(ctx context.Context, req ChatRequest) (string, error) {
	system, messages := splitSystem(req)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokensOrDefault(req.MaxTokens)),
	}
	for _, m := range messages {
		switch m.Role {
		case RoleAssistant:
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if req.Temperature != nil {
		params.Temperature = param.NewOpt(*req.Temperature)
	}

	var reqOpts []option.RequestOption
	if req.RequestID != "" {
		reqOpts = append(reqOpts, option.WithHeader("X-Request-ID", req.RequestID))
	}

	msg, err := c.sdk.Messages.New(ctx, params, reqOpts...)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return "", &StatusError{Provider: c.t.provider, StatusCode: apiErr.StatusCode, Body: apiErr.RawJSON()}
		}
		return "", fmt.Errorf("anthropic: complete: %w", err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String(), nil
}

// splitSystem folds system-role messages into the top-level system prompt,
// which is the only place the Messages API accepts them.
func splitSystem(req ChatRequest) (string, []Message) {
	parts := []string{}
	if req.System != "" {
		parts = append(parts, req.System)
	}
	messages := make([]Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			parts = append(parts, m.Content)
			continue
		}
		messages = append(messages, m)
	}
	return strings.Join(parts, "\n\n"), messages
}

func maxTokensOrDefault(n int) int {
	if n <= 0 {
		return anthropicDefaultMaxTokens
	}
	return n
}
