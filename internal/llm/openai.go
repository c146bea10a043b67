package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/szaher/agentdeck/internal/stream"
)

// OpenAIClient implements Client using the OpenAI-compatible chat completions API.
// Works with Ollama, OpenAI, vLLM, LiteLLM, and any OpenAI-compatible endpoint.
type OpenAIClient struct {
	t transport
}

// NewOpenAIClient creates a client for the OpenAI API.
func NewOpenAIClient(apiKey string, opts ...Option) *OpenAIClient {
	return &OpenAIClient{t: newTransport("openai", "https://api.openai.com/v1", apiKey, opts)}
}

// NewOllamaClient creates a client for a local Ollama instance.
func NewOllamaClient(host string, opts ...Option) *OpenAIClient {
	if host == "" {
		host = "http://localhost:11434"
	}
	return &OpenAIClient{t: newTransport("ollama", strings.TrimRight(host, "/")+"/v1", "", opts)}
}

// NewOpenAICompatibleClient creates a client for any OpenAI-compatible endpoint.
func NewOpenAICompatibleClient(baseURL, apiKey string, opts ...Option) *OpenAIClient {
	return &OpenAIClient{t: newTransport("openai", baseURL, apiKey, opts)}
}

type oaiRequest struct {
	Model       string       `json:"model"`
	Messages    []oaiMessage `json:"messages"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Temperature *float64     `json:"temperature,omitempty"`
	Stream      bool         `json:"stream,omitempty"`
}

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiResponse struct {
	Choices []struct {
		Message oaiMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Stream opens a streaming chat completion.
func (c *OpenAIClient) Stream(ctx context.Context, req ChatRequest) (*Stream, error) {
	resp, err := c.t.post(ctx, "/chat/completions", c.buildRequest(req, true), req.RequestID, true)
	if err != nil {
		return nil, err
	}
	return &Stream{Body: resp.Body, Dialect: stream.OpenAIChat{}}, nil
}

// Complete sends a non-streaming chat completion.
func (c *OpenAIClient) Complete(ctx context.Context, req ChatRequest) (string, error) {
	resp, err := c.t.post(ctx, "/chat/completions", c.buildRequest(req, false), req.RequestID, false)
	if err != nil {
		return "", err
	}

	var out oaiResponse
	if err := decodeJSON(c.t.provider, resp.Body, &out); err != nil {
		return "", err
	}
	if out.Error != nil {
		return "", fmt.Errorf("%s: %s: %s", c.t.provider, out.Error.Type, out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("%s: response has no choices", c.t.provider)
	}
	return out.Choices[0].Message.Content, nil
}

func (c *OpenAIClient) buildRequest(req ChatRequest, streaming bool) oaiRequest {
	messages := make([]oaiMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, oaiMessage{Role: string(RoleSystem), Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, oaiMessage{Role: string(m.Role), Content: m.Content})
	}

	return oaiRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      streaming,
	}
}
