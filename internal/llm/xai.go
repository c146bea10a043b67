package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/szaher/agentdeck/internal/stream"
)

// XAIClient implements Client using the xAI responses API.
type XAIClient struct {
	t transport
}

// NewXAIClient creates a client for api.x.ai.
func NewXAIClient(apiKey string, opts ...Option) *XAIClient {
	return &XAIClient{t: newTransport("xai", "https://api.x.ai/v1", apiKey, opts)}
}

type xaiRequest struct {
	Model           string       `json:"model"`
	Input           []oaiMessage `json:"input"`
	Temperature     *float64     `json:"temperature,omitempty"`
	MaxOutputTokens int          `json:"max_output_tokens,omitempty"`
	Stream          bool         `json:"stream"`
}

type xaiResponse struct {
	Output []struct {
		Type    string `json:"type"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
}

// Stream opens a streaming response.
func (c *XAIClient) Stream(ctx context.Context, req ChatRequest) (*Stream, error) {
	resp, err := c.t.post(ctx, "/responses", c.buildRequest(req, true), req.RequestID, true)
	if err != nil {
		return nil, err
	}
	return &Stream{Body: resp.Body, Dialect: stream.XAIResponses{}}, nil
}

// Complete requests a response without streaming and joins its text output.
func (c *XAIClient) Complete(ctx context.Context, req ChatRequest) (string, error) {
	resp, err := c.t.post(ctx, "/responses", c.buildRequest(req, false), req.RequestID, false)
	if err != nil {
		return "", err
	}

	var out xaiResponse
	if err := decodeJSON(c.t.provider, resp.Body, &out); err != nil {
		return "", err
	}

	var b strings.Builder
	for _, item := range out.Output {
		if item.Type != "message" {
			continue
		}
		for _, part := range item.Content {
			if part.Type == "output_text" {
				b.WriteString(part.Text)
			}
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("%s: response has no text output", c.t.provider)
	}
	return b.String(), nil
}

func (c *XAIClient) buildRequest(req ChatRequest, streaming bool) xaiRequest {
	input := make([]oaiMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		input = append(input, oaiMessage{Role: string(RoleSystem), Content: req.System})
	}
	for _, m := range req.Messages {
		input = append(input, oaiMessage{Role: string(m.Role), Content: m.Content})
	}
	return xaiRequest{
		Model:           req.Model,
		Input:           input,
		Temperature:     req.Temperature,
		MaxOutputTokens: req.MaxTokens,
		Stream:          streaming,
	}
}
