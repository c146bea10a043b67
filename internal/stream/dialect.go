package stream

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// doneSentinel is the literal end-of-stream payload used by OpenAI-style APIs.
const doneSentinel = "[DONE]"

// ErrMalformed is wrapped by dialect errors for payloads that are not valid JSON.
var ErrMalformed = errors.New("malformed payload")

// ProviderError is reported when the stream itself carries an error object.
type ProviderError struct {
	Type    string
	Message string
}

func (e *ProviderError) Error() string {
	if e.Type == "" {
		return "provider error: " + e.Message
	}
	return fmt.Sprintf("provider error (%s): %s", e.Type, e.Message)
}

func parse(data string) (gjson.Result, error) {
	if !gjson.Valid(data) {
		return gjson.Result{}, fmt.Errorf("%w: %.64q", ErrMalformed, data)
	}
	return gjson.Parse(data), nil
}

func providerError(errObj gjson.Result) error {
	msg := errObj.Get("message").String()
	if msg == "" {
		msg = errObj.String()
	}
	return &ProviderError{Type: errObj.Get("type").String(), Message: msg}
}

// OpenAIChat decodes chat-completions chunks: choices[0].delta.content,
// terminated by "data: [DONE]". Ollama's OpenAI-compatible endpoint uses the
// same format.
type OpenAIChat struct{}

func (OpenAIChat) Decode(rec Record) (Frame, error) {
	if rec.Data == doneSentinel {
		return Frame{Done: true}, nil
	}
	doc, err := parse(rec.Data)
	if err != nil {
		return Frame{}, err
	}
	if e := doc.Get("error"); e.Exists() {
		return Frame{}, providerError(e)
	}
	return Frame{Text: doc.Get("choices.0.delta.content").String()}, nil
}

// AnthropicMessages decodes the Messages API stream. Text arrives in
// content_block_delta events with a text_delta; message_stop ends the stream.
type AnthropicMessages struct{}

func (AnthropicMessages) Decode(rec Record) (Frame, error) {
	doc, err := parse(rec.Data)
	if err != nil {
		return Frame{}, err
	}

	typ := rec.Event
	if typ == "" {
		typ = doc.Get("type").String()
	}

	switch typ {
	case "content_block_delta":
		if doc.Get("delta.type").String() == "text_delta" {
			return Frame{Text: doc.Get("delta.text").String()}, nil
		}
	case "message_stop":
		return Frame{Done: true}, nil
	case "error":
		return Frame{}, providerError(doc.Get("error"))
	}
	return Frame{}, nil
}

// XAIResponses decodes the xAI responses API stream, where text arrives in
// response.output_text.delta events and response.completed ends the stream.
type XAIResponses struct{}

func (XAIResponses) Decode(rec Record) (Frame, error) {
	if rec.Data == doneSentinel {
		return Frame{Done: true}, nil
	}
	doc, err := parse(rec.Data)
	if err != nil {
		return Frame{}, err
	}

	typ := doc.Get("type").String()
	if typ == "" {
		typ = rec.Event
	}

	switch typ {
	case "response.output_text.delta":
		return Frame{Text: doc.Get("delta").String()}, nil
	case "response.completed":
		return Frame{Done: true}, nil
	case "response.failed":
		return Frame{}, providerError(doc.Get("response.error"))
	case "error":
		if e := doc.Get("error"); e.Exists() {
			return Frame{}, providerError(e)
		}
		return Frame{}, providerError(doc)
	}
	return Frame{}, nil
}
