package llm

import (
	"fmt"
	"strings"
	"sync"
)

// Provider identifies an LLM provider.
type Provider string

const (
	ProviderXAI       Provider = "xai"
	ProviderAnthropic Provider = "anthropic"
	ProviderOllama    Provider = "ollama"
	ProviderOpenAI    Provider = "openai"
)

// ParseModelString parses a model string into provider and model name.
//
// Supported formats:
//
//	"ollama/llama3.2"          → (ollama, "llama3.2")
//	"openai/gpt-4o"            → (openai, "gpt-4o")
//	"xai/grok-4-fast"          → (xai, "grok-4-fast")
//	"claude-sonnet-4-20250514" → (anthropic, "claude-sonnet-4-20250514")
//	"gpt-4o"                   → (openai, "gpt-4o")
//	"grok-4-fast"              → (xai, "grok-4-fast")
//	anything else              → ("", model)
func ParseModelString(model string) (Provider, string) {
	if i := strings.Index(model, "/"); i > 0 {
		prefix := strings.ToLower(model[:i])
		name := model[i+1:]
		switch prefix {
		case "ollama":
			return ProviderOllama, name
		case "openai":
			return ProviderOpenAI, name
		case "anthropic", "claude":
			return ProviderAnthropic, name
		case "xai", "grok":
			return ProviderXAI, name
		}
	}

	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "claude"):
		return ProviderAnthropic, model
	case strings.HasPrefix(lower, "gpt-") || strings.HasPrefix(lower, "o1") || strings.HasPrefix(lower, "o3") || strings.HasPrefix(lower, "o4"):
		return ProviderOpenAI, model
	case strings.HasPrefix(lower, "grok"):
		return ProviderXAI, model
	}
	return "", model
}

// Factory builds and caches one client per provider from credentials.
type Factory struct {
	XAIKey        string
	AnthropicKey  string
	OpenAIKey     string
	OpenAIBaseURL string
	OllamaHost    string

	// DefaultProvider is used when neither the caller nor the model name
	// picks one.
	DefaultProvider Provider

	// Options are applied to every client built by the factory.
	Options []Option

	mu      sync.Mutex
	clients map[Provider]Client
}

// ForModel resolves the client and bare model name for a persona's provider
// and model settings. An explicit provider wins over inference from the
// model name.
func (f *Factory) ForModel(provider, model string) (Client, string, error) {
	p, name := ParseModelString(model)
	if provider != "" {
		p = Provider(strings.ToLower(provider))
	}
	if p == "" {
		p = f.DefaultProvider
	}
	if p == "" {
		p = ProviderXAI
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.clients[p]; ok {
		return c, name, nil
	}

	c, err := f.build(p)
	if err != nil {
		return nil, "", err
	}
	if f.clients == nil {
		f.clients = make(map[Provider]Client)
	}
	f.clients[p] = c
	return c, name, nil
}

// Register installs a prebuilt client for p, replacing any cached one.
func (f *Factory) Register(p Provider, c Client) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.clients == nil {
		f.clients = make(map[Provider]Client)
	}
	f.clients[p] = c
}

func (f *Factory) build(p Provider) (Client, error) {
	switch p {
	case ProviderXAI:
		if f.XAIKey == "" {
			return nil, fmt.Errorf("xai: XAI_API_KEY (or GROK_KEY) is not set")
		}
		return NewXAIClient(f.XAIKey, f.Options...), nil
	case ProviderAnthropic:
		if f.AnthropicKey == "" {
			return nil, fmt.Errorf("anthropic: ANTHROPIC_API_KEY (or CLAUDE_KEY) is not set")
		}
		return NewAnthropicClient(f.AnthropicKey, f.Options...), nil
	case ProviderOpenAI:
		if f.OpenAIBaseURL != "" {
			return NewOpenAICompatibleClient(f.OpenAIBaseURL, f.OpenAIKey, f.Options...), nil
		}
		if f.OpenAIKey == "" {
			return nil, fmt.Errorf("openai: OPENAI_API_KEY is not set")
		}
		return NewOpenAIClient(f.OpenAIKey, f.Options...), nil
	case ProviderOllama:
		return NewOllamaClient(f.OllamaHost, f.Options...), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", p)
	}
}
