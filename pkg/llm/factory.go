package llm

import "fmt"

// Settings selects and configures a provider
type Settings struct {
	Name      string // gemini, openai, anthropic, mock
	Model     string
	BaseURL   string
	MaxTokens int
}

// NewProvider builds a provider for settings bound to apiKey. The mock
// provider ignores the key.
func NewProvider(settings Settings, apiKey string) (Provider, error) {
	switch settings.Name {
	case "gemini", "":
		return NewGeminiProvider(apiKey, settings.Model, settings.BaseURL), nil
	case "openai":
		return NewOpenAIProvider(apiKey, settings.Model, settings.BaseURL), nil
	case "anthropic":
		return NewAnthropicProvider(apiKey, settings.Model, settings.BaseURL, settings.MaxTokens), nil
	case "mock":
		return NewEchoProvider(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, settings.Name)
	}
}
