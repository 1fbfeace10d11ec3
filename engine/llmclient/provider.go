package llmclient

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/openai"
)

// ProviderName identifies an LLM provider.
type ProviderName string

const (
	ProviderOpenAI    ProviderName = "openai"
	ProviderAnthropic ProviderName = "anthropic"
	ProviderMock      ProviderName = "mock"
)

// ProviderConfig is provider-specific connection configuration for the live
// mode, mirroring the production/QC/review model slots in engine/config.
type ProviderConfig struct {
	Provider ProviderName
	Model    string
	APIKey   string
	APIURL   string
}

// CreateLLM builds a langchaingo llms.Model for the configured provider.
func (p *ProviderConfig) CreateLLM() (llms.Model, error) {
	switch p.Provider {
	case ProviderOpenAI:
		opts := []openai.Option{openai.WithModel(p.Model)}
		if p.APIKey != "" {
			opts = append(opts, openai.WithToken(p.APIKey))
		}
		if p.APIURL != "" {
			opts = append(opts, openai.WithBaseURL(p.APIURL))
		}
		return openai.New(opts...)
	case ProviderAnthropic:
		opts := []anthropic.Option{anthropic.WithModel(p.Model)}
		if p.APIKey != "" {
			opts = append(opts, anthropic.WithToken(p.APIKey))
		}
		return anthropic.New(opts...)
	case ProviderMock:
		return NewMockLLM(p.Model), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", p.Provider)
	}
}

// MockLLM is a deterministic llms.Model returned for the mock provider and
// used by tests. Template mode does not call it; it answers from fixed
// templates.
type MockLLM struct {
	model string
}

// NewMockLLM returns a MockLLM reporting model as its name.
func NewMockLLM(model string) *MockLLM {
	return &MockLLM{model: model}
}

func (m *MockLLM) GenerateContent(
	_ context.Context,
	messages []llms.MessageContent,
	_ ...llms.CallOption,
) (*llms.ContentResponse, error) {
	var prompt string
	for _, message := range messages {
		if message.Role != llms.ChatMessageTypeHuman {
			continue
		}
		for _, part := range message.Parts {
			if text, ok := part.(llms.TextContent); ok {
				prompt = text.Text
			}
		}
	}
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: fmt.Sprintf("mock response for: %s", prompt)}},
	}, nil
}

func (m *MockLLM) Call(_ context.Context, prompt string, _ ...llms.CallOption) (string, error) {
	return fmt.Sprintf("mock response for: %s", prompt), nil
}
