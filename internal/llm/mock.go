package llm

import (
	"context"
	"sync"
)

// MockClient permite tests sin llamar a un LLM real.
type MockClient struct {
	Response string
	Usage    Usage
	Err      error
	// Delay simula latencia del proveedor; respeta la cancelacion del contexto.
	Delay <-chan struct{}

	Embedding []float32
	EmbedErr  error

	mu         sync.Mutex
	Calls      int
	LastSystem string
	LastPrompt string
	EmbedCalls int
}

func (m *MockClient) Generate(ctx context.Context, prompt string) (string, error) {
	out, err := m.Complete(ctx, "", prompt)
	return out.Text, err
}

func (m *MockClient) Complete(ctx context.Context, system, prompt string) (Completion, error) {
	m.mu.Lock()
	m.Calls++
	m.LastSystem = system
	m.LastPrompt = prompt
	m.mu.Unlock()

	if m.Delay != nil {
		select {
		case <-m.Delay:
		case <-ctx.Done():
			return Completion{}, ctx.Err()
		}
	}
	if m.Err != nil {
		return Completion{}, m.Err
	}
	return Completion{Text: m.Response, Usage: m.Usage}, nil
}

func (m *MockClient) CreateEmbedding(ctx context.Context, text string) ([]float32, Usage, error) {
	m.mu.Lock()
	m.EmbedCalls++
	m.mu.Unlock()
	if m.EmbedErr != nil {
		return nil, Usage{}, m.EmbedErr
	}
	return m.Embedding, Usage{PromptTokens: len(text) / 4}, nil
}

// CallCount devuelve cuantas veces se llamo a Complete/Generate.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls
}
