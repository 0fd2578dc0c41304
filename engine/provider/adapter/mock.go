package adapter

import (
	"context"
	"fmt"
	"sync"
)

// MockClient is a scriptable in-process provider used by tests and local
// development. Calls consume scripted outcomes in order; once the script is
// exhausted the client keeps returning the final outcome.
type MockClient struct {
	name string

	mu            sync.Mutex
	generateQueue []mockGenerateOutcome
	embedQueue    []mockEmbedOutcome
	generateCalls int
	embedCalls    int
	dimension     int
}

type mockGenerateOutcome struct {
	response *GenerateResponse
	err      error
}

type mockEmbedOutcome struct {
	err error
}

// NewMockClient returns a mock that succeeds with canned output by default.
func NewMockClient(name string) *MockClient {
	return &MockClient{name: name, dimension: 8}
}

// WithDimension sets the vector width for embedding responses.
func (m *MockClient) WithDimension(dim int) *MockClient {
	m.mu.Lock()
	m.dimension = dim
	m.mu.Unlock()
	return m
}

// QueueGenerate scripts the next Generate outcome.
func (m *MockClient) QueueGenerate(resp *GenerateResponse, err error) *MockClient {
	m.mu.Lock()
	m.generateQueue = append(m.generateQueue, mockGenerateOutcome{response: resp, err: err})
	m.mu.Unlock()
	return m
}

// QueueEmbedError scripts the next Embed call to fail.
func (m *MockClient) QueueEmbedError(err error) *MockClient {
	m.mu.Lock()
	m.embedQueue = append(m.embedQueue, mockEmbedOutcome{err: err})
	m.mu.Unlock()
	return m
}

// GenerateCalls reports how many Generate calls the mock served.
func (m *MockClient) GenerateCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generateCalls
}

// EmbedCalls reports how many Embed calls the mock served.
func (m *MockClient) EmbedCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.embedCalls
}

func (m *MockClient) Generate(_ context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generateCalls++
	if len(m.generateQueue) > 0 {
		outcome := m.generateQueue[0]
		if len(m.generateQueue) > 1 {
			m.generateQueue = m.generateQueue[1:]
		}
		if outcome.err != nil {
			return nil, outcome.err
		}
		return outcome.response, nil
	}
	return &GenerateResponse{
		Content:   fmt.Sprintf("mock completion from %s", m.name),
		TokensIn:  len(req.Prompt) / 4,
		TokensOut: 12,
	}, nil
}

func (m *MockClient) Embed(_ context.Context, texts []string) ([][]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.embedCalls++
	if len(m.embedQueue) > 0 {
		outcome := m.embedQueue[0]
		if len(m.embedQueue) > 1 {
			m.embedQueue = m.embedQueue[1:]
		}
		if outcome.err != nil {
			return nil, outcome.err
		}
	}
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = deterministicVector(text, m.dimension)
	}
	return vectors, nil
}

func (m *MockClient) Close() error {
	return nil
}

// deterministicVector derives a stable pseudo-embedding from text so tests
// get repeatable similarity orderings.
func deterministicVector(text string, dim int) []float32 {
	vector := make([]float32, dim)
	var acc uint32 = 2166136261
	for i := 0; i < len(text); i++ {
		acc ^= uint32(text[i])
		acc *= 16777619
		vector[i%dim] += float32(acc%1000) / 1000.0
	}
	return vector
}
