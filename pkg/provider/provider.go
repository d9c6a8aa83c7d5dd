// Package provider defines the capability interface over heterogeneous AI
// backends and a named-variant registry. Concrete clients live in the
// subpackages (anthropic, openai, ollama, gemini).
package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Request is one generation request. Prompt is required; System is optional
// instruction context.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float32
}

// Chunk is one unit of streamed output.
type Chunk struct {
	Text string
}

// Stream is a pull-based, finite, non-restartable sequence of chunks.
// Closing the stream cancels the underlying call; a cancelled stream ends
// early without reporting an error.
type Stream interface {
	// Next advances to the next chunk, returning false at end of stream,
	// on error, or after cancellation.
	Next() bool
	// Chunk returns the current chunk after a successful Next.
	Chunk() Chunk
	// Err returns the terminal error, if any. Cancellation is not an error.
	Err() error
	// Close cancels the underlying call and releases resources.
	Close() error
}

// Client is the uniform capability set every backend variant implements.
type Client interface {
	// Generate produces a complete text response.
	Generate(ctx context.Context, req Request) (string, error)
	// StreamGenerate produces the response as a pull-based chunk stream.
	StreamGenerate(ctx context.Context, req Request) (Stream, error)
	// HealthCheck verifies the backend is reachable and accepting requests.
	HealthCheck(ctx context.Context) error
	// ModelName returns the backend model identifier.
	ModelName() string
}

// NewRequest returns a request with the package defaults applied.
func NewRequest(prompt string) Request {
	return Request{
		Prompt:      prompt,
		MaxTokens:   4096,
		Temperature: 0.3,
	}
}

// Registry holds named backend variants. Callers select a variant by name at
// call time; no global default is hard-wired into the registry itself.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]Client)}
}

// Register adds a named variant, replacing any previous registration.
func (r *Registry) Register(name string, client Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[name] = client
}

// Get returns the variant registered under name.
func (r *Registry) Get(name string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q (registered: %v)", name, r.names())
	}
	return client, nil
}

// Names returns the registered variant names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.names()
}

func (r *Registry) names() []string {
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
