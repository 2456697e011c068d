package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/consensus-ai/backend/internal/storage/models"
)

// Style describes the temperament of a provider's advice. The meta-evaluator
// uses it to weight providers by the user's risk and creativity preferences.
type Style string

const (
	StyleBalanced     Style = "balanced"
	StyleConservative Style = "conservative"
	StyleExploratory  Style = "exploratory"
)

type Descriptor struct {
	ID    string
	Name  string
	Model string
	Style Style
}

type Prompt struct {
	Text        string
	Preferences models.Preferences
}

type RawResponse struct {
	Content string
	Usage   Usage
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type CompletionRequest struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  float32
	MaxTokens    int
	JSONMode     bool
}

type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Completer is a single chat-style completion against one model.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// Provider is one entry of the registry: how to call a model and how to turn
// its raw output into a ModelResponse.
type Provider interface {
	Descriptor() Descriptor
	Invoke(ctx context.Context, prompt Prompt) (*RawResponse, error)
	Parse(raw *RawResponse) (*models.ModelResponse, error)
}

type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	order     []string
}

func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
	}
}

func (r *Registry) Register(p Provider) error {
	id := p.Descriptor().ID
	if id == "" {
		return fmt.Errorf("provider id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[id]; exists {
		return fmt.Errorf("provider %q already registered", id)
	}

	r.providers[id] = p
	r.order = append(r.order, id)
	return nil
}

func (r *Registry) Get(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[id]
	return p, ok
}

func (r *Registry) MustGet(id string) Provider {
	p, ok := r.Get(id)
	if !ok {
		panic(fmt.Sprintf("llm: provider %q not registered", id))
	}
	return p
}

// IDs returns provider ids in registration order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, len(r.order))
	copy(ids, r.order)
	return ids
}

// Name returns the display name of a provider, or the id when unknown.
func (r *Registry) Name(id string) string {
	if p, ok := r.Get(id); ok {
		return p.Descriptor().Name
	}
	return id
}

// CompletionProvider adapts any Completer into a validation Provider.
type CompletionProvider struct {
	desc      Descriptor
	completer Completer
}

func NewCompletionProvider(desc Descriptor, completer Completer) *CompletionProvider {
	return &CompletionProvider{
		desc:      desc,
		completer: completer,
	}
}

func (p *CompletionProvider) Descriptor() Descriptor {
	return p.desc
}

func (p *CompletionProvider) Invoke(ctx context.Context, prompt Prompt) (*RawResponse, error) {
	resp, err := p.completer.Complete(ctx, CompletionRequest{
		SystemPrompt: ValidationSystemPrompt,
		UserPrompt:   BuildValidationPrompt(prompt),
		JSONMode:     true,
	})
	if err != nil {
		return nil, err
	}

	return &RawResponse{
		Content: resp.Content,
		Usage:   resp.Usage,
	}, nil
}

func (p *CompletionProvider) Parse(raw *RawResponse) (*models.ModelResponse, error) {
	return ParseModelResponse(p.desc, raw.Content)
}
