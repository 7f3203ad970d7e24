package providers

import (
	"context"
	"encoding/json"
	"fmt"
)

// Role selects which model tier a call should use. Backends may map both
// to the same underlying model; the circuit breaker in internal/generation
// reroutes "default" traffic to "fast" while open.
type Role string

const (
	RoleDefault Role = "default"
	RoleFast    Role = "fast"
)

// ToolSpec is one tool the backend may call during CompleteRequest.
// Execute crosses the interface boundary as JSON-shaped input/output.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
	TimeoutMs   int
	Execute     func(ctx context.Context, input json.RawMessage, tc *ToolContext) (string, error)
}

// ToolContext is threaded into every tool execution (spec.md §4.H.5).
type ToolContext struct {
	VerifiedURLs []string
	Attachments  []AttachmentAccessor
	Signal       context.Context // carries cancellation
}

// AttachmentAccessor lets a tool fetch attachment bytes without the
// generation loop itself holding every byte in memory up front.
type AttachmentAccessor struct {
	ID    string
	Mime  string
	Fetch func() ([]byte, error)
}

// Step records one model turn inside a single Complete call (text delta,
// tool call, tool result) for observability and to support regenerate
// attempts that want to see prior steps.
type Step struct {
	Kind       string // "text", "tool_call", "tool_result"
	Text       string
	ToolName   string
	ToolInput  json.RawMessage
	ToolOutput string
}

// CompleteRequest is the input to LLMBackend.Complete.
type CompleteRequest struct {
	Role            Role
	MaxSteps        int
	Messages        []Message
	Tools           []ToolSpec
	ToolContext     *ToolContext
	Stream          Observer
	ProviderOptions map[string]interface{}
}

// CompleteResult is the output of LLMBackend.Complete.
type CompleteResult struct {
	Text    string
	Steps   []Step
	ModelID string
	Usage   *Usage
}

// CompleteObjectRequest asks for a structured JSON response described by
// Schema (used by the quality gate judge and the LLM-assisted reaction
// step).
type CompleteObjectRequest struct {
	Role     Role
	Schema   map[string]interface{}
	Messages []Message
}

// CompleteObjectResult carries the parsed object as raw JSON; callers
// unmarshal into their own concrete type. Output is not validated
// against the request's Schema.
type CompleteObjectResult struct {
	Output  json.RawMessage
	ModelID string
	Usage   *Usage
}

// Observer receives streaming events. Every method is optional —
// implementations embed ObserverBase to get no-op defaults for methods
// they don't care about (spec.md §9).
type Observer interface {
	OnTextDelta(delta string)
	OnReasoningDelta(delta string)
	OnToolCall(name string, input json.RawMessage)
	OnToolInputDelta(name string, delta string)
	OnStepFinish(step Step)
	OnAbort()
	OnError(err error)
	OnPhase(phase string)
	OnMeta(key string, value interface{})
}

// ObserverBase is embedded by observers that only care about a handful of
// events; unimplemented methods are no-ops.
type ObserverBase struct{}

func (ObserverBase) OnTextDelta(string)                  {}
func (ObserverBase) OnReasoningDelta(string)              {}
func (ObserverBase) OnToolCall(string, json.RawMessage)   {}
func (ObserverBase) OnToolInputDelta(string, string)      {}
func (ObserverBase) OnStepFinish(Step)                    {}
func (ObserverBase) OnAbort()                             {}
func (ObserverBase) OnError(error)                        {}
func (ObserverBase) OnPhase(string)                       {}
func (ObserverBase) OnMeta(string, interface{})           {}

// Embedder produces dense vector embeddings for memory-store indexing.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dims() int
}

// LLMBackend is the external collaborator the core consumes (spec.md
// §6). Errors are returned as-is; internal/generation classifies them
// (e.g. first-byte timeout, model unavailable) by substring match against
// the error text, not by typed errors from this package.
type LLMBackend interface {
	Complete(ctx context.Context, req CompleteRequest) (*CompleteResult, error)
	CompleteObject(ctx context.Context, req CompleteObjectRequest) (*CompleteObjectResult, error)
	Embedder() Embedder // nil if this backend has no embedding support
	Name() string
}

// ProviderBackend adapts the teacher's Provider/ChatRequest interface
// (internal/providers/types.go) into the richer, role-aware LLMBackend
// contract spec.md asks for. defaultModel and fastModel may name the same
// underlying model.
type ProviderBackend struct {
	provider     Provider
	defaultModel string
	fastModel    string
	embedder     Embedder
}

func NewProviderBackend(p Provider, defaultModel, fastModel string, embedder Embedder) *ProviderBackend {
	if fastModel == "" {
		fastModel = defaultModel
	}
	return &ProviderBackend{provider: p, defaultModel: defaultModel, fastModel: fastModel, embedder: embedder}
}

func (b *ProviderBackend) Name() string    { return b.provider.Name() }
func (b *ProviderBackend) Embedder() Embedder { return b.embedder }

func (b *ProviderBackend) modelFor(role Role) string {
	if role == RoleFast {
		return b.fastModel
	}
	return b.defaultModel
}

func (b *ProviderBackend) Complete(ctx context.Context, req CompleteRequest) (*CompleteResult, error) {
	resp, err := b.provider.Chat(ctx, ChatRequest{
		Messages: req.Messages,
		Tools:    toolDefsFromSpecs(req.Tools),
		Model:    b.modelFor(req.Role),
		Options:  req.ProviderOptions,
	})
	if err != nil {
		return nil, err
	}

	result := &CompleteResult{Text: resp.Content, ModelID: b.modelFor(req.Role), Usage: resp.Usage}
	if resp.Content != "" {
		result.Steps = append(result.Steps, Step{Kind: "text", Text: resp.Content})
	}
	for _, tc := range resp.ToolCalls {
		raw, _ := json.Marshal(tc.Arguments)
		result.Steps = append(result.Steps, Step{Kind: "tool_call", ToolName: tc.Name, ToolInput: raw})
	}
	if req.Stream != nil {
		if resp.Content != "" {
			req.Stream.OnTextDelta(resp.Content)
		}
		for _, s := range result.Steps {
			req.Stream.OnStepFinish(s)
		}
	}
	return result, nil
}

func (b *ProviderBackend) CompleteObject(ctx context.Context, req CompleteObjectRequest) (*CompleteObjectResult, error) {
	schemaMsg := Message{
		Role: "system",
		Content: fmt.Sprintf("Respond with a single JSON object matching this schema, no prose, no markdown fences: %s",
			mustMarshal(req.Schema)),
	}
	resp, err := b.provider.Chat(ctx, ChatRequest{
		Messages: append([]Message{schemaMsg}, req.Messages...),
		Model:    b.modelFor(req.Role),
	})
	if err != nil {
		return nil, err
	}
	raw := extractJSONObject(resp.Content)
	if raw == nil {
		return nil, fmt.Errorf("providers: completeObject: model did not return a JSON object")
	}
	return &CompleteObjectResult{Output: raw, ModelID: b.modelFor(req.Role), Usage: resp.Usage}, nil
}

func toolDefsFromSpecs(tools []ToolSpec) []ToolDefinition {
	if len(tools) == 0 {
		return nil
	}
	out := make([]ToolDefinition, 0, len(tools))
	for _, t := range tools {
		out = append(out, ToolDefinition{
			Type: "function",
			Function: ToolFunctionSchema{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	return out
}

func mustMarshal(v interface{}) string {
	b, _ := json.Marshal(v)
	return string(b)
}

// extractJSONObject finds the first top-level {...} object in text,
// tolerating surrounding prose or ```json fences some models still emit
// despite instructions.
func extractJSONObject(text string) json.RawMessage {
	start := -1
	depth := 0
	for i, r := range text {
		switch r {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					candidate := text[start : i+1]
					if json.Valid([]byte(candidate)) {
						return json.RawMessage(candidate)
					}
				}
			}
		}
	}
	return nil
}
