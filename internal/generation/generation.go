// Package generation implements the disciplined reply loop (spec.md
// §4.H): a bounded, slop-gated call to the LLM backend with retry
// classification and a circuit breaker, generalized from the teacher's
// open-ended Think→Act→Observe agent loop (internal/agent/loop.go).
package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/friendcore/friend/internal/message"
	"github.com/friendcore/friend/internal/providers"
	"github.com/friendcore/friend/internal/ratelimit"
	"github.com/friendcore/friend/internal/slop"
)

// Reason enumerates why generateDisciplinedReply produced no usable text.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonModelSilence  Reason = "model_silence"
	ReasonSlopExhausted Reason = "slop_exhausted"
	ReasonBackendError  Reason = "backend_error"
)

// Config bounds the loop's retry/regen/circuit-breaker behavior.
type Config struct {
	MaxRegens            int
	MaxChars             int
	IsGroup              bool
	IdentityAntiPatterns []string

	RetryConfig providers.RetryConfig

	// ToolTimeoutDefault is applied to a tool call when its ToolSpec
	// doesn't specify one.
	ToolTimeoutDefault time.Duration

	// CircuitBreakerThreshold is the consecutive-failure count that trips
	// the breaker; CircuitBreakerOpenFor is how long it stays open.
	CircuitBreakerThreshold int
	CircuitBreakerOpenFor   time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxRegens:               2,
		MaxChars:                1200,
		RetryConfig:             providers.DefaultRetryConfig(),
		ToolTimeoutDefault:      60 * time.Second,
		CircuitBreakerThreshold: 5,
		CircuitBreakerOpenFor:   60 * time.Second,
	}
}

// Request bundles one generation attempt's inputs.
type Request struct {
	Messages    []providers.Message
	Tools       []providers.ToolSpec
	ToolContext *providers.ToolContext
	Stream      providers.Observer
	VerifiedURLs []string
}

// Result is what generateDisciplinedReply hands back to the turn engine.
type Result struct {
	Text       string
	Reason     Reason
	ToolOutput string
	Usage      *providers.Usage
}

// breakerState tracks consecutive-failure count and trip time for one
// backend; the loop routes role:"default" traffic to role:"fast" while
// tripped (spec.md §4.H.7).
type breakerState struct {
	mu         sync.Mutex
	failures   int
	openUntil  time.Time
}

// Breaker wraps an LLMBackend with the circuit-breaker behavior above.
// One Breaker per backend instance; safe for concurrent use across chats.
type Breaker struct {
	cfg   Config
	state breakerState
}

func NewBreaker(cfg Config) *Breaker {
	if cfg.CircuitBreakerThreshold <= 0 {
		cfg.CircuitBreakerThreshold = 5
	}
	if cfg.CircuitBreakerOpenFor <= 0 {
		cfg.CircuitBreakerOpenFor = 60 * time.Second
	}
	return &Breaker{cfg: cfg}
}

func (b *Breaker) roleFor(requested providers.Role) providers.Role {
	if requested != providers.RoleDefault {
		return requested
	}
	b.state.mu.Lock()
	defer b.state.mu.Unlock()
	if time.Now().Before(b.state.openUntil) {
		return providers.RoleFast
	}
	return providers.RoleDefault
}

func (b *Breaker) recordSuccess() {
	b.state.mu.Lock()
	defer b.state.mu.Unlock()
	b.state.failures = 0
}

func (b *Breaker) recordFailure() {
	b.state.mu.Lock()
	defer b.state.mu.Unlock()
	b.state.failures++
	if b.state.failures >= b.cfg.CircuitBreakerThreshold {
		b.state.openUntil = time.Now().Add(b.cfg.CircuitBreakerOpenFor)
	}
}

// Status reports the breaker's current open/closed state and consecutive
// failure count, for `friend status`.
func (b *Breaker) Status() (open bool, failures int) {
	b.state.mu.Lock()
	defer b.state.mu.Unlock()
	return time.Now().Before(b.state.openUntil), b.state.failures
}

// Engine runs the disciplined reply loop against one backend, behind one
// breaker and one per-chat rate limiter.
type Engine struct {
	cfg     Config
	backend providers.LLMBackend
	breaker *Breaker
	limiter *ratelimit.PerChatLimiter
}

func NewEngine(cfg Config, backend providers.LLMBackend, breaker *Breaker, limiter *ratelimit.PerChatLimiter) *Engine {
	return &Engine{cfg: cfg, backend: backend, breaker: breaker, limiter: limiter}
}

// Breaker exposes the engine's circuit breaker for status reporting.
func (e *Engine) Breaker() *Breaker { return e.breaker }

// Generate runs generateDisciplinedReply for one chat.
func (e *Engine) Generate(ctx context.Context, chatID message.ChatID, req Request) (Result, error) {
	if e.limiter != nil {
		if err := e.limiter.Take(ctx, chatID, 1); err != nil {
			return Result{}, fmt.Errorf("generation: rate limit: %w", err)
		}
	}

	completeReq := providers.CompleteRequest{
		Role:        providers.RoleDefault,
		MaxSteps:    8,
		Messages:    req.Messages,
		Tools:       wrapTools(req.Tools, e.cfg.ToolTimeoutDefault),
		ToolContext: req.ToolContext,
		Stream:      req.Stream,
	}
	if e.breaker != nil {
		completeReq.Role = e.breaker.roleFor(completeReq.Role)
	}

	result, err := e.callWithRetry(ctx, completeReq)
	if err != nil {
		if e.breaker != nil {
			e.breaker.recordFailure()
		}
		return Result{Reason: ReasonBackendError}, err
	}
	if e.breaker != nil {
		e.breaker.recordSuccess()
	}

	text := strings.TrimSpace(result.Text)
	if text == "" {
		return Result{Reason: ReasonModelSilence, Usage: result.Usage}, nil
	}

	disciplined := slop.EnforceMaxLength(collapseIfGroup(text, e.cfg.IsGroup), e.cfg.MaxChars)
	if !slop.CheckSlop(disciplined, e.cfg.IdentityAntiPatterns).IsSlop {
		return Result{Text: disciplined, Usage: result.Usage}, nil
	}

	for attempt := 1; attempt <= e.cfg.MaxRegens; attempt++ {
		viol := slop.CheckSlop(disciplined, e.cfg.IdentityAntiPatterns)
		regenReq := completeReq
		regenReq.Messages = append(append([]providers.Message{}, req.Messages...), providers.Message{
			Role:    "user",
			Content: rewriteInstruction(disciplined, viol),
		})
		if regenReq.Stream != nil {
			regenReq.Stream = nil // reset observer stream between attempts
		}

		result, err = e.callWithRetry(ctx, regenReq)
		if err != nil {
			if e.breaker != nil {
				e.breaker.recordFailure()
			}
			return Result{Reason: ReasonBackendError}, err
		}
		if e.breaker != nil {
			e.breaker.recordSuccess()
		}

		text = strings.TrimSpace(result.Text)
		if text == "" {
			continue
		}
		disciplined = slop.EnforceMaxLength(collapseIfGroup(text, e.cfg.IsGroup), e.cfg.MaxChars)
		if !slop.CheckSlop(disciplined, e.cfg.IdentityAntiPatterns).IsSlop {
			return Result{Text: disciplined, Usage: result.Usage}, nil
		}
	}

	return Result{Reason: ReasonSlopExhausted, Usage: result.Usage}, nil
}

func rewriteInstruction(prior string, viol slop.Result) string {
	var cats []string
	for _, v := range viol.Violations {
		cats = append(cats, v.Category)
	}
	return fmt.Sprintf(
		"That reply reads as generic assistant filler (flagged categories: %s). Rewrite it in your own natural voice, same intent, no corporate hedging. Previous attempt: %s",
		strings.Join(cats, ", "), prior,
	)
}

func collapseIfGroup(text string, isGroup bool) string {
	if !isGroup {
		return text
	}
	var b strings.Builder
	inRun := false
	for _, r := range text {
		if r == '\n' || r == '\r' {
			if !inRun {
				b.WriteByte(' ')
				inRun = true
			}
			continue
		}
		inRun = false
		b.WriteRune(r)
	}
	return b.String()
}

// callWithRetry classifies backend errors as transient or fatal and
// retries transient ones with exponential backoff + jitter (spec.md
// §4.H.6). "Model unavailable" gets exactly one empty-model fallback
// attempt on top of the normal retry budget.
func (e *Engine) callWithRetry(ctx context.Context, req providers.CompleteRequest) (*providers.CompleteResult, error) {
	cfg := e.cfg.RetryConfig
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	fellBack := false
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		res, err := e.backend.Complete(ctx, req)
		if err == nil {
			return res, nil
		}
		lastErr = err

		// First-byte timeout is fatal: no retries (spec.md §4.H.6).
		if isFirstByteTimeout(err) {
			return nil, err
		}

		// "Model unavailable" gets exactly one empty-model fallback
		// attempt, independent of the normal retry budget.
		if isModelUnavailable(err) && !fellBack {
			fellBack = true
			fallbackReq := req
			fallbackReq.ProviderOptions = nil
			if fbRes, fbErr := e.backend.Complete(ctx, fallbackReq); fbErr == nil {
				return fbRes, nil
			}
		}

		if !providers.IsRetryableHTTPError(err) || attempt == maxAttempts-1 {
			return nil, err
		}

		delay := providers.BackoffDelay(cfg, attempt)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func isFirstByteTimeout(err error) bool {
	return strings.Contains(err.Error(), "first byte timeout") || strings.Contains(err.Error(), "first-byte timeout")
}

func isModelUnavailable(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "model unavailable") ||
		strings.Contains(strings.ToLower(err.Error()), "model_unavailable")
}

func wrapTools(tools []providers.ToolSpec, defaultTimeout time.Duration) []providers.ToolSpec {
	if len(tools) == 0 {
		return nil
	}
	out := make([]providers.ToolSpec, len(tools))
	for i, t := range tools {
		timeout := defaultTimeout
		if t.TimeoutMs > 0 {
			timeout = time.Duration(t.TimeoutMs) * time.Millisecond
		}
		inner := t.Execute
		out[i] = t
		out[i].Execute = wrapToolExecute(inner, t.Name, timeout)
	}
	return out
}

// wrapToolExecute enforces the per-tool timeout and wraps successful
// output in the <tool_output name="..."> envelope spec.md §4.H.5
// mandates, escaping any literal closing tag in the payload so a tool
// can't prematurely terminate its own wrapper.
func wrapToolExecute(inner func(context.Context, json.RawMessage, *providers.ToolContext) (string, error), name string, timeout time.Duration) func(context.Context, json.RawMessage, *providers.ToolContext) (string, error) {
	return func(ctx context.Context, input json.RawMessage, tc *providers.ToolContext) (string, error) {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		type out struct {
			text string
			err  error
		}
		ch := make(chan out, 1)
		go func() {
			text, err := inner(callCtx, input, tc)
			ch <- out{text, err}
		}()

		select {
		case <-callCtx.Done():
			return "", callCtx.Err()
		case o := <-ch:
			if o.err != nil {
				return "", o.err
			}
			return wrapToolOutput(name, o.text), nil
		}
	}
}

func wrapToolOutput(name, text string) string {
	escaped := strings.ReplaceAll(text, "</tool_output>", "&lt;/tool_output&gt;")
	return fmt.Sprintf("<tool_output name=%q>%s</tool_output>", name, escaped)
}
