package generation

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/friendcore/friend/internal/message"
	"github.com/friendcore/friend/internal/providers"
)

// scriptedBackend returns queued (result, error) pairs in order, then
// repeats the last entry once the script is exhausted.
type scriptedBackend struct {
	script []scriptedCall
	calls  []providers.CompleteRequest
}

type scriptedCall struct {
	result *providers.CompleteResult
	err    error
}

func (b *scriptedBackend) Complete(ctx context.Context, req providers.CompleteRequest) (*providers.CompleteResult, error) {
	b.calls = append(b.calls, req)
	idx := len(b.calls) - 1
	if idx >= len(b.script) {
		idx = len(b.script) - 1
	}
	c := b.script[idx]
	return c.result, c.err
}
func (b *scriptedBackend) CompleteObject(ctx context.Context, req providers.CompleteObjectRequest) (*providers.CompleteObjectResult, error) {
	return &providers.CompleteObjectResult{Output: []byte(`{}`)}, nil
}
func (b *scriptedBackend) Embedder() providers.Embedder { return nil }
func (b *scriptedBackend) Name() string                 { return "scripted" }

type timeoutError struct{ msg string }

func (e timeoutError) Error() string   { return e.msg }
func (e timeoutError) Timeout() bool   { return true }
func (e timeoutError) Temporary() bool { return true }

var _ net.Error = timeoutError{}

func fastRetryConfig() providers.RetryConfig {
	return providers.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, JitterMax: time.Millisecond}
}

func TestGenerate_SuccessOnFirstAttempt(t *testing.T) {
	backend := &scriptedBackend{script: []scriptedCall{
		{result: &providers.CompleteResult{Text: "hey there, good to hear from you"}},
	}}
	cfg := DefaultConfig()
	cfg.RetryConfig = fastRetryConfig()
	e := NewEngine(cfg, backend, NewBreaker(cfg), nil)

	res, err := e.Generate(context.Background(), message.ChatID("c1"), Request{})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if res.Text == "" {
		t.Error("expected non-empty text")
	}
	if len(backend.calls) != 1 {
		t.Errorf("expected exactly 1 backend call, got %d", len(backend.calls))
	}
}

func TestGenerate_EmptyTextIsModelSilence(t *testing.T) {
	backend := &scriptedBackend{script: []scriptedCall{{result: &providers.CompleteResult{Text: "   "}}}}
	cfg := DefaultConfig()
	cfg.RetryConfig = fastRetryConfig()
	e := NewEngine(cfg, backend, NewBreaker(cfg), nil)

	res, err := e.Generate(context.Background(), "c1", Request{})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if res.Reason != ReasonModelSilence {
		t.Errorf("Reason = %v, want ReasonModelSilence", res.Reason)
	}
}

func TestCallWithRetry_FirstByteTimeoutIsFatal(t *testing.T) {
	backend := &scriptedBackend{script: []scriptedCall{
		{err: errors.New("first byte timeout waiting on stream")},
		{result: &providers.CompleteResult{Text: "should never be reached"}},
	}}
	cfg := DefaultConfig()
	cfg.RetryConfig = fastRetryConfig()
	e := NewEngine(cfg, backend, NewBreaker(cfg), nil)

	_, err := e.callWithRetry(context.Background(), providers.CompleteRequest{})
	if err == nil {
		t.Fatal("expected an error for first-byte timeout")
	}
	if len(backend.calls) != 1 {
		t.Errorf("first-byte timeout should not retry, got %d calls", len(backend.calls))
	}
}

func TestCallWithRetry_ModelUnavailableFallsBackOnce(t *testing.T) {
	backend := &scriptedBackend{script: []scriptedCall{
		{err: errors.New("model unavailable: overloaded")},
		{result: &providers.CompleteResult{Text: "fallback model responded"}},
	}}
	cfg := DefaultConfig()
	cfg.RetryConfig = fastRetryConfig()
	e := NewEngine(cfg, backend, NewBreaker(cfg), nil)

	req := providers.CompleteRequest{ProviderOptions: map[string]interface{}{"model": "pinned-model"}}
	res, err := e.callWithRetry(context.Background(), req)
	if err != nil {
		t.Fatalf("callWithRetry() error = %v", err)
	}
	if res.Text != "fallback model responded" {
		t.Errorf("did not take the empty-model fallback: %+v", res)
	}
	if len(backend.calls) != 2 {
		t.Fatalf("expected exactly 2 calls (original + one fallback), got %d", len(backend.calls))
	}
	if backend.calls[1].ProviderOptions != nil {
		t.Errorf("fallback call should clear ProviderOptions, got %+v", backend.calls[1].ProviderOptions)
	}
}

func TestCallWithRetry_TransientErrorRetriesThenSucceeds(t *testing.T) {
	backend := &scriptedBackend{script: []scriptedCall{
		{err: timeoutError{"connection reset by peer"}},
		{result: &providers.CompleteResult{Text: "second try worked"}},
	}}
	cfg := DefaultConfig()
	cfg.RetryConfig = fastRetryConfig()
	e := NewEngine(cfg, backend, NewBreaker(cfg), nil)

	res, err := e.callWithRetry(context.Background(), providers.CompleteRequest{})
	if err != nil {
		t.Fatalf("callWithRetry() error = %v", err)
	}
	if res.Text != "second try worked" {
		t.Errorf("got %+v", res)
	}
}

func TestCallWithRetry_NonRetryableErrorFailsImmediately(t *testing.T) {
	backend := &scriptedBackend{script: []scriptedCall{
		{err: errors.New("invalid request: malformed schema")},
		{result: &providers.CompleteResult{Text: "should never be reached"}},
	}}
	cfg := DefaultConfig()
	cfg.RetryConfig = fastRetryConfig()
	e := NewEngine(cfg, backend, NewBreaker(cfg), nil)

	_, err := e.callWithRetry(context.Background(), providers.CompleteRequest{})
	if err == nil {
		t.Fatal("expected an error")
	}
	if len(backend.calls) != 1 {
		t.Errorf("non-retryable error should not retry, got %d calls", len(backend.calls))
	}
}

func TestBreaker_TripsAfterThresholdAndReroutesDefault(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CircuitBreakerThreshold = 3
	cfg.CircuitBreakerOpenFor = time.Hour
	b := NewBreaker(cfg)

	for i := 0; i < 2; i++ {
		b.recordFailure()
	}
	if got := b.roleFor(providers.RoleDefault); got != providers.RoleDefault {
		t.Errorf("below threshold: roleFor(default) = %v, want default", got)
	}

	b.recordFailure() // 3rd failure trips the breaker
	if got := b.roleFor(providers.RoleDefault); got != providers.RoleFast {
		t.Errorf("at threshold: roleFor(default) = %v, want fast (rerouted)", got)
	}
	if got := b.roleFor(providers.RoleFast); got != providers.RoleFast {
		t.Errorf("explicit role:fast should never be overridden: got %v", got)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CircuitBreakerThreshold = 2
	b := NewBreaker(cfg)

	b.recordFailure()
	b.recordSuccess()
	b.recordFailure()
	if got := b.roleFor(providers.RoleDefault); got != providers.RoleDefault {
		t.Errorf("success should have reset the failure streak: roleFor = %v", got)
	}
}
