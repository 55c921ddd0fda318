package pipeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"pal-server/router-api/internal/domain/capability"
	"pal-server/router-api/internal/domain/provider"
	"pal-server/router-api/internal/utils/platformerrors"
)

type scriptedAdapter struct {
	kind     provider.ProviderKind
	delay    time.Duration
	err      error
	response *provider.Response
	calls    atomic.Int32
}

func (s *scriptedAdapter) Kind() provider.ProviderKind { return s.kind }
func (s *scriptedAdapter) AcceptsModel(string) bool    { return true }
func (s *scriptedAdapter) Capabilities(context.Context, string) (*capability.ModelCapabilities, error) {
	return nil, capability.ErrNotFound
}

func (s *scriptedAdapter) Generate(ctx context.Context, req provider.Request) (*provider.Response, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	if s.response != nil {
		return s.response, nil
	}
	return &provider.Response{
		Content:      "done",
		ModelUsed:    req.Model,
		ProviderUsed: s.kind,
		Usage:        provider.Usage{InputTokens: 5, OutputTokens: 3, TotalTokens: 8},
	}, nil
}

func newPipelineWith(t *testing.T, adapter provider.Adapter, workers int, callCap time.Duration) (*Pipeline, *provider.Registry) {
	t.Helper()
	builds := 0
	registry := provider.NewRegistry(func(provider.ProviderKind) (provider.Adapter, error) {
		builds++
		if builds == 1 {
			return adapter, nil
		}
		return &scriptedAdapter{kind: adapter.Kind()}, nil
	}, []provider.ProviderKind{adapter.Kind()})
	p := New(registry, workers, callCap)
	t.Cleanup(p.Close)
	return p, registry
}

func TestExecuteReturnsResponseWithTimings(t *testing.T) {
	adapter := &scriptedAdapter{kind: provider.KindOpenAI, delay: 10 * time.Millisecond}
	p, _ := newPipelineWith(t, adapter, 2, 0)

	prep := 7 * time.Millisecond
	resp, timings, err := p.Execute(context.Background(), provider.Request{Model: "gpt-5", Prompt: "hi"}, prep)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Content != "done" {
		t.Fatalf("unexpected content %q", resp.Content)
	}
	if timings.FilePrep != prep {
		t.Fatalf("file prep timing must pass through, got %s", timings.FilePrep)
	}
	if timings.ModelCall < 10*time.Millisecond {
		t.Fatalf("model call timing too small: %s", timings.ModelCall)
	}
	if timings.Total < timings.ModelCall {
		t.Fatalf("total %s must cover model call %s", timings.Total, timings.ModelCall)
	}
}

func TestExecuteNoProviderFound(t *testing.T) {
	registry := provider.NewRegistry(func(provider.ProviderKind) (provider.Adapter, error) {
		return &rejectingAdapter{}, nil
	}, []provider.ProviderKind{provider.KindOpenAI})
	p := New(registry, 1, 0)
	t.Cleanup(p.Close)

	_, _, err := p.Execute(context.Background(), provider.Request{Model: "nobody-serves-this"}, 0)
	if !platformerrors.IsKind(err, platformerrors.KindNoProviderFound) {
		t.Fatalf("expected NoProviderFound, got %v", err)
	}
}

type rejectingAdapter struct{}

func (rejectingAdapter) Kind() provider.ProviderKind { return provider.KindOpenAI }
func (rejectingAdapter) AcceptsModel(string) bool    { return false }
func (rejectingAdapter) Capabilities(context.Context, string) (*capability.ModelCapabilities, error) {
	return nil, capability.ErrNotFound
}
func (rejectingAdapter) Generate(context.Context, provider.Request) (*provider.Response, error) {
	return nil, nil
}

func TestExecuteBestEffortCapRotates(t *testing.T) {
	adapter := &scriptedAdapter{kind: provider.KindOpenRouter, delay: 500 * time.Millisecond}
	p, registry := newPipelineWith(t, adapter, 1, 30*time.Millisecond)

	before, err := registry.Get(provider.KindOpenRouter)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	start := time.Now()
	_, _, err = p.Execute(context.Background(), provider.Request{Model: "vendor/model"}, 0)
	if !platformerrors.IsKind(err, platformerrors.KindBestEffortTimeout) {
		t.Fatalf("expected BestEffortTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
		t.Fatalf("cap must abandon the wait promptly, took %s", elapsed)
	}

	after, err := registry.Get(provider.KindOpenRouter)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if before == after {
		t.Fatalf("expected instance rotation after wait cap")
	}
}

func TestExecuteRotatesOnStalledError(t *testing.T) {
	stalled := platformerrors.New(
		platformerrors.KindStalled,
		platformerrors.PhaseCall,
		string(provider.KindOpenRouter),
		"vendor/model",
		"no activity within first-activity window",
		nil,
	)
	adapter := &scriptedAdapter{kind: provider.KindOpenRouter, err: stalled}
	p, registry := newPipelineWith(t, adapter, 1, 0)

	before, err := registry.Get(provider.KindOpenRouter)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	_, _, err = p.Execute(context.Background(), provider.Request{Model: "vendor/model"}, 0)
	if !platformerrors.IsKind(err, platformerrors.KindStalled) {
		t.Fatalf("expected Stalled, got %v", err)
	}

	after, err := registry.Get(provider.KindOpenRouter)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if before == after {
		t.Fatalf("expected instance rotation after stalled stream")
	}
}

func TestExecuteDoesNotRotateOnValidation(t *testing.T) {
	invalid := platformerrors.New(
		platformerrors.KindValidation,
		platformerrors.PhaseCall,
		string(provider.KindOpenAI),
		"gpt-5",
		"backend rejected request",
		nil,
	)
	adapter := &scriptedAdapter{kind: provider.KindOpenAI, err: invalid}
	p, registry := newPipelineWith(t, adapter, 1, 0)

	before, err := registry.Get(provider.KindOpenAI)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	_, _, err = p.Execute(context.Background(), provider.Request{Model: "gpt-5"}, 0)
	if !platformerrors.IsKind(err, platformerrors.KindValidation) {
		t.Fatalf("expected Validation, got %v", err)
	}

	after, err := registry.Get(provider.KindOpenAI)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if before != after {
		t.Fatalf("validation failures must not rotate the instance")
	}
}

func TestExecuteSerializesOnInstanceLock(t *testing.T) {
	adapter := &scriptedAdapter{kind: provider.KindOpenAI, delay: 20 * time.Millisecond}
	p, _ := newPipelineWith(t, adapter, 4, 0)

	// Two concurrent calls share one instance; the second must report a
	// lock wait roughly one call long.
	type outcome struct {
		timings Timings
		err     error
	}
	results := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, timings, err := p.Execute(context.Background(), provider.Request{Model: "gpt-5"}, 0)
			results <- outcome{timings, err}
		}()
	}

	var maxLockWait time.Duration
	for i := 0; i < 2; i++ {
		out := <-results
		if out.err != nil {
			t.Fatalf("Execute: %v", out.err)
		}
		if out.timings.LockWait > maxLockWait {
			maxLockWait = out.timings.LockWait
		}
	}
	if maxLockWait < 10*time.Millisecond {
		t.Fatalf("expected measurable lock wait on the second call, got %s", maxLockWait)
	}
	if got := adapter.calls.Load(); got != 2 {
		t.Fatalf("expected both calls to reach the adapter, got %d", got)
	}
}

func TestCloseReleasesQueuedCaller(t *testing.T) {
	// One worker, held busy by a slow call. The second call sits in the
	// submit buffer when Close fires and must come back with a shutdown
	// error instead of waiting on a worker that already exited.
	adapter := &scriptedAdapter{kind: provider.KindOpenAI, delay: 400 * time.Millisecond}
	p, _ := newPipelineWith(t, adapter, 1, 0)

	busy := make(chan error, 1)
	go func() {
		_, _, err := p.Execute(context.Background(), provider.Request{Model: "gpt-5"}, 0)
		busy <- err
	}()
	time.Sleep(30 * time.Millisecond) // let the first call occupy the worker

	queued := make(chan error, 1)
	go func() {
		_, _, err := p.Execute(context.Background(), provider.Request{Model: "gpt-5"}, 0)
		queued <- err
	}()
	time.Sleep(30 * time.Millisecond) // let the second call enter the buffer

	p.Close()

	select {
	case err := <-queued:
		if !platformerrors.IsKind(err, platformerrors.KindInternal) {
			t.Fatalf("expected shutdown error for the queued call, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("queued caller still blocked after Close")
	}

	select {
	case <-busy:
	case <-time.After(time.Second):
		t.Fatalf("in-flight caller still blocked after Close")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	adapter := &scriptedAdapter{kind: provider.KindOpenAI}
	p, _ := newPipelineWith(t, adapter, 1, 0)
	p.Close()
	p.Close()
}

func TestExecuteCanceledContext(t *testing.T) {
	adapter := &scriptedAdapter{kind: provider.KindOpenAI, delay: time.Second}
	p, _ := newPipelineWith(t, adapter, 1, 0)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, _, err := p.Execute(ctx, provider.Request{Model: "gpt-5"}, 0)
	if err == nil {
		t.Fatalf("expected error after cancellation")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("cancellation must unblock the caller promptly")
	}
}
