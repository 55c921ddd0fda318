package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"

	"pal-server/router-api/internal/domain/capability"
	"pal-server/router-api/internal/infrastructure/httpclients/chat"
	"pal-server/router-api/internal/utils/platformerrors"
)

type fakeCaller struct {
	responses []*openai.ChatCompletionResponse
	errs      []error
	calls     int
	streamed  int
	lastReq   openai.ChatCompletionRequest
}

func (f *fakeCaller) next() (*openai.ChatCompletionResponse, error) {
	idx := f.calls
	f.calls++
	var resp *openai.ChatCompletionResponse
	var err error
	if idx < len(f.responses) {
		resp = f.responses[idx]
	}
	if idx < len(f.errs) {
		err = f.errs[idx]
	}
	return resp, err
}

func (f *fakeCaller) CreateChatCompletion(_ context.Context, _ string, request openai.ChatCompletionRequest) (*openai.ChatCompletionResponse, error) {
	f.lastReq = request
	return f.next()
}

func (f *fakeCaller) StreamChatCompletion(_ context.Context, _ string, request openai.ChatCompletionRequest, _ time.Duration, _ ...chat.StreamOption) (*openai.ChatCompletionResponse, error) {
	f.lastReq = request
	f.streamed++
	return f.next()
}

func okResponse(model, content string) *openai.ChatCompletionResponse {
	return &openai.ChatCompletionResponse{
		ID:    "resp-1",
		Model: model,
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}, FinishReason: openai.FinishReasonStop},
		},
		Usage: openai.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

func staticCaps() map[string]*capability.ModelCapabilities {
	return map[string]*capability.ModelCapabilities{
		"gpt-5": {
			ProviderID:              "openai",
			CanonicalName:           "gpt-5",
			Aliases:                 []string{"gpt5", "best"},
			ContextWindowTokens:     400000,
			MaxOutputTokens:         128000,
			SupportsTemperature:     false,
			SupportsReasoningEffort: true,
		},
		"gpt-4o-mini": {
			ProviderID:          "openai",
			CanonicalName:       "gpt-4o-mini",
			ContextWindowTokens: 128000,
			MaxOutputTokens:     16384,
			SupportsTemperature: true,
		},
	}
}

func newTestAdapter(t *testing.T, caller completionCaller, allowList map[string]struct{}) *openAICompatibleAdapter {
	t.Helper()
	caps := capability.NewRegistry("openai", staticCaps(), nil)
	a := newOpenAICompatibleAdapter(AdapterConfig{
		Kind:         KindOpenAI,
		APIKey:       "test-key",
		Capabilities: caps,
		Caller:       caller,
		AllowList:    allowList,
	})
	a.retryDelays = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond, time.Millisecond}
	return a
}

func TestGenerateResolvesAlias(t *testing.T) {
	caller := &fakeCaller{responses: []*openai.ChatCompletionResponse{okResponse("gpt-5", "hello")}}
	a := newTestAdapter(t, caller, nil)

	resp, err := a.Generate(context.Background(), Request{Model: "GPT5", Prompt: "hi"})
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if caller.lastReq.Model != "gpt-5" {
		t.Fatalf("expected canonical model gpt-5 on the wire, got %q", caller.lastReq.Model)
	}
	if resp.Content != "hello" {
		t.Fatalf("unexpected content %q", resp.Content)
	}
	if resp.ProviderUsed != KindOpenAI {
		t.Fatalf("unexpected provider %q", resp.ProviderUsed)
	}
}

func TestGenerateAllowListRejects(t *testing.T) {
	caller := &fakeCaller{}
	a := newTestAdapter(t, caller, map[string]struct{}{"gpt-4o-mini": {}})

	_, err := a.Generate(context.Background(), Request{Model: "gpt-5", Prompt: "hi"})
	if !platformerrors.IsKind(err, platformerrors.KindNotAllowed) {
		t.Fatalf("expected NotAllowed error, got %v", err)
	}
	if caller.calls != 0 {
		t.Fatalf("backend must not be called for disallowed model, got %d calls", caller.calls)
	}
}

func TestGenerateAllowListAcceptsAliasEntry(t *testing.T) {
	// Allow-list entry "best" is an alias of gpt-5; a request for gpt-5
	// must pass.
	caller := &fakeCaller{responses: []*openai.ChatCompletionResponse{okResponse("gpt-5", "ok")}}
	a := newTestAdapter(t, caller, map[string]struct{}{"best": {}})

	if _, err := a.Generate(context.Background(), Request{Model: "gpt-5", Prompt: "hi"}); err != nil {
		t.Fatalf("alias allow-list entry should admit canonical request: %v", err)
	}
}

func TestGenerateGatesTemperatureForReasoningModels(t *testing.T) {
	caller := &fakeCaller{responses: []*openai.ChatCompletionResponse{okResponse("gpt-5", "ok")}}
	a := newTestAdapter(t, caller, nil)

	_, err := a.Generate(context.Background(), Request{Model: "gpt-5", Prompt: "hi", Temperature: 0.7, MaxOutputTokens: 4000})
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if caller.lastReq.Temperature != 0 {
		t.Fatalf("temperature must be omitted for reasoning model, got %v", caller.lastReq.Temperature)
	}
	if caller.lastReq.MaxTokens != 0 {
		t.Fatalf("max tokens must be omitted for reasoning model, got %d", caller.lastReq.MaxTokens)
	}
	if caller.lastReq.ReasoningEffort != "medium" {
		t.Fatalf("expected medium reasoning effort, got %q", caller.lastReq.ReasoningEffort)
	}
}

func TestGeneratePassesTemperatureWhenSupported(t *testing.T) {
	caller := &fakeCaller{responses: []*openai.ChatCompletionResponse{okResponse("gpt-4o-mini", "ok")}}
	a := newTestAdapter(t, caller, nil)

	_, err := a.Generate(context.Background(), Request{Model: "gpt-4o-mini", Prompt: "hi", Temperature: 0.7, MaxOutputTokens: 4000})
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if caller.lastReq.Temperature != 0.7 {
		t.Fatalf("expected temperature 0.7, got %v", caller.lastReq.Temperature)
	}
	if caller.lastReq.MaxTokens != 4000 {
		t.Fatalf("expected max tokens 4000, got %d", caller.lastReq.MaxTokens)
	}
}

func TestGenerateRetriesTransientThenSucceeds(t *testing.T) {
	caller := &fakeCaller{
		errs:      []error{&chat.StatusError{Code: 503, Body: "upstream unavailable"}, nil},
		responses: []*openai.ChatCompletionResponse{nil, okResponse("gpt-4o-mini", "recovered")},
	}
	a := newTestAdapter(t, caller, nil)

	resp, err := a.Generate(context.Background(), Request{Model: "gpt-4o-mini", Prompt: "hi"})
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if caller.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", caller.calls)
	}
	if resp.Content != "recovered" {
		t.Fatalf("unexpected content %q", resp.Content)
	}
}

func TestGenerateExhaustsRetryBudget(t *testing.T) {
	caller := &fakeCaller{
		errs: []error{
			&chat.StatusError{Code: 503, Body: "down"},
			&chat.StatusError{Code: 503, Body: "down"},
			&chat.StatusError{Code: 503, Body: "down"},
			&chat.StatusError{Code: 503, Body: "down"},
		},
	}
	a := newTestAdapter(t, caller, nil)

	_, err := a.Generate(context.Background(), Request{Model: "gpt-4o-mini", Prompt: "hi"})
	if !platformerrors.IsKind(err, platformerrors.KindTransientTransport) {
		t.Fatalf("expected TransientTransport after exhaustion, got %v", err)
	}
	if caller.calls != 4 {
		t.Fatalf("expected 4 attempts, got %d", caller.calls)
	}
	var perr *platformerrors.Error
	if !errors.As(err, &perr) || perr.Attempts != 4 {
		t.Fatalf("expected attempt count 4 on error, got %+v", err)
	}
}

func TestGenerateDoesNotRetryValidationFailures(t *testing.T) {
	caller := &fakeCaller{
		errs: []error{&chat.StatusError{Code: 400, Body: `{"error":{"type":"invalid_request_error"}}`}},
	}
	a := newTestAdapter(t, caller, nil)

	_, err := a.Generate(context.Background(), Request{Model: "gpt-4o-mini", Prompt: "hi"})
	if !platformerrors.IsKind(err, platformerrors.KindValidation) {
		t.Fatalf("expected Validation error, got %v", err)
	}
	if caller.calls != 1 {
		t.Fatalf("validation failures must not retry, got %d calls", caller.calls)
	}
}

func TestGenerateTokenClass429IsPermanent(t *testing.T) {
	caller := &fakeCaller{
		errs: []error{&chat.StatusError{Code: 429, Body: `{"error":{"type":"tokens","message":"request too large"}}`}},
	}
	a := newTestAdapter(t, caller, nil)

	_, err := a.Generate(context.Background(), Request{Model: "gpt-4o-mini", Prompt: "hi"})
	if !platformerrors.IsKind(err, platformerrors.KindValidation) {
		t.Fatalf("token-class 429 must map to Validation, got %v", err)
	}
	if caller.calls != 1 {
		t.Fatalf("token-class 429 must not retry, got %d calls", caller.calls)
	}
}

func TestGenerateRateLimit429Retries(t *testing.T) {
	caller := &fakeCaller{
		errs:      []error{&chat.StatusError{Code: 429, Body: "slow down"}, nil},
		responses: []*openai.ChatCompletionResponse{nil, okResponse("gpt-4o-mini", "ok")},
	}
	a := newTestAdapter(t, caller, nil)

	if _, err := a.Generate(context.Background(), Request{Model: "gpt-4o-mini", Prompt: "hi"}); err != nil {
		t.Fatalf("rate-limit 429 should retry and succeed: %v", err)
	}
	if caller.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", caller.calls)
	}
}

func TestGenerateStalledStreamSurfacesImmediately(t *testing.T) {
	caller := &fakeCaller{
		errs: []error{chat.ErrStreamStalled},
	}
	caps := capability.NewRegistry("openrouter", map[string]*capability.ModelCapabilities{
		"vendor/model": {
			ProviderID:          "openrouter",
			CanonicalName:       "vendor/model",
			ContextWindowTokens: 128000,
			MaxOutputTokens:     16384,
			SupportsTemperature: true,
		},
	}, nil)
	a := newOpenAICompatibleAdapter(AdapterConfig{
		Kind:         KindOpenRouter,
		APIKey:       "test-key",
		Capabilities: caps,
		Caller:       caller,
		Streaming:    true,
		Watchdog:     time.Second,
	})
	a.retryDelays = []time.Duration{time.Millisecond, time.Millisecond}

	_, err := a.Generate(context.Background(), Request{Model: "vendor/model", Prompt: "hi"})
	if !platformerrors.IsKind(err, platformerrors.KindStalled) {
		t.Fatalf("expected Stalled error, got %v", err)
	}
	if caller.calls != 1 {
		t.Fatalf("stalled streams must not retry, got %d calls", caller.calls)
	}
	if caller.streamed != 1 {
		t.Fatalf("streaming adapter must use the stream path, got %d", caller.streamed)
	}
	if !platformerrors.IsTimeoutClass(err) {
		t.Fatalf("stalled errors must be timeout-class for rotation")
	}
}

func TestAcceptsModelQualifiedNames(t *testing.T) {
	caps := capability.NewRegistry("openrouter", nil, nil)
	a := newOpenAICompatibleAdapter(AdapterConfig{
		Kind:         KindOpenRouter,
		Capabilities: caps,
		Caller:       &fakeCaller{},
		Streaming:    true,
	})
	if !a.AcceptsModel("some-vendor/some-model") {
		t.Fatalf("aggregator must accept qualified names")
	}
	if a.AcceptsModel("bare-model") {
		t.Fatalf("aggregator must reject unknown bare names")
	}

	openaiCaps := capability.NewRegistry("openai", staticCaps(), nil)
	b := newOpenAICompatibleAdapter(AdapterConfig{
		Kind:         KindOpenAI,
		Capabilities: openaiCaps,
		Caller:       &fakeCaller{},
	})
	if !b.AcceptsModel("gpt5") {
		t.Fatalf("openai adapter must accept registered aliases")
	}
	if b.AcceptsModel("vendor/unknown") {
		t.Fatalf("openai adapter must not accept qualified names")
	}
}
