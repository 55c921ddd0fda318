package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"pal-server/router-api/internal/domain/capability"
	"pal-server/router-api/internal/domain/conversation"
	"pal-server/router-api/internal/domain/pipeline"
	"pal-server/router-api/internal/domain/provider"
	"pal-server/router-api/internal/utils/platformerrors"
)

type captureAdapter struct {
	mu      sync.Mutex
	kind    provider.ProviderKind
	window  int
	prompts []string
	reply   string
}

func (c *captureAdapter) Kind() provider.ProviderKind { return c.kind }
func (c *captureAdapter) AcceptsModel(string) bool    { return true }

func (c *captureAdapter) Capabilities(context.Context, string) (*capability.ModelCapabilities, error) {
	return &capability.ModelCapabilities{
		ProviderID:          string(c.kind),
		CanonicalName:       "test-model",
		ContextWindowTokens: c.window,
		MaxOutputTokens:     c.window / 4,
		SupportsTemperature: true,
	}, nil
}

func (c *captureAdapter) Generate(_ context.Context, req provider.Request) (*provider.Response, error) {
	c.mu.Lock()
	c.prompts = append(c.prompts, req.Prompt)
	c.mu.Unlock()
	return &provider.Response{
		Content:      c.reply,
		ModelUsed:    req.Model,
		ProviderUsed: c.kind,
		Usage:        provider.Usage{InputTokens: 12, OutputTokens: 6, TotalTokens: 18},
	}, nil
}

func (c *captureAdapter) lastPrompt() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.prompts) == 0 {
		return ""
	}
	return c.prompts[len(c.prompts)-1]
}

func newTestEngine(t *testing.T, adapter provider.Adapter) *Engine {
	t.Helper()
	registry := provider.NewRegistry(func(provider.ProviderKind) (provider.Adapter, error) {
		return adapter, nil
	}, []provider.ProviderKind{adapter.Kind()})
	pipe := pipeline.New(registry, 2, 0)
	t.Cleanup(pipe.Close)
	store := conversation.NewStore(50, time.Hour)
	return New(registry, pipe, store)
}

func TestCallReturnsEnvelope(t *testing.T) {
	adapter := &captureAdapter{kind: provider.KindOpenAI, window: 400_000, reply: "the answer"}
	e := newTestEngine(t, adapter)

	env, err := e.Call(context.Background(), Call{Model: "test-model", Prompt: "question?"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if env.Content != "the answer" {
		t.Fatalf("unexpected content %q", env.Content)
	}
	if env.ProviderUsed != string(provider.KindOpenAI) {
		t.Fatalf("unexpected provider %q", env.ProviderUsed)
	}
	if env.ThreadID == "" {
		t.Fatalf("a fresh thread id must be assigned")
	}
	if env.Timings.TotalS < env.Timings.ModelCallS {
		t.Fatalf("total %v must cover model call %v", env.Timings.TotalS, env.Timings.ModelCallS)
	}
	if env.Usage.TotalTokens != 18 {
		t.Fatalf("usage must pass through, got %+v", env.Usage)
	}
}

func TestCallThreadsHistoryIntoNextPrompt(t *testing.T) {
	adapter := &captureAdapter{kind: provider.KindOpenAI, window: 400_000, reply: "first reply"}
	e := newTestEngine(t, adapter)

	env, err := e.Call(context.Background(), Call{Model: "test-model", Prompt: "first question"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}

	adapter.reply = "second reply"
	env2, err := e.Call(context.Background(), Call{Model: "test-model", Prompt: "follow up", ThreadID: env.ThreadID})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if env2.ThreadID != env.ThreadID {
		t.Fatalf("thread id must be stable across turns")
	}

	prompt := adapter.lastPrompt()
	if !strings.Contains(prompt, "CONVERSATION HISTORY") {
		t.Fatalf("second call must carry history:\n%s", prompt)
	}
	if !strings.Contains(prompt, "first question") || !strings.Contains(prompt, "first reply") {
		t.Fatalf("history must include the prior exchange:\n%s", prompt)
	}
	if !strings.HasSuffix(prompt, "follow up") {
		t.Fatalf("the new prompt must come last:\n%s", prompt)
	}
}

func TestCallEmbedsFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main.go")
	if err := os.WriteFile(path, []byte("package main\n\nfunc main() {}\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	adapter := &captureAdapter{kind: provider.KindOpenAI, window: 400_000, reply: "reviewed"}
	e := newTestEngine(t, adapter)

	env, err := e.Call(context.Background(), Call{
		Model:     "test-model",
		Prompt:    "review this",
		FilePaths: []string{path},
		Profile:   "code_review",
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(env.EmbeddedFiles) != 1 || env.EmbeddedFiles[0] != path {
		t.Fatalf("manifest must list the embedded file, got %v", env.EmbeddedFiles)
	}
	prompt := adapter.lastPrompt()
	if !strings.Contains(prompt, "--- BEGIN FILE: "+path+" ---") {
		t.Fatalf("file must be fenced into the prompt:\n%s", prompt)
	}
	if !strings.Contains(prompt, "package main") {
		t.Fatalf("file content must be embedded:\n%s", prompt)
	}
}

func TestCallRejectsOversizedPrompt(t *testing.T) {
	adapter := &captureAdapter{kind: provider.KindOpenAI, window: 4_000, reply: "never"}
	e := newTestEngine(t, adapter)

	_, err := e.Call(context.Background(), Call{
		Model:  "test-model",
		Prompt: strings.Repeat("word ", 10_000),
	})
	if !platformerrors.IsKind(err, platformerrors.KindValidation) {
		t.Fatalf("expected Validation for oversized prompt, got %v", err)
	}
	if adapter.lastPrompt() != "" {
		t.Fatalf("backend must not be called for oversized prompts")
	}
}

func TestCallNoProviderFound(t *testing.T) {
	registry := provider.NewRegistry(func(provider.ProviderKind) (provider.Adapter, error) {
		return rejectAllAdapter{}, nil
	}, []provider.ProviderKind{provider.KindOpenAI})
	pipe := pipeline.New(registry, 1, 0)
	t.Cleanup(pipe.Close)
	e := New(registry, pipe, conversation.NewStore(50, time.Hour))

	_, err := e.Call(context.Background(), Call{Model: "mystery", Prompt: "hi"})
	if !platformerrors.IsKind(err, platformerrors.KindNoProviderFound) {
		t.Fatalf("expected NoProviderFound, got %v", err)
	}
}

type rejectAllAdapter struct{}

func (rejectAllAdapter) Kind() provider.ProviderKind { return provider.KindOpenAI }
func (rejectAllAdapter) AcceptsModel(string) bool    { return false }
func (rejectAllAdapter) Capabilities(context.Context, string) (*capability.ModelCapabilities, error) {
	return nil, capability.ErrNotFound
}
func (rejectAllAdapter) Generate(context.Context, provider.Request) (*provider.Response, error) {
	return nil, nil
}

func TestResolveFallsBackToGenericCapabilities(t *testing.T) {
	e := newTestEngine(t, rejectNoneNilCaps{})

	mc, err := e.Resolve(context.Background(), "anything:free", "default")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !mc.Capabilities.Generic {
		t.Fatalf("expected generic capability fallback")
	}
	if mc.BaseName != "anything" {
		t.Fatalf("option suffix must be stripped for the base name, got %q", mc.BaseName)
	}
	if mc.RequestedName != "anything:free" {
		t.Fatalf("requested name must be preserved, got %q", mc.RequestedName)
	}
}

type rejectNoneNilCaps struct{}

func (rejectNoneNilCaps) Kind() provider.ProviderKind { return provider.KindOpenRouter }
func (rejectNoneNilCaps) AcceptsModel(string) bool    { return true }
func (rejectNoneNilCaps) Capabilities(context.Context, string) (*capability.ModelCapabilities, error) {
	return nil, capability.ErrNotFound
}
func (rejectNoneNilCaps) Generate(context.Context, provider.Request) (*provider.Response, error) {
	return &provider.Response{Content: "ok"}, nil
}
