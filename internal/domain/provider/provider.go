package provider

import (
	"context"

	"pal-server/router-api/internal/domain/capability"
)

// ProviderKind is the closed set of supported backend families. Dispatch
// across families goes through the Adapter interface, one variant per kind.
type ProviderKind string

const (
	KindOpenAI     ProviderKind = "openai"
	KindOpenRouter ProviderKind = "openrouter"
	KindCustom     ProviderKind = "custom"
)

// PriorityOrder is the fixed declared routing order. A model accepted by an
// earlier backend is never routed to a later one.
var PriorityOrder = []ProviderKind{KindOpenAI, KindOpenRouter, KindCustom}

// Request is the normalized generation request handed to an adapter after
// budgeting has shaped the prompt.
type Request struct {
	Model           string // requested name or alias; the adapter resolves it
	SystemPrompt    string
	Prompt          string
	Temperature     float32
	MaxOutputTokens int
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Response is the uniform envelope adapters return regardless of backend.
type Response struct {
	Content      string
	ModelUsed    string
	ProviderUsed ProviderKind
	Usage        Usage
	FinishReason string
	ResponseID   string
}

// Adapter is the uniform transport wrapper over one backend family. A single
// adapter instance owns one transport handle and is not safe for concurrent
// calls; callers serialize through the instance lock held by the Registry.
type Adapter interface {
	Kind() ProviderKind

	// AcceptsModel is the adapter's own capability check used for routing.
	AcceptsModel(name string) bool

	// Capabilities resolves the capability snapshot for a model name.
	Capabilities(ctx context.Context, name string) (*capability.ModelCapabilities, error)

	// Generate executes the remote call: allow-list enforcement, parameter
	// gating, bounded retry, and (for streaming backends) the
	// time-to-first-activity watchdog.
	Generate(ctx context.Context, req Request) (*Response, error)
}
