package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"

	"pal-server/router-api/internal/domain/capability"
	"pal-server/router-api/internal/infrastructure/httpclients/chat"
	"pal-server/router-api/internal/infrastructure/logger"
	"pal-server/router-api/internal/utils/platformerrors"
)

// completionCaller is the transport seam; *chat.ChatCompletionClient
// satisfies it in production and test doubles replace it.
type completionCaller interface {
	CreateChatCompletion(ctx context.Context, apiKey string, request openai.ChatCompletionRequest) (*openai.ChatCompletionResponse, error)
	StreamChatCompletion(ctx context.Context, apiKey string, request openai.ChatCompletionRequest, firstActivityWindow time.Duration, opts ...chat.StreamOption) (*openai.ChatCompletionResponse, error)
}

// openAICompatibleAdapter is the shared implementation for all OpenAI API
// lookalikes. Behavior varies by kind only in streaming (OpenRouter streams
// with the first-activity watchdog) and in which models it accepts.
type openAICompatibleAdapter struct {
	kind         ProviderKind
	apiKey       string
	caps         *capability.Registry
	caller       completionCaller
	allowList    map[string]struct{} // lowercase entries; nil = unrestricted
	streaming    bool
	watchdog     time.Duration
	retryDelays  []time.Duration
	extraHeaders map[string]string

	allowMu        sync.Mutex
	allowAliasMemo map[string]string // allow-list entry -> resolved canonical (lowercase)
}

// AdapterConfig carries everything an adapter variant needs at construction.
type AdapterConfig struct {
	Kind         ProviderKind
	APIKey       string
	Capabilities *capability.Registry
	Caller       completionCaller
	AllowList    map[string]struct{}
	Streaming    bool
	Watchdog     time.Duration
	ExtraHeaders map[string]string
}

func newOpenAICompatibleAdapter(cfg AdapterConfig) *openAICompatibleAdapter {
	watchdog := cfg.Watchdog
	if watchdog <= 0 {
		watchdog = 15 * time.Second
	}
	return &openAICompatibleAdapter{
		kind:           cfg.Kind,
		apiKey:         cfg.APIKey,
		caps:           cfg.Capabilities,
		caller:         cfg.Caller,
		allowList:      cfg.AllowList,
		streaming:      cfg.Streaming,
		watchdog:       watchdog,
		retryDelays:    defaultRetryDelays,
		extraHeaders:   cfg.ExtraHeaders,
		allowAliasMemo: make(map[string]string),
	}
}

func (a *openAICompatibleAdapter) Kind() ProviderKind {
	return a.kind
}

// AcceptsModel accepts statically-registered names and aliases, and for
// aggregator kinds any qualified "vendor/model" identifier.
func (a *openAICompatibleAdapter) AcceptsModel(name string) bool {
	if _, ok := a.caps.ResolveCanonical(name); ok {
		return true
	}
	if a.kind == KindOpenRouter || a.kind == KindCustom {
		return capability.IsQualifiedName(name)
	}
	return false
}

func (a *openAICompatibleAdapter) Capabilities(ctx context.Context, name string) (*capability.ModelCapabilities, error) {
	return a.caps.Resolve(ctx, name)
}

// Generate enforces the allow-list, gates unsupported parameters, and runs
// the call with bounded retry. Stalled streams surface immediately without
// internal retry so the caller can rotate the instance.
func (a *openAICompatibleAdapter) Generate(ctx context.Context, req Request) (*Response, error) {
	resolved := a.resolveModelName(req.Model)

	if err := a.ensureModelAllowed(req.Model, resolved); err != nil {
		return nil, err
	}

	caps, err := a.caps.Resolve(ctx, req.Model)
	if err != nil {
		return nil, platformerrors.New(
			platformerrors.KindValidation,
			platformerrors.PhaseCall,
			string(a.kind),
			req.Model,
			"capability resolution failed",
			err,
		)
	}

	completionReq := a.buildCompletionRequest(resolved, req, caps)

	resp, attempts, err := runWithRetries(ctx, a.kind, resolved, a.retryDelays, func() (*openai.ChatCompletionResponse, error) {
		if a.streaming {
			return a.caller.StreamChatCompletion(ctx, a.apiKey, completionReq, a.watchdog, a.streamOptions()...)
		}
		return a.caller.CreateChatCompletion(ctx, a.apiKey, completionReq)
	})
	if err != nil {
		return nil, a.terminalError(err, resolved, attempts)
	}

	return a.buildResponse(resolved, resp), nil
}

func (a *openAICompatibleAdapter) streamOptions() []chat.StreamOption {
	opts := make([]chat.StreamOption, 0, len(a.extraHeaders))
	keys := make([]string, 0, len(a.extraHeaders))
	for key := range a.extraHeaders {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		opts = append(opts, chat.WithHeader(key, a.extraHeaders[key]))
	}
	return opts
}

// resolveModelName maps aliases to canonical form; unknown names pass
// through as-is (qualified names are valid without registration).
func (a *openAICompatibleAdapter) resolveModelName(name string) string {
	if canonical, ok := a.caps.ResolveCanonical(name); ok {
		return canonical
	}
	return name
}

// ensureModelAllowed performs alias-aware, case-insensitive allow-list
// matching. Allow-list entries that are themselves aliases resolve through
// the capability registry, memoized across calls.
func (a *openAICompatibleAdapter) ensureModelAllowed(requested, canonical string) error {
	if a.allowList == nil {
		return nil
	}

	requestedKey := strings.ToLower(requested)
	canonicalKey := strings.ToLower(canonical)
	if _, ok := a.allowList[requestedKey]; ok {
		return nil
	}
	if _, ok := a.allowList[canonicalKey]; ok {
		return nil
	}

	a.allowMu.Lock()
	defer a.allowMu.Unlock()
	for entry := range a.allowList {
		resolved, ok := a.allowAliasMemo[entry]
		if !ok {
			if canonicalEntry, found := a.caps.ResolveCanonical(entry); found {
				resolved = strings.ToLower(canonicalEntry)
			} else {
				resolved = entry
			}
			a.allowAliasMemo[entry] = resolved
		}
		if resolved == canonicalKey {
			return nil
		}
	}

	return platformerrors.New(
		platformerrors.KindNotAllowed,
		platformerrors.PhaseCall,
		string(a.kind),
		requested,
		fmt.Sprintf("model not permitted by allow-list (%d entries configured)", len(a.allowList)),
		nil,
	)
}

// buildCompletionRequest gates parameters the backend would reject:
// reasoning-restricted models (no temperature support) get neither
// temperature nor an output cap.
func (a *openAICompatibleAdapter) buildCompletionRequest(resolved string, req Request, caps *capability.ModelCapabilities) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	completionReq := openai.ChatCompletionRequest{
		Model:    resolved,
		Messages: messages,
	}

	if caps.SupportsTemperature {
		completionReq.Temperature = req.Temperature
		if req.MaxOutputTokens > 0 {
			completionReq.MaxTokens = req.MaxOutputTokens
		}
	} else {
		log := logger.GetLogger()
		log.Debug().
			Str("provider", string(a.kind)).
			Str("model", resolved).
			Msg("omitting sampling parameters for reasoning-restricted model")
		if caps.SupportsReasoningEffort {
			completionReq.ReasoningEffort = "medium"
		}
	}

	return completionReq
}

func (a *openAICompatibleAdapter) terminalError(err error, resolved string, attempts int) error {
	if platformerrors.IsKind(err, platformerrors.KindTransientTransport) {
		return err
	}

	switch classifyFailure(err) {
	case classStalled:
		return platformerrors.New(
			platformerrors.KindStalled,
			platformerrors.PhaseCall,
			string(a.kind),
			resolved,
			"no activity within first-activity window",
			err,
		).WithAttempts(attempts)
	case classValidation:
		return platformerrors.New(
			platformerrors.KindValidation,
			platformerrors.PhaseCall,
			string(a.kind),
			resolved,
			"backend rejected request",
			err,
		).WithAttempts(attempts)
	default:
		return platformerrors.As(platformerrors.PhaseCall, string(a.kind), resolved, err, "model call failed")
	}
}

func (a *openAICompatibleAdapter) buildResponse(resolved string, resp *openai.ChatCompletionResponse) *Response {
	content := ""
	finishReason := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
		finishReason = string(resp.Choices[0].FinishReason)
	}

	modelUsed := resp.Model
	if modelUsed == "" {
		modelUsed = resolved
	}

	return &Response{
		Content:      content,
		ModelUsed:    modelUsed,
		ProviderUsed: a.kind,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
		FinishReason: finishReason,
		ResponseID:   resp.ID,
	}
}
