package provider

import (
	"fmt"

	"pal-server/router-api/internal/config"
	"pal-server/router-api/internal/domain/capability"
	"pal-server/router-api/internal/infrastructure/httpclients"
	"pal-server/router-api/internal/infrastructure/httpclients/chat"
)

// ConfiguredKinds reports which provider kinds have credentials or an
// endpoint configured, in priority order.
func ConfiguredKinds(cfg *config.Config) []ProviderKind {
	kinds := make([]ProviderKind, 0, len(PriorityOrder))
	if cfg.OpenAIAPIKey != "" {
		kinds = append(kinds, KindOpenAI)
	}
	if cfg.OpenRouterAPIKey != "" {
		kinds = append(kinds, KindOpenRouter)
	}
	if cfg.CustomBaseURL != "" {
		kinds = append(kinds, KindCustom)
	}
	return kinds
}

// NewFactory returns a Factory closed over the config and the static
// capability manifest. Each invocation builds an independent adapter with
// its own HTTP client and capability registry, so rotation yields a fully
// fresh instance.
func NewFactory(cfg *config.Config, manifest map[string]*capability.ModelCapabilities) Factory {
	return func(kind ProviderKind) (Adapter, error) {
		switch kind {
		case KindOpenAI:
			client := httpclients.NewClient("openai")
			completion := chat.NewChatCompletionClient(client, "openai", cfg.OpenAIBaseURL)
			caps := capability.NewRegistry(string(KindOpenAI), providerManifest(manifest, string(KindOpenAI)), nil)
			return newOpenAICompatibleAdapter(AdapterConfig{
				Kind:         KindOpenAI,
				APIKey:       cfg.OpenAIAPIKey,
				Capabilities: caps,
				Caller:       completion,
				AllowList:    config.ParseAllowList(cfg.OpenAIAllowedModels),
				Streaming:    false,
			}), nil

		case KindOpenRouter:
			client := httpclients.NewClient("openrouter")
			completion := chat.NewChatCompletionClient(client, "openrouter", cfg.OpenRouterBaseURL)
			catalog := chat.NewChatModelClient(httpclients.NewClient("openrouter-catalog"), "openrouter", cfg.OpenRouterBaseURL)
			caps := capability.NewRegistry(string(KindOpenRouter), providerManifest(manifest, string(KindOpenRouter)), catalog)
			return newOpenAICompatibleAdapter(AdapterConfig{
				Kind:         KindOpenRouter,
				APIKey:       cfg.OpenRouterAPIKey,
				Capabilities: caps,
				Caller:       completion,
				AllowList:    config.ParseAllowList(cfg.OpenRouterAllowedModels),
				Streaming:    true,
				Watchdog:     cfg.StreamFirstActivityWindow(),
				ExtraHeaders: map[string]string{
					"HTTP-Referer": "https://pal-server.local",
					"X-Title":      "router-api",
				},
			}), nil

		case KindCustom:
			if cfg.CustomBaseURL == "" {
				return nil, fmt.Errorf("custom provider requires CUSTOM_BASE_URL")
			}
			client := httpclients.NewClient("custom")
			completion := chat.NewChatCompletionClient(client, "custom", cfg.CustomBaseURL)
			caps := capability.NewRegistry(string(KindCustom), providerManifest(manifest, string(KindCustom)), nil)
			return newOpenAICompatibleAdapter(AdapterConfig{
				Kind:         KindCustom,
				APIKey:       cfg.CustomAPIKey,
				Capabilities: caps,
				Caller:       completion,
				AllowList:    config.ParseAllowList(cfg.CustomAllowedModels),
				Streaming:    false,
			}), nil

		default:
			return nil, fmt.Errorf("unknown provider kind %q", kind)
		}
	}
}

// providerManifest filters the merged manifest down to entries owned by one
// provider.
func providerManifest(manifest map[string]*capability.ModelCapabilities, providerID string) map[string]*capability.ModelCapabilities {
	out := make(map[string]*capability.ModelCapabilities)
	for name, caps := range manifest {
		if caps.ProviderID == providerID {
			out[name] = caps
		}
	}
	return out
}
