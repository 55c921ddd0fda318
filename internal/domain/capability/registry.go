package capability

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"pal-server/router-api/internal/infrastructure/httpclients/chat"
	"pal-server/router-api/internal/infrastructure/logger"
	"pal-server/router-api/internal/infrastructure/metrics"
)

const (
	catalogTTL             = 24 * time.Hour
	catalogFailureCooldown = 60 * time.Second
	catalogFetchTimeout    = 5 * time.Second
)

// CatalogSource performs the dynamic discovery query against a backend's
// model catalog.
type CatalogSource interface {
	ListModels(ctx context.Context) (*chat.ModelsResponse, error)
}

// Registry resolves model names to capability snapshots for one provider:
// static manifest entries first, then the dynamic catalog for qualified
// names, then the conservative generic record.
//
// All lookup paths are safe for concurrent use; mutation happens only through
// Resolve and Reset.
type Registry struct {
	providerID string
	catalog    CatalogSource
	now        func() time.Time

	mu         sync.RWMutex
	static     map[string]*ModelCapabilities // keyed by canonical name
	aliasIndex map[string]string             // lowercase alias or canonical -> canonical
	aliasMemo  map[string]string             // memoized resolutions, lowercase input -> canonical

	catalogCache     map[string]chat.Model // catalog id / canonical slug -> entry
	catalogFetchedAt time.Time
	catalogFailedAt  time.Time

	fetchGroup singleflight.Group
}

// NewRegistry builds a registry over the static entries. catalog may be nil
// for providers without a discovery endpoint.
func NewRegistry(providerID string, static map[string]*ModelCapabilities, catalog CatalogSource) *Registry {
	r := &Registry{
		providerID: providerID,
		catalog:    catalog,
		now:        time.Now,
		static:     make(map[string]*ModelCapabilities, len(static)),
		aliasIndex: make(map[string]string),
		aliasMemo:  make(map[string]string),
	}
	for canonical, caps := range static {
		if caps == nil {
			continue
		}
		r.static[canonical] = caps
		r.aliasIndex[strings.ToLower(canonical)] = canonical
		for _, alias := range caps.Aliases {
			key := strings.ToLower(strings.TrimSpace(alias))
			if key == "" {
				continue
			}
			if existing, ok := r.aliasIndex[key]; ok && existing != canonical {
				log := logger.GetLogger()
				log.Warn().
					Str("alias", alias).
					Str("existing", existing).
					Str("duplicate", canonical).
					Msg("duplicate alias in capability manifest, keeping first registration")
				continue
			}
			r.aliasIndex[key] = canonical
		}
	}
	return r
}

// ProviderID identifies the backend this registry describes.
func (r *Registry) ProviderID() string {
	return r.providerID
}

// ResolveCanonical maps a name or alias to its canonical form without
// consulting the dynamic catalog. Unknown names return ("", false).
//
// Resolutions are memoized per lowercase input.
func (r *Registry) ResolveCanonical(name string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return "", false
	}

	r.mu.RLock()
	if canonical, ok := r.aliasMemo[key]; ok {
		r.mu.RUnlock()
		return canonical, true
	}
	canonical, ok := r.aliasIndex[key]
	r.mu.RUnlock()
	if !ok {
		return "", false
	}

	r.mu.Lock()
	r.aliasMemo[key] = canonical
	r.mu.Unlock()
	return canonical, true
}

// Resolve returns the capability snapshot for name. Static entries and aliases
// resolve case-insensitively; unlisted qualified names go through dynamic
// discovery and fall back to the generic record; unqualified unknown names
// return ErrNotFound.
func (r *Registry) Resolve(ctx context.Context, name string) (*ModelCapabilities, error) {
	if canonical, ok := r.ResolveCanonical(name); ok {
		r.mu.RLock()
		caps := r.static[canonical]
		r.mu.RUnlock()
		if caps != nil {
			return caps, nil
		}
	}

	if !IsQualifiedName(name) {
		return nil, fmt.Errorf("%w: %q (no provider prefix, requires explicit configuration)", ErrNotFound, name)
	}

	if entry, ok := r.lookupCatalog(ctx, name); ok {
		return r.capabilitiesFromCatalog(name, entry), nil
	}

	log := logger.GetLogger()
	log.Debug().
		Str("provider", r.providerID).
		Str("model", name).
		Msg("using generic capabilities for unlisted qualified model")
	return GenericCapabilities(r.providerID, name), nil
}

// ListCanonical returns the canonical names visible under allowList (nil
// means unrestricted). Aliases are matched for admission but never returned,
// so downstream matching stays unambiguous.
func (r *Registry) ListCanonical(allowList map[string]struct{}) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.static))
	for canonical, caps := range r.static {
		if allowList != nil && !allowedByList(allowList, canonical, caps.Aliases) {
			continue
		}
		names = append(names, canonical)
	}
	sort.Strings(names)
	return names
}

// Reset drops the dynamic cache and memoized resolutions, giving tests a
// clean instance.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.catalogCache = nil
	r.catalogFetchedAt = time.Time{}
	r.catalogFailedAt = time.Time{}
	r.aliasMemo = make(map[string]string)
}

func allowedByList(allowList map[string]struct{}, canonical string, aliases []string) bool {
	if _, ok := allowList[strings.ToLower(canonical)]; ok {
		return true
	}
	for _, alias := range aliases {
		if _, ok := allowList[strings.ToLower(alias)]; ok {
			return true
		}
	}
	return false
}

func (r *Registry) lookupCatalog(ctx context.Context, name string) (chat.Model, bool) {
	if r.catalog == nil {
		return chat.Model{}, false
	}

	index, err := r.catalogIndex(ctx)
	if err != nil {
		log := logger.GetLogger()
		log.Debug().Err(err).Str("provider", r.providerID).Msg("dynamic model catalog unavailable")
		return chat.Model{}, false
	}

	if hit, ok := index[name]; ok {
		return hit, true
	}
	// Option-suffixed variants share the base entry.
	base := StripOptionSuffix(name)
	if base != name {
		if hit, ok := index[base]; ok {
			return hit, true
		}
	}
	return chat.Model{}, false
}

func (r *Registry) catalogIndex(ctx context.Context) (map[string]chat.Model, error) {
	r.mu.RLock()
	cache := r.catalogCache
	fetchedAt := r.catalogFetchedAt
	failedAt := r.catalogFailedAt
	r.mu.RUnlock()

	now := r.now()
	if cache != nil && now.Sub(fetchedAt) < catalogTTL {
		return cache, nil
	}
	if !failedAt.IsZero() && now.Sub(failedAt) < catalogFailureCooldown {
		return nil, fmt.Errorf("model catalog recently failed, cooldown active")
	}

	result, err, _ := r.fetchGroup.Do("catalog", func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(ctx, catalogFetchTimeout)
		defer cancel()

		resp, err := r.catalog.ListModels(fetchCtx)
		if err != nil {
			r.mu.Lock()
			r.catalogFailedAt = r.now()
			r.mu.Unlock()
			metrics.CatalogFetchesTotal.WithLabelValues(r.providerID, "error").Inc()
			return nil, fmt.Errorf("fetch model catalog: %w", err)
		}

		index := make(map[string]chat.Model, len(resp.Data))
		for _, model := range resp.Data {
			if model.ID != "" {
				index[model.ID] = model
			}
			if model.CanonicalSlug != "" {
				if _, exists := index[model.CanonicalSlug]; !exists {
					index[model.CanonicalSlug] = model
				}
			}
		}

		r.mu.Lock()
		r.catalogCache = index
		r.catalogFetchedAt = r.now()
		r.catalogFailedAt = time.Time{}
		r.mu.Unlock()
		metrics.CatalogFetchesTotal.WithLabelValues(r.providerID, "ok").Inc()
		return index, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(map[string]chat.Model), nil
}

// capabilitiesFromCatalog maps a raw catalog entry to a capability snapshot,
// substituting documented defaults for missing or partial fields.
func (r *Registry) capabilitiesFromCatalog(name string, entry chat.Model) *ModelCapabilities {
	contextWindow := entry.ContextLength
	if contextWindow <= 0 {
		if v, ok := intFromMap(entry.Raw, "context_length"); ok && v > 0 {
			contextWindow = v
		}
	}
	if contextWindow <= 0 {
		contextWindow = GenericContextWindow
	}

	maxOutput, ok := intFromMap(entry.Raw, "top_provider", "max_completion_tokens")
	if !ok || maxOutput <= 0 {
		maxOutput = min(contextWindow, GenericMaxOutputTokens)
	}

	modalities := extractStringSliceFromMap(entry.Raw, "architecture", "input_modalities")
	if len(modalities) == 0 {
		modalities = []string{"text"}
	}

	supportedParams := extractStringSliceFromMap(entry.Raw, "supported_parameters")
	supportsTemperature := containsString(supportedParams, "temperature")
	supportsReasoning := containsString(supportedParams, "reasoning") ||
		containsString(supportedParams, "reasoning_effort")

	return &ModelCapabilities{
		ProviderID:              r.providerID,
		CanonicalName:           name,
		ContextWindowTokens:     contextWindow,
		MaxOutputTokens:         maxOutput,
		SupportsTemperature:     supportsTemperature,
		SupportsReasoningEffort: supportsReasoning,
		InputModalities:         modalities,
		AllowCodeGeneration:     true,
	}
}
