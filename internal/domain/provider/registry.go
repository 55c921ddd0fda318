package provider

import (
	"sync"
	"time"

	"pal-server/router-api/internal/infrastructure/logger"
	"pal-server/router-api/internal/infrastructure/metrics"
	"pal-server/router-api/internal/utils/platformerrors"
)

// Instance is one live adapter plus its call lock. Calls through the same
// instance serialize on the lock so a single backend connection is never
// shared concurrently.
type Instance struct {
	Adapter   Adapter
	lock      sync.Mutex
	createdAt time.Time
}

// AcquireCallLock blocks until this instance is free and returns how long
// the wait took together with the release function.
func (in *Instance) AcquireCallLock() (time.Duration, func()) {
	start := time.Now()
	in.lock.Lock()
	return time.Since(start), in.lock.Unlock
}

// CreatedAt reports when this instance was built; rotation replaces it.
func (in *Instance) CreatedAt() time.Time {
	return in.createdAt
}

// Factory builds a fresh adapter for a kind. Rotation calls it again to
// replace a wedged instance.
type Factory func(kind ProviderKind) (Adapter, error)

// Registry owns one cached instance per configured provider kind and routes
// models to providers in fixed priority order.
type Registry struct {
	mu        sync.Mutex
	factory   Factory
	kinds     []ProviderKind
	instances map[ProviderKind]*Instance
}

// NewRegistry builds a registry over the configured kinds, preserving
// PriorityOrder regardless of the order kinds are passed in.
func NewRegistry(factory Factory, kinds []ProviderKind) *Registry {
	configured := make(map[ProviderKind]struct{}, len(kinds))
	for _, kind := range kinds {
		configured[kind] = struct{}{}
	}
	ordered := make([]ProviderKind, 0, len(kinds))
	for _, kind := range PriorityOrder {
		if _, ok := configured[kind]; ok {
			ordered = append(ordered, kind)
		}
	}
	return &Registry{
		factory:   factory,
		kinds:     ordered,
		instances: make(map[ProviderKind]*Instance),
	}
}

// GetProviderForModel walks configured providers in priority order and
// returns the first whose adapter accepts the model.
func (r *Registry) GetProviderForModel(model string) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, kind := range r.kinds {
		instance, err := r.instanceLocked(kind)
		if err != nil {
			logger.GetLogger().Warn().
				Err(err).
				Str("provider", string(kind)).
				Msg("skipping provider that failed to construct")
			continue
		}
		if instance.Adapter.AcceptsModel(model) {
			return instance, nil
		}
	}

	return nil, platformerrors.New(
		platformerrors.KindNoProviderFound,
		platformerrors.PhaseResolution,
		"",
		model,
		"no configured provider accepts this model",
		nil,
	)
}

// Get returns the cached instance for a kind, constructing it on first use.
func (r *Registry) Get(kind ProviderKind) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.instanceLocked(kind)
}

func (r *Registry) instanceLocked(kind ProviderKind) (*Instance, error) {
	if instance, ok := r.instances[kind]; ok {
		return instance, nil
	}
	adapter, err := r.factory(kind)
	if err != nil {
		return nil, err
	}
	instance := &Instance{Adapter: adapter, createdAt: time.Now()}
	r.instances[kind] = instance
	return instance, nil
}

// Rotate replaces the cached instance for a kind with a freshly constructed
// one. In-flight calls keep the old instance; the swap only affects callers
// that resolve afterwards. The old instance's lock is deliberately not
// touched, a wedged call on it can finish or fail on its own.
func (r *Registry) Rotate(kind ProviderKind) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	adapter, err := r.factory(kind)
	if err != nil {
		return nil, err
	}
	instance := &Instance{Adapter: adapter, createdAt: time.Now()}
	r.instances[kind] = instance

	metrics.ProviderRotationsTotal.WithLabelValues(string(kind)).Inc()
	logger.GetLogger().Warn().
		Str("provider", string(kind)).
		Msg("rotated provider instance after timeout-class failure")
	return instance, nil
}

// Kinds returns the configured kinds in priority order.
func (r *Registry) Kinds() []ProviderKind {
	out := make([]ProviderKind, len(r.kinds))
	copy(out, r.kinds)
	return out
}

// Reset drops all cached instances; the next resolution rebuilds them.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances = make(map[ProviderKind]*Instance)
}
