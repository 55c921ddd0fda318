// Package pipeline runs model calls through a bounded worker pool, times the
// call phases, enforces the best-effort wall-clock cap, and rotates provider
// instances after timeout-class failures.
package pipeline

import (
	"context"
	"sync"
	"time"

	"pal-server/router-api/internal/domain/provider"
	"pal-server/router-api/internal/infrastructure/logger"
	"pal-server/router-api/internal/infrastructure/metrics"
	"pal-server/router-api/internal/utils/platformerrors"
)

// Timings carries the per-phase durations of one completed (or failed) call.
type Timings struct {
	FilePrep  time.Duration
	LockWait  time.Duration
	ModelCall time.Duration
	Total     time.Duration
}

// Result is what a worker delivers back for one submitted call.
type Result struct {
	Response *provider.Response
	Timings  Timings
	Err      error
}

type task struct {
	ctx      context.Context
	instance *provider.Instance
	req      provider.Request
	filePrep time.Duration
	started  time.Time
	done     chan Result
}

// Pipeline owns the worker pool and the provider registry it routes through.
type Pipeline struct {
	registry *provider.Registry
	callCap  time.Duration // zero means uncapped
	tasks    chan task
	quit     chan struct{}
	quitOnce sync.Once
}

// New starts a pipeline with the given number of workers. callCap of zero
// disables the best-effort wait cap.
func New(registry *provider.Registry, workers int, callCap time.Duration) *Pipeline {
	if workers < 1 {
		workers = 1
	}
	p := &Pipeline{
		registry: registry,
		callCap:  callCap,
		tasks:    make(chan task, workers),
		quit:     make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// Close stops accepting work and releases every waiting caller with a
// shutdown error. Calls already running are not cancelled; their late
// results land in the buffered done channel and are dropped.
func (p *Pipeline) Close() {
	p.quitOnce.Do(func() { close(p.quit) })
}

// Execute resolves a provider for the model and runs the request through the
// pool. The returned timings always include whatever phases completed, even
// on error paths.
func (p *Pipeline) Execute(ctx context.Context, req provider.Request, filePrep time.Duration) (*provider.Response, Timings, error) {
	instance, err := p.registry.GetProviderForModel(req.Model)
	if err != nil {
		return nil, Timings{FilePrep: filePrep}, err
	}
	return p.ExecuteOn(ctx, instance, req, filePrep)
}

// ExecuteOn runs the request on an already-resolved instance, so callers
// that bound the model earlier do not re-resolve mid-call.
func (p *Pipeline) ExecuteOn(ctx context.Context, instance *provider.Instance, req provider.Request, filePrep time.Duration) (*provider.Response, Timings, error) {
	started := time.Now()
	kind := instance.Adapter.Kind()

	// done is buffered so a worker finishing after the cap fires never
	// blocks; the late result is simply dropped.
	t := task{
		ctx:      ctx,
		instance: instance,
		req:      req,
		filePrep: filePrep,
		started:  started,
		done:     make(chan Result, 1),
	}

	select {
	case p.tasks <- t:
	case <-p.quit:
		return nil, Timings{FilePrep: filePrep, Total: time.Since(started)},
			platformerrors.New(platformerrors.KindInternal, platformerrors.PhaseResolution, string(kind), req.Model, "pipeline is shut down", nil)
	case <-ctx.Done():
		return nil, Timings{FilePrep: filePrep, Total: time.Since(started)},
			platformerrors.As(platformerrors.PhaseResolution, string(kind), req.Model, ctx.Err(), "canceled while queueing")
	}

	var capCh <-chan time.Time
	if p.callCap > 0 {
		timer := time.NewTimer(p.callCap)
		defer timer.Stop()
		capCh = timer.C
	}

	select {
	case result := <-t.done:
		if result.Err != nil && platformerrors.IsTimeoutClass(result.Err) {
			p.rotate(kind)
		}
		return result.Response, result.Timings, result.Err

	case <-capCh:
		p.rotate(kind)
		err := platformerrors.New(
			platformerrors.KindBestEffortTimeout,
			platformerrors.PhaseCall,
			string(kind),
			req.Model,
			"call exceeded best-effort wait cap",
			nil,
		)
		logger.GetLogger().Warn().
			Str("provider", string(kind)).
			Str("model", req.Model).
			Dur("cap", p.callCap).
			Msg("abandoning call past wait cap")
		return nil, Timings{FilePrep: filePrep, Total: time.Since(started)}, err

	case <-p.quit:
		// Workers race Close for queued tasks; a task still sitting in the
		// buffer when they exit would otherwise strand its caller here.
		return nil, Timings{FilePrep: filePrep, Total: time.Since(started)},
			platformerrors.New(platformerrors.KindInternal, platformerrors.PhaseCall, string(kind), req.Model, "pipeline is shut down", nil)

	case <-ctx.Done():
		return nil, Timings{FilePrep: filePrep, Total: time.Since(started)},
			platformerrors.As(platformerrors.PhaseCall, string(kind), req.Model, ctx.Err(), "canceled while waiting for result")
	}
}

func (p *Pipeline) worker() {
	for {
		select {
		case t := <-p.tasks:
			t.done <- p.invoke(t)
		case <-p.quit:
			return
		}
	}
}

// invoke serializes on the instance call lock and times each phase.
func (p *Pipeline) invoke(t task) Result {
	kind := string(t.instance.Adapter.Kind())

	lockWait, release := t.instance.AcquireCallLock()
	defer release()
	metrics.CallPhaseSeconds.WithLabelValues(kind, "lock_wait").Observe(lockWait.Seconds())

	callStart := time.Now()
	resp, err := t.instance.Adapter.Generate(t.ctx, t.req)
	callDur := time.Since(callStart)
	metrics.CallPhaseSeconds.WithLabelValues(kind, "model_call").Observe(callDur.Seconds())

	timings := Timings{
		FilePrep:  t.filePrep,
		LockWait:  lockWait,
		ModelCall: callDur,
		Total:     time.Since(t.started),
	}
	if err != nil {
		metrics.ProviderErrorsTotal.WithLabelValues(kind, string(platformerrors.KindOf(err))).Inc()
		return Result{Timings: timings, Err: err}
	}

	metrics.TokensPromptTotal.WithLabelValues(resp.ModelUsed, kind).Add(float64(resp.Usage.InputTokens))
	metrics.TokensCompletionTotal.WithLabelValues(resp.ModelUsed, kind).Add(float64(resp.Usage.OutputTokens))
	return Result{Response: resp, Timings: timings}
}

func (p *Pipeline) rotate(kind provider.ProviderKind) {
	if _, err := p.registry.Rotate(kind); err != nil {
		logger.GetLogger().Error().
			Err(err).
			Str("provider", string(kind)).
			Msg("rotation failed, keeping current instance")
	}
}
