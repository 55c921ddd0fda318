// Package engine is the inbound boundary: it binds a requested model to a
// provider once per call, shapes the request through the budgeter, runs it
// through the pipeline, and returns a uniform envelope regardless of which
// backend served it.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pal-server/router-api/internal/domain/budget"
	"pal-server/router-api/internal/domain/capability"
	"pal-server/router-api/internal/domain/conversation"
	"pal-server/router-api/internal/domain/pipeline"
	"pal-server/router-api/internal/domain/provider"
	"pal-server/router-api/internal/infrastructure/logger"
	"pal-server/router-api/internal/infrastructure/metrics"
	"pal-server/router-api/internal/utils/platformerrors"
	"pal-server/router-api/internal/utils/tokencount"
)

// Call is one generation request from a caller.
type Call struct {
	Model        string
	Prompt       string
	SystemPrompt string
	Temperature  float32
	FilePaths    []string
	ThreadID     string // empty starts a new thread
	Profile      string
}

// Timings reports per-phase durations in seconds.
type Timings struct {
	FilePrepS  float64
	LockWaitS  float64
	ModelCallS float64
	TotalS     float64
}

// Envelope is the uniform call result.
type Envelope struct {
	Content       string
	ModelUsed     string
	ProviderUsed  string
	Timings       Timings
	EmbeddedFiles []string
	Usage         provider.Usage
	ThreadID      string
}

// ModelContext is the immutable per-call binding of a requested name to a
// provider instance and its capability snapshot. It is created once at the
// boundary and never re-resolved mid-call.
type ModelContext struct {
	RequestedName string
	BaseName      string
	Instance      *provider.Instance
	Capabilities  *capability.ModelCapabilities
	Profile       budget.Profile
}

// Engine wires the registries, pipeline, and thread store together.
type Engine struct {
	providers     *provider.Registry
	pipe          *pipeline.Pipeline
	threads       *conversation.Store
	verbatimTurns int
}

func New(providers *provider.Registry, pipe *pipeline.Pipeline, threads *conversation.Store) *Engine {
	return &Engine{
		providers:     providers,
		pipe:          pipe,
		threads:       threads,
		verbatimTurns: budget.DefaultVerbatimTurns,
	}
}

// Resolve builds the per-call model context. Capability resolution failures
// degrade to generic capabilities so budgeting still has a window to work
// with; the adapter enforces its own rules at call time.
func (e *Engine) Resolve(ctx context.Context, model, profile string) (*ModelContext, error) {
	instance, err := e.providers.GetProviderForModel(model)
	if err != nil {
		return nil, err
	}

	caps, err := instance.Adapter.Capabilities(ctx, model)
	if err != nil {
		kind := string(instance.Adapter.Kind())
		logger.GetLogger().Warn().
			Err(err).
			Str("provider", kind).
			Str("model", model).
			Msg("capability resolution failed, using generic window")
		caps = capability.GenericCapabilities(kind, capability.StripOptionSuffix(model))
	}

	return &ModelContext{
		RequestedName: model,
		BaseName:      capability.StripOptionSuffix(model),
		Instance:      instance,
		Capabilities:  caps,
		Profile:       budget.ParseProfile(profile),
	}, nil
}

// Call executes one generation request end to end.
func (e *Engine) Call(ctx context.Context, call Call) (*Envelope, error) {
	started := time.Now()

	mc, err := e.Resolve(ctx, call.Model, call.Profile)
	if err != nil {
		return nil, err
	}
	kind := string(mc.Instance.Adapter.Kind())

	threadID := call.ThreadID
	if threadID == "" || !e.threads.Exists(threadID) {
		threadID = e.threads.Create()
	}

	prepStart := time.Now()
	prompt, manifest, reserved, err := e.prepare(mc, call, threadID)
	prep := time.Since(prepStart)
	metrics.CallPhaseSeconds.WithLabelValues(kind, "file_prep").Observe(prep.Seconds())
	if err != nil {
		return nil, err
	}

	req := provider.Request{
		Model:           call.Model,
		SystemPrompt:    call.SystemPrompt,
		Prompt:          prompt,
		Temperature:     call.Temperature,
		MaxOutputTokens: reserved,
	}
	resp, timings, err := e.pipe.ExecuteOn(ctx, mc.Instance, req, prep)
	if err != nil {
		return nil, err
	}

	e.recordTurns(threadID, call, resp, manifest)

	return &Envelope{
		Content:      resp.Content,
		ModelUsed:    resp.ModelUsed,
		ProviderUsed: string(resp.ProviderUsed),
		Timings: Timings{
			FilePrepS:  timings.FilePrep.Seconds(),
			LockWaitS:  timings.LockWait.Seconds(),
			ModelCallS: timings.ModelCall.Seconds(),
			TotalS:     time.Since(started).Seconds(),
		},
		EmbeddedFiles: manifest,
		Usage:         resp.Usage,
		ThreadID:      threadID,
	}, nil
}

// prepare budgets the call and assembles the final prompt: compressed
// history, embedded files, then the caller's prompt.
func (e *Engine) prepare(mc *ModelContext, call Call, threadID string) (string, []string, int, error) {
	window := mc.Capabilities.ContextWindowTokens
	promptTokens := tokencount.Estimate(call.Prompt)

	reserved := budget.EstimateResponseTokens(window, mc.Capabilities.MaxOutputTokens, promptTokens, len(call.FilePaths), mc.Profile)
	alloc := budget.CalculateAllocation(window, reserved, mc.Profile)

	if promptTokens > alloc.Prompt() {
		return "", nil, 0, platformerrors.New(
			platformerrors.KindValidation,
			platformerrors.PhaseResolution,
			string(mc.Instance.Adapter.Kind()),
			call.Model,
			fmt.Sprintf("prompt of ~%d tokens exceeds the %d-token prompt budget", promptTokens, alloc.Prompt()),
			nil,
		)
	}

	var history string
	if turns, err := e.threads.Turns(threadID); err == nil && len(turns) > 0 {
		history, _ = budget.BuildConversationHistory(turns, alloc.History, e.verbatimTurns)
	}

	var filesBlock string
	var manifest []string
	if len(call.FilePaths) > 0 {
		explicit := make(map[string]struct{}, len(call.FilePaths))
		for _, p := range call.FilePaths {
			explicit[p] = struct{}{}
		}
		ranking := budget.RankingContext{
			Prompt:              call.Prompt,
			ExplicitPaths:       explicit,
			ProjectRoot:         inferProjectRoot(call.FilePaths),
			IncludeDependencies: true,
		}
		filesBlock, manifest = budget.EmbedFiles(call.FilePaths, alloc.Files, 0, ranking, true)
	}

	var b strings.Builder
	if history != "" {
		b.WriteString("=== CONVERSATION HISTORY ===\n")
		b.WriteString(history)
		b.WriteString("\n\n")
	}
	if filesBlock != "" {
		b.WriteString("=== FILES ===\n")
		b.WriteString(filesBlock)
		b.WriteString("\n")
	}
	b.WriteString(call.Prompt)

	return b.String(), manifest, reserved, nil
}

func (e *Engine) recordTurns(threadID string, call Call, resp *provider.Response, manifest []string) {
	log := logger.GetLogger()
	if err := e.threads.Append(threadID, conversation.Turn{
		Role:          "user",
		Content:       call.Prompt,
		EmbeddedFiles: manifest,
	}); err != nil {
		log.Warn().Err(err).Str("thread_id", threadID).Msg("unable to record user turn")
		return
	}
	if err := e.threads.Append(threadID, conversation.Turn{
		Role:      "assistant",
		Content:   resp.Content,
		ModelUsed: resp.ModelUsed,
	}); err != nil {
		log.Warn().Err(err).Str("thread_id", threadID).Msg("unable to record assistant turn")
	}
}

// inferProjectRoot finds the deepest common directory of the existing paths.
func inferProjectRoot(paths []string) string {
	var root string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		dir := path
		if !info.IsDir() {
			dir = filepath.Dir(path)
		}
		if root == "" {
			root = dir
			continue
		}
		root = commonDir(root, dir)
	}
	return root
}

func commonDir(a, b string) string {
	as := strings.Split(filepath.Clean(a), string(filepath.Separator))
	bs := strings.Split(filepath.Clean(b), string(filepath.Separator))
	n := len(as)
	if len(bs) < n {
		n = len(bs)
	}
	var common []string
	for i := 0; i < n; i++ {
		if as[i] != bs[i] {
			break
		}
		common = append(common, as[i])
	}
	return strings.Join(common, string(filepath.Separator))
}
