package suggestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/reqforge/reqforge/engine/core"
	"github.com/reqforge/reqforge/engine/infra/cache"
	"github.com/reqforge/reqforge/engine/knowledge/retriever"
	"github.com/reqforge/reqforge/engine/provider"
	"github.com/reqforge/reqforge/pkg/logger"
)

// Searcher retrieves ranked chunks. Satisfied by retriever.Service.
type Searcher interface {
	Search(ctx context.Context, q *retriever.Query) ([]retriever.Match, error)
}

// Generator produces completions. Satisfied by provider.Router.
type Generator interface {
	Complete(ctx context.Context, req *provider.Request) (*provider.Completion, error)
}

// Resolver looks up a prompt template by name and version. The registry
// lives outside this module; the lookup is treated as pure.
type Resolver interface {
	Resolve(name, version string) (string, error)
}

// ResponseCache is the advisory cache consulted before generation.
// Satisfied by cache.Cache.
type ResponseCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Put(ctx context.Context, key string, value []byte, tier cache.Tier)
}

// Versions reports the active knowledge-base version per model family.
// Satisfied by vectordb.Store.
type Versions interface {
	ActiveVersion(ctx context.Context, modelFamily string) (string, error)
}

// Settings tunes the worker pool and queue bounds.
type Settings struct {
	Workers   int
	QueueSize int
}

type taskState struct {
	task      Task
	payload   Payload
	cancelled atomic.Bool
}

// Orchestrator owns SuggestionTask state. Tasks run on a dequeue loop
// separate from the search/generate call path, so a slow generation never
// blocks new submissions.
type Orchestrator struct {
	searcher  Searcher
	generator Generator
	resolver  Resolver
	cache     ResponseCache
	versions  Versions
	settings  Settings
	now       func() time.Time

	mu    sync.RWMutex
	tasks map[core.ID]*taskState

	queue  chan core.ID
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrchestrator wires the task pipeline. cache may be nil; everything else
// is required.
func NewOrchestrator(
	searcher Searcher,
	generator Generator,
	resolver Resolver,
	responseCache ResponseCache,
	versions Versions,
	settings Settings,
) (*Orchestrator, error) {
	if searcher == nil {
		return nil, errors.New("suggestion: searcher is required")
	}
	if generator == nil {
		return nil, errors.New("suggestion: generator is required")
	}
	if resolver == nil {
		return nil, errors.New("suggestion: template resolver is required")
	}
	if versions == nil {
		return nil, errors.New("suggestion: version source is required")
	}
	if settings.Workers <= 0 {
		settings.Workers = 4
	}
	if settings.QueueSize <= 0 {
		settings.QueueSize = 256
	}
	return &Orchestrator{
		searcher:  searcher,
		generator: generator,
		resolver:  resolver,
		cache:     responseCache,
		versions:  versions,
		settings:  settings,
		now:       time.Now,
		tasks:     make(map[core.ID]*taskState),
		queue:     make(chan core.ID, settings.QueueSize),
	}, nil
}

// Start launches the worker pool. Workers inherit ctx for logging and
// cancellation; Stop waits for in-flight tasks to finish.
func (o *Orchestrator) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	for i := 0; i < o.settings.Workers; i++ {
		o.wg.Add(1)
		go o.worker(runCtx)
	}
}

// Stop signals workers and waits for them to drain.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
}

func (o *Orchestrator) worker(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-o.queue:
			o.run(ctx, id)
		}
	}
}

// Submit enqueues a generation task and returns immediately. It never blocks
// on generation: a saturated queue yields ErrQueueFull.
func (o *Orchestrator) Submit(taskType string, payload *Payload) (core.ID, error) {
	if taskType != TaskTypeGenerate {
		return "", fmt.Errorf("%w: %s", ErrUnknownTaskType, taskType)
	}
	if err := validatePayload(payload); err != nil {
		return "", err
	}
	state := &taskState{
		task: Task{
			ID:        core.NewID(),
			Type:      taskType,
			Status:    StatusPending,
			Progress:  ProgressQueued,
			CreatedAt: o.now(),
		},
		payload: *payload,
	}
	o.mu.Lock()
	o.tasks[state.task.ID] = state
	o.mu.Unlock()
	select {
	case o.queue <- state.task.ID:
		return state.task.ID, nil
	default:
		o.mu.Lock()
		delete(o.tasks, state.task.ID)
		o.mu.Unlock()
		return "", ErrQueueFull
	}
}

// Status is a pure read, safe to poll. A terminal status is permanent.
func (o *Orchestrator) Status(id core.ID) (*Task, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	state, ok := o.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	out := state.task
	return &out, nil
}

// Cancel removes a pending task without side effects. A running task gets a
// best-effort flag: the in-flight provider call completes or times out, then
// the task fails with a cancellation cause. Terminal tasks are unaffected.
func (o *Orchestrator) Cancel(id core.ID) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	state, ok := o.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	switch state.task.Status {
	case StatusPending:
		delete(o.tasks, id)
	case StatusRunning:
		state.cancelled.Store(true)
	default:
		// Terminal: nothing to do.
	}
	return nil
}

func (o *Orchestrator) run(ctx context.Context, id core.ID) {
	o.mu.Lock()
	state, ok := o.tasks[id]
	if !ok {
		// Cancelled while pending.
		o.mu.Unlock()
		return
	}
	now := o.now()
	state.task.Status = StatusRunning
	state.task.StartedAt = &now
	state.task.Progress = ProgressStarted
	payload := state.payload
	o.mu.Unlock()

	log := logger.FromContext(ctx).With("task_id", id)
	template, err := o.resolver.Resolve(payload.Template, payload.TemplateVersion)
	if err != nil {
		o.fail(id, err)
		return
	}
	matches, err := o.searcher.Search(ctx, &retriever.Query{
		Text:        payload.Query,
		K:           payload.K,
		ModelFamily: payload.ModelFamily,
		EntityTypes: payload.EntityTypes,
	})
	if err != nil {
		o.fail(id, err)
		return
	}
	o.advance(id, ProgressRetrieved)

	kbVersion, err := o.resolveKBVersion(ctx, &payload, matches)
	if err != nil {
		o.fail(id, err)
		return
	}
	key, err := cache.Fingerprint(fingerprintFor(&payload))
	if err != nil {
		o.fail(id, err)
		return
	}
	if o.cache != nil {
		if cached, hit := o.cache.Get(ctx, key); hit {
			var suggestion Suggestion
			if decodeErr := json.Unmarshal(cached, &suggestion); decodeErr == nil {
				suggestion.FromCache = true
				o.complete(id, &suggestion)
				log.Debug("Suggestion served from cache", "key", key)
				return
			}
			log.Warn("Discarding undecodable cache entry", "key", key)
		}
	}

	completion, err := o.generator.Complete(ctx, &provider.Request{
		Prompt:      renderPrompt(template, &payload, matches),
		Temperature: payload.Temperature,
		MaxTokens:   payload.MaxTokens,
	})
	if err != nil {
		o.fail(id, err)
		return
	}
	o.advance(id, ProgressGenerated)

	if state.cancelled.Load() {
		o.fail(id, errors.New("task cancelled by caller"))
		return
	}
	suggestion := &Suggestion{
		Text:            completion.Text,
		KBVersion:       kbVersion,
		Template:        payload.Template,
		TemplateVersion: payload.TemplateVersion,
		Provider:        completion.Provider,
		Model:           completion.Model,
		Sources:         sourcesOf(matches),
		CreatedAt:       o.now(),
	}
	if o.cache != nil {
		if encoded, encodeErr := json.Marshal(suggestion); encodeErr == nil {
			o.cache.Put(ctx, key, encoded, "")
		}
	}
	o.complete(id, suggestion)
	log.Info("Suggestion task completed",
		"kb_version", kbVersion, "provider", completion.Provider)
}

// resolveKBVersion pins the suggestion to the version that served retrieval.
func (o *Orchestrator) resolveKBVersion(
	ctx context.Context,
	payload *Payload,
	matches []retriever.Match,
) (string, error) {
	if len(matches) > 0 {
		return matches[0].Record.Version, nil
	}
	return o.versions.ActiveVersion(ctx, payload.ModelFamily)
}

// advance raises progress; it never lowers it and never touches terminal
// tasks.
func (o *Orchestrator) advance(id core.ID, progress int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	state, ok := o.tasks[id]
	if !ok || state.task.Status.Terminal() {
		return
	}
	if progress > state.task.Progress {
		state.task.Progress = progress
	}
}

// complete writes the result and the terminal status together: no reader
// ever observes completed without a result.
func (o *Orchestrator) complete(id core.ID, result *Suggestion) {
	o.mu.Lock()
	defer o.mu.Unlock()
	state, ok := o.tasks[id]
	if !ok || state.task.Status.Terminal() {
		return
	}
	now := o.now()
	state.task.Result = result
	state.task.Status = StatusCompleted
	state.task.Progress = ProgressDone
	state.task.CompletedAt = &now
}

// fail records the error message verbatim for operator visibility.
func (o *Orchestrator) fail(id core.ID, cause error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	state, ok := o.tasks[id]
	if !ok || state.task.Status.Terminal() {
		return
	}
	now := o.now()
	state.task.Status = StatusFailed
	state.task.Error = cause.Error()
	state.task.CompletedAt = &now
}

func validatePayload(payload *Payload) error {
	if payload == nil {
		return errors.New("suggestion: payload is required")
	}
	if strings.TrimSpace(payload.Query) == "" {
		return errors.New("suggestion: query is required")
	}
	if payload.ModelFamily == "" {
		return errors.New("suggestion: model family is required")
	}
	if payload.Template == "" {
		return errors.New("suggestion: template is required")
	}
	return nil
}

func fingerprintFor(payload *Payload) *cache.FingerprintInput {
	variables := make(map[string]string, len(payload.Variables)+1)
	for k, v := range payload.Variables {
		variables[k] = v
	}
	variables["query"] = payload.Query
	return &cache.FingerprintInput{
		Template:        payload.Template,
		TemplateVersion: payload.TemplateVersion,
		Variables:       variables,
		Model:           payload.ModelFamily,
		Temperature:     payload.Temperature,
		MaxTokens:       payload.MaxTokens,
	}
}

func sourcesOf(matches []retriever.Match) []Source {
	if len(matches) == 0 {
		return nil
	}
	sources := make([]Source, 0, len(matches))
	for i := range matches {
		sources = append(sources, Source{
			Entity: matches[i].Record.Entity,
			Score:  matches[i].Score,
		})
	}
	return sources
}
