package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/reqforge/reqforge/engine/core"
	"github.com/reqforge/reqforge/engine/provider/adapter"
	"github.com/reqforge/reqforge/pkg/logger"
)

// Settings tunes routing, retry, and health behavior.
type Settings struct {
	// MaxAttempts bounds total attempts per call across all providers.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	CallTimeout    time.Duration
	Health         HealthSettings
}

// Request is a completion request routed across configured providers.
type Request struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
	JSONMode    bool
}

// Completion is a successful completion with the attempt that produced it.
type Completion struct {
	Text     string
	Provider string
	Model    string
	Record   CostRecord
}

// EmbedResult is a successful embedding batch with its cost record.
type EmbedResult struct {
	Vectors  [][]float32
	Provider string
	Model    string
	Record   CostRecord
}

// managed bundles one provider's client with its process-wide state.
type managed struct {
	cfg       Config
	client    adapter.Client
	health    *healthTracker
	limiter   *limiter
	latencyUS atomic.Int64
}

// Router selects among configured providers with health-aware ordering,
// retries with backoff, and emits a cost record for every attempt.
type Router struct {
	settings  Settings
	providers []*managed
	ledger    *Ledger
	estimator TokenEstimator
	now       func() time.Time
	sleep     func(context.Context, time.Duration) error
}

// NewRouter builds a router over the given provider configs. The factory
// builds one client per provider; the ledger receives every attempt.
func NewRouter(settings Settings, configs []Config, factory adapter.Factory, ledger *Ledger) (*Router, error) {
	if len(configs) == 0 {
		return nil, errors.New("provider: at least one provider is required")
	}
	if settings.MaxAttempts <= 0 {
		settings.MaxAttempts = 3
	}
	if settings.CallTimeout <= 0 {
		settings.CallTimeout = 60 * time.Second
	}
	if factory == nil {
		factory = adapter.New
	}
	if ledger == nil {
		ledger = NewLedger()
	}
	providers := make([]*managed, 0, len(configs))
	for i := range configs {
		cfg := configs[i]
		client, err := factory(&adapter.Config{
			Name:   cfg.Name,
			Kind:   string(cfg.Kind),
			Model:  cfg.Model,
			APIKey: cfg.APIKey,
			APIURL: cfg.APIURL,
		})
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", cfg.Name, err)
		}
		providers = append(providers, &managed{
			cfg:     cfg,
			client:  client,
			health:  newHealthTracker(settings.Health, nil),
			limiter: newLimiter(cfg.Concurrency, cfg.RequestsPerMin),
		})
	}
	return &Router{
		settings:  settings,
		providers: providers,
		ledger:    ledger,
		estimator: NewTokenEstimator(),
		now:       time.Now,
		sleep:     sleepContext,
	}, nil
}

// Ledger exposes the append-only cost ledger for reporting callers.
func (r *Router) Ledger() *Ledger {
	return r.ledger
}

// Close releases all provider clients.
func (r *Router) Close() error {
	var firstErr error
	for _, p := range r.providers {
		if err := p.client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Complete routes a completion request, failing over between providers until
// the attempt budget is exhausted.
func (r *Router) Complete(ctx context.Context, req *Request) (*Completion, error) {
	if req == nil {
		return nil, errors.New("provider: request is required")
	}
	var result *Completion
	err := r.route(ctx, CapabilityCompletion, func(ctx context.Context, p *managed) *Error {
		completion, perr := r.attemptComplete(ctx, p, req)
		if perr != nil {
			return perr
		}
		result = completion
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Embed routes an embedding request over providers with the embedding
// capability.
func (r *Router) Embed(ctx context.Context, texts []string) (*EmbedResult, error) {
	if len(texts) == 0 {
		return nil, errors.New("provider: at least one text is required")
	}
	var result *EmbedResult
	err := r.route(ctx, CapabilityEmbedding, func(ctx context.Context, p *managed) *Error {
		embedded, perr := r.attemptEmbed(ctx, p, texts)
		if perr != nil {
			return perr
		}
		result = embedded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// HealthSnapshot reports the current health estimate for every provider.
func (r *Router) HealthSnapshot() []HealthReport {
	reports := make([]HealthReport, 0, len(r.providers))
	for _, p := range r.providers {
		reports = append(reports, HealthReport{
			Provider:     p.cfg.Name,
			State:        p.health.State(),
			Priority:     p.cfg.Priority,
			Capabilities: p.cfg.Capabilities,
			AvgLatencyMS: p.latencyUS.Load() / 1000,
		})
	}
	return reports
}

// route runs the shared selection/retry/failover loop. attempt must return a
// classified error on failure and nil on success.
func (r *Router) route(
	ctx context.Context,
	capability Capability,
	attempt func(context.Context, *managed) *Error,
) error {
	log := logger.FromContext(ctx)
	backoffs := make(map[string]retry.Backoff)
	excluded := make(map[string]struct{})
	failures := make(map[string]int)
	invalidResponses := make(map[string]int)
	var lastErr *Error
	var lastProvider string
	attempts := 0
	for attempts < r.settings.MaxAttempts {
		p := r.nextProvider(capability, excluded, failures)
		if p == nil {
			break
		}
		if p.cfg.Name == lastProvider {
			if err := r.backoffSame(ctx, p.cfg.Name, backoffs, lastErr); err != nil {
				return err
			}
		}
		attempts++
		lastProvider = p.cfg.Name
		perr := attempt(ctx, p)
		if perr == nil {
			p.health.RecordSuccess()
			return nil
		}
		lastErr = perr
		failures[p.cfg.Name]++
		log.Warn("Provider attempt failed",
			"provider", p.cfg.Name, "code", perr.Code, "attempt", attempts)
		switch perr.Code {
		case ErrCodeAuthFailed:
			// Fatal for this call and for the provider.
			p.health.MarkDown()
			excluded[p.cfg.Name] = struct{}{}
		case ErrCodeInvalidResponse:
			invalidResponses[p.cfg.Name]++
			fatal := invalidResponses[p.cfg.Name] >= 2
			p.health.RecordFailure(fatal)
			if fatal {
				excluded[p.cfg.Name] = struct{}{}
			}
		default:
			p.health.RecordFailure(false)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	if lastErr == nil {
		return ErrNoProvider
	}
	return NewError(ErrCodeGenerationFailed, lastErr.Provider,
		fmt.Sprintf("all %d attempts exhausted", r.settings.MaxAttempts), lastErr)
}

// nextProvider picks the best eligible provider: healthy before degraded,
// then fewest failures within this call, then priority rank, then observed
// latency. A provider that just failed loses to an untried peer, which is
// what makes failover immediate; with a single provider it is simply
// retried. Down providers are skipped unless their cooldown has elapsed and
// a recovery probe is due.
func (r *Router) nextProvider(
	capability Capability,
	excluded map[string]struct{},
	failures map[string]int,
) *managed {
	type candidate struct {
		p     *managed
		state HealthState
	}
	candidates := make([]candidate, 0, len(r.providers))
	for _, p := range r.providers {
		if !p.cfg.Supports(capability) {
			continue
		}
		if _, skip := excluded[p.cfg.Name]; skip {
			continue
		}
		state := p.health.State()
		if state == HealthDown {
			continue
		}
		candidates = append(candidates, candidate{p: p, state: state})
	}
	if len(candidates) == 0 {
		return r.probeCandidate(capability, excluded)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].state != candidates[j].state {
			return healthRank(candidates[i].state) < healthRank(candidates[j].state)
		}
		if failures[candidates[i].p.cfg.Name] != failures[candidates[j].p.cfg.Name] {
			return failures[candidates[i].p.cfg.Name] < failures[candidates[j].p.cfg.Name]
		}
		if candidates[i].p.cfg.Priority != candidates[j].p.cfg.Priority {
			return candidates[i].p.cfg.Priority < candidates[j].p.cfg.Priority
		}
		return candidates[i].p.latencyUS.Load() < candidates[j].p.latencyUS.Load()
	})
	return candidates[0].p
}

// probeCandidate offers a down provider one recovery attempt after cooldown.
func (r *Router) probeCandidate(capability Capability, excluded map[string]struct{}) *managed {
	for _, p := range r.providers {
		if !p.cfg.Supports(capability) {
			continue
		}
		if _, skip := excluded[p.cfg.Name]; skip {
			continue
		}
		if p.health.AllowProbe() {
			return p
		}
	}
	return nil
}

func healthRank(state HealthState) int {
	switch state {
	case HealthHealthy:
		return 0
	case HealthDegraded:
		return 1
	default:
		return 2
	}
}

// backoffSame applies exponential backoff before re-attempting the same
// provider; failover to a different provider never waits. Rate-limit retry
// hints from the provider take precedence when longer.
func (r *Router) backoffSame(
	ctx context.Context,
	name string,
	backoffs map[string]retry.Backoff,
	lastErr *Error,
) error {
	b, ok := backoffs[name]
	if !ok {
		b = retry.NewExponential(r.settings.InitialBackoff)
		if r.settings.MaxBackoff > 0 {
			b = retry.WithCappedDuration(r.settings.MaxBackoff, b)
		}
		backoffs[name] = b
	}
	delay, stop := b.Next()
	if stop {
		delay = r.settings.MaxBackoff
	}
	if lastErr != nil && lastErr.RetryAfter > delay {
		delay = lastErr.RetryAfter
	}
	if delay <= 0 {
		return nil
	}
	return r.sleep(ctx, delay)
}

func (r *Router) attemptComplete(ctx context.Context, p *managed, req *Request) (*Completion, *Error) {
	if err := p.limiter.acquire(ctx); err != nil {
		return nil, Classify(p.cfg.Name, err)
	}
	defer p.limiter.release()
	callCtx, cancel := context.WithTimeout(ctx, r.settings.CallTimeout)
	defer cancel()
	start := r.now()
	resp, err := p.client.Generate(callCtx, &adapter.GenerateRequest{
		System:      req.System,
		Prompt:      req.Prompt,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		JSONMode:    req.JSONMode,
	})
	latency := r.now().Sub(start)
	promptTokens := r.estimator.EstimateTokens(p.cfg.Model, req.System+req.Prompt)
	if err != nil {
		perr := Classify(p.cfg.Name, err)
		r.recordAttempt(p, CapabilityCompletion, promptTokens, 0, latency, outcomeFor(perr))
		return nil, perr
	}
	if resp == nil || resp.Content == "" {
		perr := NewError(ErrCodeInvalidResponse, p.cfg.Name, "empty completion", nil)
		r.recordAttempt(p, CapabilityCompletion, promptTokens, 0, latency, OutcomeFailure)
		return nil, perr
	}
	tokensIn := resp.TokensIn
	if tokensIn == 0 {
		tokensIn = promptTokens
	}
	tokensOut := resp.TokensOut
	if tokensOut == 0 {
		tokensOut = r.estimator.EstimateTokens(p.cfg.Model, resp.Content)
	}
	record := r.recordAttempt(p, CapabilityCompletion, tokensIn, tokensOut, latency, OutcomeSuccess)
	r.observeLatency(p, latency)
	return &Completion{
		Text:     resp.Content,
		Provider: p.cfg.Name,
		Model:    p.cfg.Model,
		Record:   record,
	}, nil
}

func (r *Router) attemptEmbed(ctx context.Context, p *managed, texts []string) (*EmbedResult, *Error) {
	if err := p.limiter.acquire(ctx); err != nil {
		return nil, Classify(p.cfg.Name, err)
	}
	defer p.limiter.release()
	callCtx, cancel := context.WithTimeout(ctx, r.settings.CallTimeout)
	defer cancel()
	start := r.now()
	vectors, err := p.client.Embed(callCtx, texts)
	latency := r.now().Sub(start)
	tokensIn := 0
	for _, text := range texts {
		tokensIn += r.estimator.EstimateTokens(p.cfg.Model, text)
	}
	if err != nil {
		perr := Classify(p.cfg.Name, err)
		r.recordAttempt(p, CapabilityEmbedding, tokensIn, 0, latency, outcomeFor(perr))
		return nil, perr
	}
	if len(vectors) != len(texts) {
		perr := NewError(ErrCodeInvalidResponse, p.cfg.Name,
			fmt.Sprintf("received %d vectors for %d texts", len(vectors), len(texts)), nil)
		r.recordAttempt(p, CapabilityEmbedding, tokensIn, 0, latency, OutcomeFailure)
		return nil, perr
	}
	record := r.recordAttempt(p, CapabilityEmbedding, tokensIn, 0, latency, OutcomeSuccess)
	r.observeLatency(p, latency)
	return &EmbedResult{
		Vectors:  vectors,
		Provider: p.cfg.Name,
		Model:    p.cfg.Model,
		Record:   record,
	}, nil
}

func (r *Router) recordAttempt(
	p *managed,
	capability Capability,
	tokensIn, tokensOut int,
	latency time.Duration,
	outcome Outcome,
) CostRecord {
	failed := outcome != OutcomeSuccess
	record := CostRecord{
		ID:         core.NewID(),
		Provider:   p.cfg.Name,
		Model:      p.cfg.Model,
		Capability: capability,
		TokensIn:   tokensIn,
		TokensOut:  tokensOut,
		Cost:       attemptCost(&p.cfg, tokensIn, tokensOut, failed),
		Latency:    latency,
		Outcome:    outcome,
		CreatedAt:  r.now(),
	}
	if failed {
		record.TokensOut = 0
	}
	r.ledger.Append(record)
	return record
}

func (r *Router) observeLatency(p *managed, latency time.Duration) {
	sample := latency.Microseconds()
	old := p.latencyUS.Load()
	if old == 0 {
		p.latencyUS.Store(sample)
		return
	}
	p.latencyUS.Store((old*7 + sample) / 8)
}

func outcomeFor(perr *Error) Outcome {
	if perr != nil && perr.Code == ErrCodeTimeout {
		return OutcomeTimeout
	}
	return OutcomeFailure
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
