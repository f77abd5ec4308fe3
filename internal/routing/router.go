package routing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mysticmarks/llm-runner-router/internal/cache"
	"github.com/mysticmarks/llm-runner-router/internal/credentials"
	"github.com/mysticmarks/llm-runner-router/internal/ledger"
	"github.com/mysticmarks/llm-runner-router/internal/metrics"
	"github.com/mysticmarks/llm-runner-router/internal/providers"
	"github.com/mysticmarks/llm-runner-router/internal/registry"
	"github.com/mysticmarks/llm-runner-router/internal/types"
)

// Router is the orchestration kernel: it evaluates a strategy over the
// registry snapshot, walks the resulting fallback chain, and mediates the
// cache, ledger, health and metrics around each dispatch. All collaborators
// are injected so multiple routers can coexist in one process.
type Router struct {
	registry *registry.Registry
	creds    *credentials.Store
	cache    *cache.Cache
	ledger   *ledger.Ledger
	metrics  *metrics.Metrics
	logger   *logrus.Logger

	strategyMu   sync.RWMutex
	strategyName string
	strategy     strategyFunc
	params       StrategyParams

	rrCounter atomic.Uint64
}

// New creates a router with the balanced strategy as default.
func New(reg *registry.Registry, creds *credentials.Store, respCache *cache.Cache, costLedger *ledger.Ledger, m *metrics.Metrics, logger *logrus.Logger) *Router {
	r := &Router{
		registry: reg,
		creds:    creds,
		cache:    respCache,
		ledger:   costLedger,
		metrics:  m,
		logger:   logger,
		params:   defaultParams(),
	}
	r.strategyName = StrategyBalanced
	r.strategy = strategies(&r.rrCounter)[StrategyBalanced]
	return r
}

// SetStrategy switches the routing strategy.
func (r *Router) SetStrategy(name string, params *StrategyParams) error {
	fn, ok := strategies(&r.rrCounter)[name]
	if !ok {
		return types.NewError(types.KindInvalidRequest, "unknown strategy "+name)
	}

	r.strategyMu.Lock()
	defer r.strategyMu.Unlock()
	r.strategyName = name
	r.strategy = fn
	if params != nil {
		r.params = *params
	}
	if r.params.QualityWeight == 0 && r.params.CostWeight == 0 && r.params.SpeedWeight == 0 {
		weights := defaultParams()
		r.params.QualityWeight = weights.QualityWeight
		r.params.CostWeight = weights.CostWeight
		r.params.SpeedWeight = weights.SpeedWeight
	}
	r.logger.WithField("strategy", name).Info("Routing strategy changed")
	return nil
}

// StrategyName returns the active strategy.
func (r *Router) StrategyName() string {
	r.strategyMu.RLock()
	defer r.strategyMu.RUnlock()
	return r.strategyName
}

// RegisterModel registers a model, and its adapter if not yet known.
func (r *Router) RegisterModel(desc types.ModelDescriptor, adapter providers.Provider) error {
	if adapter != nil {
		if _, ok := r.registry.Adapter(adapter.ID()); !ok {
			r.registry.RegisterAdapter(adapter)
		}
	}
	return r.registry.Register(desc)
}

// Registry exposes the model registry.
func (r *Router) Registry() *registry.Registry {
	return r.registry
}

// Ledger exposes the cost ledger.
func (r *Router) Ledger() *ledger.Ledger {
	return r.ledger
}

func (r *Router) hasCredential(tag string) bool {
	if r.creds.Has(tag) {
		return true
	}
	// Local runtimes validate an empty credential as acceptable.
	if adapter, ok := r.registry.Adapter(tag); ok {
		return adapter.Validate(credentials.Record{ProviderTag: tag}) == nil
	}
	return false
}

func (r *Router) credentialFor(tag string) credentials.Record {
	rec, err := r.creds.Get(tag)
	if err != nil {
		return credentials.Record{ProviderTag: tag}
	}
	return rec
}

// candidates builds the ordered fallback chain for a request. A model hint
// pins the resolved model first; the strategy orders the rest.
func (r *Router) candidates(req *types.GenerationRequest) ([]types.ModelDescriptor, error) {
	snap := r.registry.Snapshot()

	r.strategyMu.RLock()
	strategy := r.strategy
	params := r.params
	r.strategyMu.RUnlock()

	filtered := r.filterCandidates(snap, req, params)

	if req.ModelHint != "" {
		id, err := r.registry.Resolve(req.ModelHint)
		if err != nil {
			return nil, err
		}
		hinted, ok := r.registry.Get(id)
		if !ok {
			return nil, types.NewError(types.KindNotFound, "model not registered: "+id)
		}
		chain := []types.ModelDescriptor{hinted}
		for _, d := range strategy(snap, req, filtered, params) {
			if d.ID != id {
				chain = append(chain, d)
			}
		}
		return chain, nil
	}

	ordered := strategy(snap, req, filtered, params)
	if len(ordered) == 0 {
		return nil, types.NewError(types.KindNotFound, "no candidate model satisfies the request")
	}
	return ordered, nil
}

// requestContext applies the request deadline, if any.
func requestContext(ctx context.Context, req *types.GenerationRequest) (context.Context, context.CancelFunc) {
	if !req.Deadline.IsZero() {
		return context.WithDeadline(ctx, req.Deadline)
	}
	return ctx, func() {}
}

// Generate performs a unary generation: strategy selection, then a fallback
// chain walk with cache lookup, dispatch and accounting per candidate.
func (r *Router) Generate(ctx context.Context, req *types.GenerationRequest) (*types.GenerationResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.Stream {
		return nil, types.NewError(types.KindInvalidRequest, "streaming requests must use Stream")
	}
	ctx, cancel := requestContext(ctx, req)
	defer cancel()

	chain, err := r.candidates(req)
	if err != nil {
		return nil, err
	}

	var causes []string
	var lastErr error

	for attempt, desc := range chain {
		resp, dispatchErr := r.dispatchUnary(ctx, req, desc)
		if dispatchErr == nil {
			return resp, nil
		}
		lastErr = dispatchErr
		causes = append(causes, fmt.Sprintf("%s: %s", desc.ID, types.KindOf(dispatchErr)))

		if !types.IsFailover(dispatchErr) {
			return nil, dispatchErr
		}
		r.logger.WithFields(logrus.Fields{
			"model":   desc.ID,
			"kind":    string(types.KindOf(dispatchErr)),
			"attempt": attempt + 1,
		}).Warn("Candidate failed, falling over")
	}

	exhausted := types.WrapError(types.KindOf(lastErr), "no_candidate_succeeded", lastErr)
	exhausted.Chain = causes
	exhausted.AttemptCount = len(chain)
	return nil, exhausted
}

// dispatchUnary runs one candidate, wrapped by the cache when cacheable.
func (r *Router) dispatchUnary(ctx context.Context, req *types.GenerationRequest, desc types.ModelDescriptor) (*types.GenerationResponse, error) {
	if req.CostCeiling > 0 {
		expected := desc.WorstCaseCost(req.EstimatedPromptTokens(), req.MaxTokens)
		if err := r.ledger.CheckCeiling(expected, req.CostCeiling); err != nil {
			return nil, err
		}
	}

	if cache.Cacheable(req) {
		fp := cache.Fingerprint(req, desc.ID)
		resp, err := r.cache.GetOrCompute(ctx, fp, func(ctx context.Context) (*types.GenerationResponse, error) {
			return r.callAdapter(ctx, req, desc)
		})
		if err != nil {
			return nil, err
		}
		if resp.Cached {
			r.metrics.CacheHitsTotal.Inc()
		}
		return resp, nil
	}
	return r.callAdapter(ctx, req, desc)
}

// callAdapter performs the actual provider call and settles health, ledger
// and metrics for it.
func (r *Router) callAdapter(ctx context.Context, req *types.GenerationRequest, desc types.ModelDescriptor) (*types.GenerationResponse, error) {
	adapter, ok := r.registry.Adapter(desc.ProviderTag)
	if !ok {
		return nil, types.NewError(types.KindNotFound, "no adapter for provider "+desc.ProviderTag)
	}

	start := time.Now()
	resp, err := adapter.Complete(ctx, req, desc.ModelName(), r.credentialFor(desc.ProviderTag))
	latency := time.Since(start)

	r.registry.UpdateHealth(desc.ID, err == nil, latency)
	if err != nil {
		r.metrics.RequestsTotal.WithLabelValues(desc.ProviderTag, desc.ModelName(), "error").Inc()
		r.metrics.FailuresTotal.WithLabelValues(string(types.KindOf(err))).Inc()
		return nil, err
	}

	r.metrics.RequestsTotal.WithLabelValues(desc.ProviderTag, desc.ModelName(), "ok").Inc()
	r.metrics.RequestLatency.WithLabelValues(desc.ProviderTag).Observe(latency.Seconds())
	r.metrics.CostUSDTotal.Add(resp.CostUSD)
	r.ledger.Record(desc.ID, req.UserTag, resp.CostUSD)
	return resp, nil
}

// Stream performs a streaming generation. The returned reader wraps the
// adapter's: it records first-chunk latency, accumulates usage, settles
// health and cost on the terminal chunk, and propagates Abort upstream.
func (r *Router) Stream(ctx context.Context, req *types.GenerationRequest) (*providers.StreamReader, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	streamReq := req.Clone()
	streamReq.Stream = true

	ctx, cancel := requestContext(ctx, streamReq)

	chain, err := r.candidates(streamReq)
	if err != nil {
		cancel()
		return nil, err
	}

	var causes []string
	var lastErr error

	for _, desc := range chain {
		adapter, ok := r.registry.Adapter(desc.ProviderTag)
		if !ok {
			continue
		}
		if streamReq.CostCeiling > 0 {
			expected := desc.WorstCaseCost(streamReq.EstimatedPromptTokens(), streamReq.MaxTokens)
			if ceilingErr := r.ledger.CheckCeiling(expected, streamReq.CostCeiling); ceilingErr != nil {
				cancel()
				return nil, ceilingErr
			}
		}

		inner, openErr := adapter.Stream(ctx, streamReq, desc.ModelName(), r.credentialFor(desc.ProviderTag))
		if openErr != nil {
			lastErr = openErr
			causes = append(causes, fmt.Sprintf("%s: %s", desc.ID, types.KindOf(openErr)))
			r.registry.UpdateHealth(desc.ID, false, 0)
			if !types.IsFailover(openErr) {
				cancel()
				return nil, openErr
			}
			continue
		}
		return r.wrapStream(cancel, streamReq, desc, inner), nil
	}

	cancel()
	if lastErr == nil {
		return nil, types.NewError(types.KindNotFound, "no candidate model satisfies the request")
	}
	exhausted := types.WrapError(types.KindOf(lastErr), "no_candidate_succeeded", lastErr)
	exhausted.Chain = causes
	exhausted.AttemptCount = len(chain)
	return nil, exhausted
}

// wrapStream forwards chunks from the adapter's reader, observing them for
// accounting. Aborting the outer reader aborts the inner one, which closes
// the upstream HTTP connection.
func (r *Router) wrapStream(cancel context.CancelFunc, req *types.GenerationRequest, desc types.ModelDescriptor, inner *providers.StreamReader) *providers.StreamReader {
	done := make(chan struct{})
	outer, chunks := providers.NewStreamReader(64, func() {
		inner.Abort()
		cancel()
		close(done)
	})

	go func() {
		defer close(chunks)
		defer cancel()

		start := time.Now()
		firstChunkAt := time.Time{}
		var usage types.Usage
		var textBytes int64
		estimatedTokens := 0
		settled := false

		settle := func(finish types.FinishReason, finalUsage *types.Usage) {
			if settled {
				return
			}
			settled = true
			latency := time.Since(start)
			success := finish != types.FinishError

			if finalUsage != nil {
				usage = *finalUsage
			} else if usage.TotalTokens == 0 {
				// Best effort when the upstream never reported usage.
				usage = types.Usage{
					PromptTokens:     req.EstimatedPromptTokens(),
					CompletionTokens: estimatedTokens,
				}
				usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
			}
			cost := desc.Cost(usage)

			r.registry.UpdateHealth(desc.ID, success, latency)
			r.ledger.Record(desc.ID, req.UserTag, cost)
			r.metrics.StreamBytesTotal.Add(float64(textBytes))
			r.metrics.CostUSDTotal.Add(cost)
			outcome := "ok"
			if !success {
				outcome = "error"
			}
			r.metrics.RequestsTotal.WithLabelValues(desc.ProviderTag, desc.ModelName(), outcome).Inc()

			r.logger.WithFields(logrus.Fields{
				"model":          desc.ID,
				"finish":         string(finish),
				"first_chunk_ms": firstChunkLatency(start, firstChunkAt),
				"total_ms":       latency.Milliseconds(),
				"cost_usd":       cost,
			}).Info("Stream completed")
		}

		for chunk := range inner.Chunks() {
			if firstChunkAt.IsZero() {
				firstChunkAt = time.Now()
			}
			textBytes += int64(len(chunk.DeltaText))
			estimatedTokens += chunk.DeltaTokens

			if chunk.Terminal() {
				settle(chunk.FinishReason, chunk.Usage)
			}
			select {
			case chunks <- chunk:
			case <-done:
				settle(types.FinishCancelled, nil)
				return
			}
		}

		if innerErr := inner.Err(); innerErr != nil {
			outer.Fail(innerErr)
		}
		settle(types.FinishCancelled, nil)
	}()

	return outer
}

func firstChunkLatency(start, first time.Time) int64 {
	if first.IsZero() {
		return -1
	}
	return first.Sub(start).Milliseconds()
}

// Healthz summarizes gateway health for the /healthz endpoint.
func (r *Router) Healthz() (string, []map[string]interface{}) {
	snap := r.registry.Snapshot()
	status := "ok"
	openCount := 0

	models := make([]map[string]interface{}, 0, len(snap.Models))
	for _, desc := range snap.Models {
		h := snap.Health[desc.ID]
		if h.CircuitState == types.CircuitOpen {
			openCount++
		}
		models = append(models, map[string]interface{}{
			"id":             desc.ID,
			"circuit_state":  string(h.CircuitState),
			"avg_latency_ms": h.AvgLatencyMS,
		})
	}
	switch {
	case len(snap.Models) == 0:
		status = "down"
	case openCount == len(snap.Models):
		status = "down"
	case openCount > 0:
		status = "degraded"
	}
	return status, models
}

// Close shuts down the router's owned resources.
func (r *Router) Close() error {
	r.cache.Close()
	var errs []string
	for _, adapter := range r.registry.Adapters() {
		if err := adapter.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}
