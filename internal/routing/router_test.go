package routing

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mysticmarks/llm-runner-router/internal/breaker"
	"github.com/mysticmarks/llm-runner-router/internal/cache"
	"github.com/mysticmarks/llm-runner-router/internal/credentials"
	"github.com/mysticmarks/llm-runner-router/internal/ledger"
	"github.com/mysticmarks/llm-runner-router/internal/metrics"
	"github.com/mysticmarks/llm-runner-router/internal/providers"
	"github.com/mysticmarks/llm-runner-router/internal/providers/base"
	"github.com/mysticmarks/llm-runner-router/internal/ratelimit"
	"github.com/mysticmarks/llm-runner-router/internal/registry"
	"github.com/mysticmarks/llm-runner-router/internal/retry"
	"github.com/mysticmarks/llm-runner-router/internal/types"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// stubProvider is a configurable fake backend driven through the real
// runner pipeline, so breaker and limiter behavior match production.
type stubProvider struct {
	tag       string
	runner    *base.Runner
	text      string
	failKind  types.ErrorKind // non-empty: every call fails with this kind
	delay     time.Duration
	chunkGap  time.Duration // streaming: delay between chunks
	chunkN    int           // streaming: number of chunks; 0 = unbounded
	calls     atomic.Int32
	httpCalls atomic.Int32 // "network" operations actually attempted
}

func (s *stubProvider) ID() string { return s.tag }

func (s *stubProvider) Capabilities(string) []types.Capability {
	return []types.Capability{types.CapChat, types.CapCompletion, types.CapStreaming, types.CapTools}
}

func (s *stubProvider) Validate(credentials.Record) error { return nil }

func (s *stubProvider) Price(string) (providers.Price, error) {
	return providers.Price{InputPerMillion: 0.5, OutputPerMillion: 1.5}, nil
}

func (s *stubProvider) ListModels() []types.ModelDescriptor { return nil }
func (s *stubProvider) Close() error                        { return nil }

func (s *stubProvider) Complete(ctx context.Context, req *types.GenerationRequest, model string, cred credentials.Record) (*types.GenerationResponse, error) {
	s.calls.Add(1)
	backend := s.tag + ":" + model
	return base.Do(ctx, s.runner, backend, req.EstimatedTotalTokens(), func(ctx context.Context) (*types.GenerationResponse, error) {
		s.httpCalls.Add(1)
		if s.delay > 0 {
			select {
			case <-time.After(s.delay):
			case <-ctx.Done():
				return nil, types.NewError(types.KindCancelled, "cancelled")
			}
		}
		if s.failKind != "" {
			return nil, types.NewError(s.failKind, "stub failure").WithBackend(s.tag, model)
		}
		usage := types.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2}
		return &types.GenerationResponse{
			Text:         s.text,
			ModelID:      backend,
			Provider:     s.tag,
			Usage:        usage,
			CostUSD:      (1*0.5 + 1*1.5) / 1_000_000,
			FinishReason: types.FinishStop,
			CreatedAt:    time.Now(),
		}, nil
	})
}

func (s *stubProvider) Stream(ctx context.Context, req *types.GenerationRequest, model string, cred credentials.Record) (*providers.StreamReader, error) {
	s.calls.Add(1)
	backend := s.tag + ":" + model
	streamCtx, cancel := context.WithCancel(ctx)

	_, err := base.Do(streamCtx, s.runner, backend, req.EstimatedTotalTokens(), func(ctx context.Context) (struct{}, error) {
		s.httpCalls.Add(1)
		if s.failKind != "" {
			return struct{}{}, types.NewError(s.failKind, "stub failure").WithBackend(s.tag, model)
		}
		return struct{}{}, nil
	})
	if err != nil {
		cancel()
		return nil, err
	}

	reader, chunks := providers.NewStreamReader(4, cancel)
	go func() {
		defer close(chunks)
		sent := 0
		for s.chunkN == 0 || sent < s.chunkN {
			select {
			case <-time.After(s.chunkGap):
			case <-streamCtx.Done():
				return
			}
			select {
			case chunks <- &types.StreamChunk{DeltaText: "x", DeltaTokens: 1}:
				sent++
			case <-streamCtx.Done():
				return
			}
		}
		usage := types.Usage{PromptTokens: 1, CompletionTokens: sent, TotalTokens: 1 + sent}
		select {
		case chunks <- &types.StreamChunk{FinishReason: types.FinishStop, Usage: &usage}:
		case <-streamCtx.Done():
		}
	}()
	return reader, nil
}

type fixture struct {
	router  *Router
	breaker *breaker.Breaker
	ledger  *ledger.Ledger
	runner  *base.Runner
	creds   *credentials.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := quietLogger()

	brk := breaker.NewBreaker(breaker.DefaultConfig(), logger)
	limiter := ratelimit.NewLimiter(nil, logger)
	runner := base.NewRunner(base.RunnerConfig{
		MaxConcurrentPerBackend: 16,
		MaxQueue:                64,
		RetryPolicy: retry.Policy{
			MaxAttempts: 1,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
		},
	}, limiter, brk, nil, logger)

	creds := credentials.NewStore(logger)
	reg := registry.New(brk, logger)

	respCache := cache.New(cache.DefaultConfig(), logger)
	t.Cleanup(respCache.Close)

	router := New(reg, creds, respCache, ledger.New(), metrics.New(), logger)
	return &fixture{router: router, breaker: brk, ledger: router.Ledger(), runner: runner, creds: creds}
}

func (f *fixture) addBackend(t *testing.T, tag, model string, quality, speed float64, p *stubProvider) {
	t.Helper()
	p.tag = tag
	p.runner = f.runner
	f.creds.Set(tag, "sk-test-0123456789abcdef0123", "")
	require.NoError(t, f.router.RegisterModel(types.ModelDescriptor{
		ID:                    tag + ":" + model,
		ProviderTag:           tag,
		Capabilities:          []types.Capability{types.CapChat, types.CapCompletion, types.CapStreaming, types.CapTools},
		ContextWindow:         16385,
		InputPricePerMillion:  0.5,
		OutputPricePerMillion: 1.5,
		QualityScore:          quality,
		SpeedScore:            speed,
	}, p))
}

func unaryRequest() *types.GenerationRequest {
	return &types.GenerationRequest{
		Prompt:      "Hi",
		ModelHint:   "openai:gpt-3.5-turbo",
		MaxTokens:   5,
		Temperature: 0,
	}
}

func TestGenerate_HappyUnary(t *testing.T) {
	f := newFixture(t)
	stub := &stubProvider{text: "Hello"}
	f.addBackend(t, "openai", "gpt-3.5-turbo", 0.6, 0.9, stub)

	resp, err := f.router.Generate(context.Background(), unaryRequest())
	require.NoError(t, err)

	assert.Equal(t, "Hello", resp.Text)
	assert.Equal(t, "openai:gpt-3.5-turbo", resp.ModelID)
	assert.Equal(t, types.FinishStop, resp.FinishReason)
	assert.False(t, resp.Cached)
	assert.Equal(t, resp.Usage.PromptTokens+resp.Usage.CompletionTokens, resp.Usage.TotalTokens)
	assert.InDelta(t, (1*0.5+1*1.5)/1_000_000, resp.CostUSD, 1e-12)
	assert.InDelta(t, resp.CostUSD, f.ledger.TotalUSD(), 1e-12)
}

func TestGenerate_InvalidRequest(t *testing.T) {
	f := newFixture(t)
	f.addBackend(t, "openai", "gpt-3.5-turbo", 0.6, 0.9, &stubProvider{text: "Hello"})

	_, err := f.router.Generate(context.Background(), &types.GenerationRequest{MaxTokens: 5})
	require.Error(t, err)
	assert.Equal(t, types.KindInvalidRequest, types.KindOf(err))
}

func TestGenerate_CacheHit(t *testing.T) {
	f := newFixture(t)
	stub := &stubProvider{text: "Hello"}
	f.addBackend(t, "openai", "gpt-3.5-turbo", 0.6, 0.9, stub)

	first, err := f.router.Generate(context.Background(), unaryRequest())
	require.NoError(t, err)
	spentAfterFirst := f.ledger.TotalUSD()

	second, err := f.router.Generate(context.Background(), unaryRequest())
	require.NoError(t, err)

	assert.True(t, second.Cached)
	assert.Equal(t, first.Text, second.Text)
	assert.Equal(t, first.CostUSD, second.CostUSD, "cached response keeps the original cost")
	assert.Equal(t, int32(1), stub.calls.Load(), "adapter invoked exactly once")
	assert.Equal(t, spentAfterFirst, f.ledger.TotalUSD(), "cache hit charges nothing to the ledger")
}

func TestGenerate_SingleFlight(t *testing.T) {
	f := newFixture(t)
	stub := &stubProvider{text: "Hello", delay: 50 * time.Millisecond}
	f.addBackend(t, "openai", "gpt-3.5-turbo", 0.6, 0.9, stub)

	const callers = 10
	var wg sync.WaitGroup
	responses := make([]*types.GenerationResponse, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := f.router.Generate(context.Background(), unaryRequest())
			require.NoError(t, err)
			responses[i] = resp
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), stub.calls.Load(), "ten concurrent identical requests collapse to one upstream call")
	for _, resp := range responses {
		require.NotNil(t, resp)
		assert.Equal(t, "Hello", resp.Text)
	}
}

func TestGenerate_ToolRequestsBypassCache(t *testing.T) {
	f := newFixture(t)
	stub := &stubProvider{text: "Hello"}
	f.addBackend(t, "openai", "gpt-3.5-turbo", 0.6, 0.9, stub)

	req := unaryRequest()
	req.Tools = []types.Tool{{Name: "lookup"}}

	_, err := f.router.Generate(context.Background(), req)
	require.NoError(t, err)
	_, err = f.router.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int32(2), stub.calls.Load())
}

func TestGenerate_FailoverToSecondCandidate(t *testing.T) {
	f := newFixture(t)
	failing := &stubProvider{failKind: types.KindUpstream5xx}
	healthy := &stubProvider{text: "from-b"}

	// A ranks first under balanced scoring.
	f.addBackend(t, "alpha", "model-a", 0.99, 0.99, failing)
	f.addBackend(t, "beta", "model-b", 0.10, 0.10, healthy)
	require.NoError(t, f.router.SetStrategy(StrategyBalanced, nil))

	req := &types.GenerationRequest{Prompt: "Hi", MaxTokens: 5, Temperature: 0}
	resp, err := f.router.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "beta:model-b", resp.ModelID)
	assert.Equal(t, int32(1), failing.calls.Load())
}

func TestGenerate_NonFailoverErrorStopsChain(t *testing.T) {
	f := newFixture(t)
	badAuth := &stubProvider{failKind: types.KindAuth}
	healthy := &stubProvider{text: "never"}

	f.addBackend(t, "alpha", "model-a", 0.99, 0.99, badAuth)
	f.addBackend(t, "beta", "model-b", 0.10, 0.10, healthy)

	req := &types.GenerationRequest{Prompt: "Hi", MaxTokens: 5, Temperature: 0}
	_, err := f.router.Generate(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, types.KindAuth, types.KindOf(err))
	assert.Equal(t, int32(0), healthy.calls.Load(), "auth failures must not fail over")
}

func TestGenerate_ExhaustionReportsCauseChain(t *testing.T) {
	f := newFixture(t)
	f.addBackend(t, "alpha", "model-a", 0.9, 0.9, &stubProvider{failKind: types.KindUpstream5xx})
	f.addBackend(t, "beta", "model-b", 0.8, 0.8, &stubProvider{failKind: types.KindUpstream5xx})

	req := &types.GenerationRequest{Prompt: "Hi", MaxTokens: 5, Temperature: 0}
	_, err := f.router.Generate(context.Background(), req)
	require.Error(t, err)

	var re *types.Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "no_candidate_succeeded", re.Message)
	assert.Len(t, re.CauseChain(), 2)
	assert.Equal(t, 2, re.AttemptCount)
}

func TestGenerate_CircuitOpenFailsFastWithoutHTTP(t *testing.T) {
	f := newFixture(t)
	stub := &stubProvider{failKind: types.KindUpstream5xx}
	f.addBackend(t, "openai", "gpt-3.5-turbo", 0.6, 0.9, stub)

	req := unaryRequest()
	req.Tools = []types.Tool{{Name: "nocache"}} // keep the cache out of the way

	for i := 0; i < 5; i++ {
		_, err := f.router.Generate(context.Background(), req)
		require.Error(t, err)
	}
	require.Equal(t, types.CircuitOpen, f.breaker.State("openai:gpt-3.5-turbo"))
	httpBefore := stub.httpCalls.Load()

	start := time.Now()
	_, err := f.router.Generate(context.Background(), req)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, types.KindCircuitOpen, types.KindOf(err))
	assert.Equal(t, httpBefore, stub.httpCalls.Load(), "no network operation while the circuit is open")
	assert.Less(t, elapsed, 50*time.Millisecond)
}

func TestGenerate_CostCeiling(t *testing.T) {
	f := newFixture(t)
	f.addBackend(t, "openai", "gpt-3.5-turbo", 0.6, 0.9, &stubProvider{text: "Hello"})

	req := unaryRequest()
	req.CostCeiling = 1e-12 // below any candidate's worst case

	_, err := f.router.Generate(context.Background(), req)
	require.Error(t, err)
	// The hinted model is pinned into the chain; its ceiling check fires.
	assert.Equal(t, types.KindCostCeiling, types.KindOf(err))
}

func TestStream_DeliversChunksAndTerminal(t *testing.T) {
	f := newFixture(t)
	stub := &stubProvider{chunkGap: time.Millisecond, chunkN: 3}
	f.addBackend(t, "openai", "gpt-3.5-turbo", 0.6, 0.9, stub)

	req := unaryRequest()
	req.Stream = true

	reader, err := f.router.Stream(context.Background(), req)
	require.NoError(t, err)

	var texts []string
	var terminal *types.StreamChunk
	for chunk := range reader.Chunks() {
		if chunk.Terminal() {
			terminal = chunk
		} else {
			texts = append(texts, chunk.DeltaText)
		}
	}
	assert.Equal(t, []string{"x", "x", "x"}, texts)
	require.NotNil(t, terminal)
	assert.Equal(t, types.FinishStop, terminal.FinishReason)
	require.NotNil(t, terminal.Usage)
	assert.Equal(t, terminal.Usage.PromptTokens+terminal.Usage.CompletionTokens, terminal.Usage.TotalTokens)
}

func TestStream_CancelStopsUpstream(t *testing.T) {
	f := newFixture(t)
	stub := &stubProvider{chunkGap: 20 * time.Millisecond} // unbounded chunks
	f.addBackend(t, "openai", "gpt-3.5-turbo", 0.6, 0.9, stub)

	req := unaryRequest()
	req.Stream = true

	reader, err := f.router.Stream(context.Background(), req)
	require.NoError(t, err)

	received := 0
	for chunk := range reader.Chunks() {
		if chunk.Terminal() {
			break
		}
		received++
		if received == 2 {
			reader.Abort()
			break
		}
	}
	assert.GreaterOrEqual(t, received, 2)

	// The producer goroutine must observe the abort promptly: no further
	// chunks and a closed channel well inside 500ms.
	deadline := time.After(500 * time.Millisecond)
	for {
		select {
		case _, ok := <-reader.Chunks():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream did not close within 500ms of cancellation")
		}
	}
}

func TestStream_FailoverOnOpenError(t *testing.T) {
	f := newFixture(t)
	failing := &stubProvider{failKind: types.KindUpstream5xx}
	healthy := &stubProvider{chunkGap: time.Millisecond, chunkN: 1}

	f.addBackend(t, "alpha", "model-a", 0.99, 0.99, failing)
	f.addBackend(t, "beta", "model-b", 0.10, 0.10, healthy)

	req := &types.GenerationRequest{Prompt: "Hi", MaxTokens: 5, Temperature: 0, Stream: true}
	reader, err := f.router.Stream(context.Background(), req)
	require.NoError(t, err)

	count := 0
	for range reader.Chunks() {
		count++
	}
	assert.Greater(t, count, 0)
	assert.Equal(t, int32(1), failing.calls.Load())
	assert.Equal(t, int32(1), healthy.calls.Load())
}

func TestSetStrategy(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.router.SetStrategy(StrategyCostOptimized, nil))
	assert.Equal(t, StrategyCostOptimized, f.router.StrategyName())

	err := f.router.SetStrategy("nonsense", nil)
	require.Error(t, err)
	assert.Equal(t, types.KindInvalidRequest, types.KindOf(err))
}

func TestGenerate_DeadlinePropagates(t *testing.T) {
	f := newFixture(t)
	stub := &stubProvider{text: "slow", delay: 200 * time.Millisecond}
	f.addBackend(t, "openai", "gpt-3.5-turbo", 0.6, 0.9, stub)

	req := unaryRequest()
	req.Deadline = time.Now().Add(30 * time.Millisecond)

	start := time.Now()
	_, err := f.router.Generate(context.Background(), req)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 150*time.Millisecond)
}
