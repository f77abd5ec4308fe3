package cache

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mysticmarks/llm-runner-router/internal/types"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func testCache(t *testing.T, config Config) *Cache {
	t.Helper()
	c := New(config, quietLogger())
	t.Cleanup(c.Close)
	return c
}

func testRequest() *types.GenerationRequest {
	return &types.GenerationRequest{
		Prompt:      "Hello",
		MaxTokens:   5,
		Temperature: 0,
	}
}

func testResponse(text string) *types.GenerationResponse {
	return &types.GenerationResponse{
		Text:         text,
		ModelID:      "stub:model",
		Provider:     "stub",
		Usage:        types.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2},
		CostUSD:      0.000002,
		FinishReason: types.FinishStop,
		CreatedAt:    time.Now(),
	}
}

func TestFingerprint_DeterministicAcrossClones(t *testing.T) {
	req := testRequest()
	seed := 9
	req.Seed = &seed
	req.Stop = []string{"END"}

	assert.Equal(t, Fingerprint(req, "stub:model"), Fingerprint(req.Clone(), "stub:model"))
}

func TestFingerprint_SensitiveToOutputAffectingFields(t *testing.T) {
	req := testRequest()
	fp := Fingerprint(req, "stub:model")

	changed := req.Clone()
	changed.Temperature = 1.0
	assert.NotEqual(t, fp, Fingerprint(changed, "stub:model"))

	assert.NotEqual(t, fp, Fingerprint(req, "other:model"))
}

func TestFingerprint_IgnoresCorrelationFields(t *testing.T) {
	req := testRequest()
	fp := Fingerprint(req, "stub:model")

	tagged := req.Clone()
	tagged.UserTag = "someone-else"
	tagged.CostCeiling = 5
	assert.Equal(t, fp, Fingerprint(tagged, "stub:model"))
}

func TestCacheable(t *testing.T) {
	assert.True(t, Cacheable(testRequest()))

	streaming := testRequest()
	streaming.Stream = true
	assert.False(t, Cacheable(streaming))

	withTools := testRequest()
	withTools.Tools = []types.Tool{{Name: "lookup"}}
	assert.False(t, Cacheable(withTools))
}

func TestGetOrCompute_HitMarksCached(t *testing.T) {
	c := testCache(t, DefaultConfig())
	fp := Fingerprint(testRequest(), "stub:model")

	calls := 0
	compute := func(ctx context.Context) (*types.GenerationResponse, error) {
		calls++
		return testResponse("Hello"), nil
	}

	first, err := c.GetOrCompute(context.Background(), fp, compute)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := c.GetOrCompute(context.Background(), fp, compute)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Text, second.Text)
	assert.Equal(t, first.CostUSD, second.CostUSD)
	assert.Equal(t, 1, calls)
}

func TestGetOrCompute_SingleFlight(t *testing.T) {
	c := testCache(t, DefaultConfig())
	fp := Fingerprint(testRequest(), "stub:model")

	var calls atomic.Int32
	release := make(chan struct{})
	compute := func(ctx context.Context) (*types.GenerationResponse, error) {
		calls.Add(1)
		<-release
		return testResponse("Hello"), nil
	}

	const workers = 10
	var wg sync.WaitGroup
	results := make([]*types.GenerationResponse, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := c.GetOrCompute(context.Background(), fp, compute)
			require.NoError(t, err)
			results[i] = resp
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "compute must run exactly once per live fingerprint")
	for _, resp := range results {
		require.NotNil(t, resp)
		assert.Equal(t, "Hello", resp.Text)
	}
}

func TestGetOrCompute_WaiterCancellation(t *testing.T) {
	c := testCache(t, DefaultConfig())
	fp := Fingerprint(testRequest(), "stub:model")

	release := make(chan struct{})
	go c.GetOrCompute(context.Background(), fp, func(ctx context.Context) (*types.GenerationResponse, error) {
		<-release
		return testResponse("Hello"), nil
	})
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.GetOrCompute(ctx, fp, func(ctx context.Context) (*types.GenerationResponse, error) {
			return testResponse("Hello"), nil
		})
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	err := <-errCh
	require.Error(t, err)
	assert.Equal(t, types.KindCancelled, types.KindOf(err))
	close(release)
}

func TestPut_TTLExpiry(t *testing.T) {
	config := DefaultConfig()
	config.TTL = 20 * time.Millisecond
	c := testCache(t, config)

	c.Put("fp", testResponse("Hello"))
	require.NotNil(t, c.Get("fp"))

	time.Sleep(30 * time.Millisecond)
	assert.Nil(t, c.Get("fp"), "stale entries are pruned lazily on lookup")
}

func TestPut_LRUEvictionByBytes(t *testing.T) {
	config := DefaultConfig()
	config.MaxBytes = 2048
	c := testCache(t, config)

	big := strings.Repeat("x", 600)
	c.Put("a", testResponse(big))
	c.Put("b", testResponse(big))

	// Touch "a" so "b" is least recently used when "c" forces eviction.
	require.NotNil(t, c.Get("a"))
	c.Put("c", testResponse(big))

	assert.NotNil(t, c.Get("a"))
	assert.Nil(t, c.Get("b"))
	assert.NotNil(t, c.Get("c"))
	assert.LessOrEqual(t, c.Bytes(), config.MaxBytes)
}

func TestPut_OversizedEntryIsNotStored(t *testing.T) {
	config := DefaultConfig()
	config.MaxBytes = 128
	c := testCache(t, config)

	c.Put("huge", testResponse(strings.Repeat("x", 4096)))
	assert.Nil(t, c.Get("huge"))
	assert.Equal(t, 0, c.Len())
}

func TestBackgroundPrune(t *testing.T) {
	config := Config{MaxBytes: 1 << 20, TTL: 10 * time.Millisecond, TickEvery: 20 * time.Millisecond}
	c := testCache(t, config)

	c.Put("fp", testResponse("Hello"))
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 0, c.Len(), "background tick prunes expired entries without lookups")
}
