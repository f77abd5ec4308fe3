package generic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mysticmarks/llm-runner-router/internal/breaker"
	"github.com/mysticmarks/llm-runner-router/internal/credentials"
	"github.com/mysticmarks/llm-runner-router/internal/providers/base"
	"github.com/mysticmarks/llm-runner-router/internal/ratelimit"
	"github.com/mysticmarks/llm-runner-router/internal/retry"
	"github.com/mysticmarks/llm-runner-router/internal/types"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func testRunner(t *testing.T) *base.Runner {
	t.Helper()
	logger := quietLogger()
	return base.NewRunner(base.RunnerConfig{
		MaxConcurrentPerBackend: 8,
		MaxQueue:                16,
		RetryPolicy: retry.Policy{
			MaxAttempts: 1,
			BaseDelay:   time.Millisecond,
		},
	}, ratelimit.NewLimiter(nil, logger), breaker.NewBreaker(breaker.DefaultConfig(), logger), nil, logger)
}

func testModels() []types.ModelDescriptor {
	return []types.ModelDescriptor{{
		ID:                    "testhost:small",
		ProviderTag:           "testhost",
		Capabilities:          []types.Capability{types.CapChat, types.CapCompletion, types.CapStreaming},
		ContextWindow:         8192,
		InputPricePerMillion:  1,
		OutputPricePerMillion: 2,
	}}
}

func newProvider(t *testing.T, baseURL string) *Provider {
	t.Helper()
	p, err := New(Config{
		Tag:     "testhost",
		BaseURL: baseURL,
		Timeout: 5 * time.Second,
		Models:  testModels(),
	}, testRunner(t), quietLogger())
	require.NoError(t, err)
	return p
}

func cred() credentials.Record {
	return credentials.Record{ProviderTag: "testhost", Secret: "sk-test-0123456789abcdef"}
}

func request() *types.GenerationRequest {
	return &types.GenerationRequest{
		Prompt:      "Hi",
		MaxTokens:   5,
		Temperature: 0,
	}
}

func TestComplete_Unary(t *testing.T) {
	var gotAuth string
	var gotBody base.ChatRequest

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		fmt.Fprint(w, `{
			"id": "resp-1",
			"model": "small",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "Hello"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2}
		}`)
	}))
	defer upstream.Close()

	p := newProvider(t, upstream.URL)
	resp, err := p.Complete(context.Background(), request(), "small", cred())
	require.NoError(t, err)

	assert.Equal(t, "Bearer sk-test-0123456789abcdef", gotAuth)
	assert.Equal(t, "small", gotBody.Model)
	assert.Equal(t, "Hi", gotBody.Messages[0].Content)

	assert.Equal(t, "Hello", resp.Text)
	assert.Equal(t, "testhost:small", resp.ModelID)
	assert.Equal(t, types.FinishStop, resp.FinishReason)
	assert.Equal(t, 2, resp.Usage.TotalTokens)
	assert.InDelta(t, (1.0*1+1.0*2)/1_000_000, resp.CostUSD, 1e-12)
}

func TestComplete_UpstreamErrorMapped(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error": {"message": "slow down"}}`)
	}))
	defer upstream.Close()

	p := newProvider(t, upstream.URL)
	_, err := p.Complete(context.Background(), request(), "small", cred())
	require.Error(t, err)
	assert.Equal(t, types.KindRateLimit, types.KindOf(err))

	var re *types.Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 7*time.Second, re.RetryAfter)
}

func TestComplete_Upstream500IsRetryable(t *testing.T) {
	calls := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	logger := quietLogger()
	runner := base.NewRunner(base.RunnerConfig{
		MaxConcurrentPerBackend: 8,
		MaxQueue:                16,
		RetryPolicy: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
		},
	}, ratelimit.NewLimiter(nil, logger), breaker.NewBreaker(breaker.DefaultConfig(), logger), nil, logger)

	p, err := New(Config{Tag: "testhost", BaseURL: upstream.URL, Models: testModels()}, runner, logger)
	require.NoError(t, err)

	_, err = p.Complete(context.Background(), request(), "small", cred())
	require.Error(t, err)
	assert.Equal(t, types.KindUpstream5xx, types.KindOf(err))
	assert.Equal(t, 3, calls, "5xx responses are retried inside the adapter")
}

func TestStream_SSE(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		frames := []string{
			`{"id":"c","choices":[{"index":0,"delta":{"content":"Hel"}}]}`,
			`{"id":"c","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
			`{"id":"c","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":2,"total_tokens":3}}`,
		}
		for _, frame := range frames {
			fmt.Fprintf(w, "data: %s\n\n", frame)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	defer upstream.Close()

	p := newProvider(t, upstream.URL)
	reader, err := p.Stream(context.Background(), request(), "small", cred())
	require.NoError(t, err)

	text := ""
	var terminal *types.StreamChunk
	for chunk := range reader.Chunks() {
		if chunk.Terminal() {
			terminal = chunk
		} else {
			text += chunk.DeltaText
		}
	}
	require.NoError(t, reader.Err())
	assert.Equal(t, "Hello", text)
	require.NotNil(t, terminal)
	assert.Equal(t, types.FinishStop, terminal.FinishReason)
	require.NotNil(t, terminal.Usage)
	assert.Equal(t, 3, terminal.Usage.TotalTokens)
}

func TestStream_AbortClosesUpstream(t *testing.T) {
	disconnected := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i := 0; ; i++ {
			select {
			case <-r.Context().Done():
				close(disconnected)
				return
			case <-time.After(10 * time.Millisecond):
			}
			fmt.Fprintf(w, "data: {\"id\":\"c\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"x\"}}]}\n\n")
			flusher.Flush()
		}
	}))
	defer upstream.Close()

	p := newProvider(t, upstream.URL)
	reader, err := p.Stream(context.Background(), request(), "small", cred())
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
	require.GreaterOrEqual(t, received, 2)

	select {
	case <-disconnected:
		// Upstream saw the connection close.
	case <-time.After(500 * time.Millisecond):
		t.Fatal("upstream connection not closed within 500ms of abort")
	}
}

func TestNew_Validation(t *testing.T) {
	runner := testRunner(t)
	_, err := New(Config{BaseURL: "http://x"}, runner, quietLogger())
	assert.Error(t, err, "tag is required")

	_, err = New(Config{Tag: "x"}, runner, quietLogger())
	assert.Error(t, err, "base_url is required")
}

func TestValidate_KeyPattern(t *testing.T) {
	p, err := New(Config{
		Tag:        "testhost",
		BaseURL:    "http://x",
		KeyPattern: `^sk-[A-Za-z0-9-]{10,}$`,
		Models:     testModels(),
	}, testRunner(t), quietLogger())
	require.NoError(t, err)

	assert.NoError(t, p.Validate(cred()))
	assert.Error(t, p.Validate(credentials.Record{Secret: "nope"}))
}
