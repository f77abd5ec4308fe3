package providers

import (
	"context"
	"sync"

	"github.com/mysticmarks/llm-runner-router/internal/credentials"
	"github.com/mysticmarks/llm-runner-router/internal/types"
)

// Price is the USD cost per million tokens for one model.
type Price struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// Provider is the uniform contract every backend adapter implements. The
// router resolves a canonical "provider:model" id and hands the adapter the
// bare model name.
type Provider interface {
	// ID returns the provider tag, e.g. "openai".
	ID() string

	// Capabilities returns the capability set for one of the provider's models.
	Capabilities(model string) []types.Capability

	// Validate applies the provider's key format check. A non-nil return is
	// a warning, not a refusal; unknown key schemes must still work.
	Validate(cred credentials.Record) error

	// Price returns the model's USD price per million tokens.
	Price(model string) (Price, error)

	// Complete performs a unary generation.
	Complete(ctx context.Context, req *types.GenerationRequest, model string, cred credentials.Record) (*types.GenerationResponse, error)

	// Stream performs a streaming generation. The returned reader is a lazy,
	// finite, non-restartable sequence; Abort closes the upstream transport.
	Stream(ctx context.Context, req *types.GenerationRequest, model string, cred credentials.Record) (*StreamReader, error)

	// ListModels returns the provider's known models as registrable
	// descriptors. The list may be static.
	ListModels() []types.ModelDescriptor

	// Close releases any held transports.
	Close() error
}

// StreamReader delivers normalized chunks from one upstream stream. Chunks
// arrive in upstream order; the terminal chunk carries the finish reason.
type StreamReader struct {
	ch     chan *types.StreamChunk
	cancel context.CancelFunc

	mu  sync.Mutex
	err error

	abortOnce sync.Once
}

// NewStreamReader creates a reader and the send side used by the producer
// goroutine. cancel is invoked on Abort to tear down the upstream HTTP call.
func NewStreamReader(buffer int, cancel context.CancelFunc) (*StreamReader, chan<- *types.StreamChunk) {
	r := &StreamReader{
		ch:     make(chan *types.StreamChunk, buffer),
		cancel: cancel,
	}
	return r, r.ch
}

// Chunks exposes the receive side of the sequence. The channel closes when
// the stream ends, errors, or is aborted.
func (r *StreamReader) Chunks() <-chan *types.StreamChunk {
	return r.ch
}

// Recv returns the next chunk, or ok=false when the sequence is finished.
func (r *StreamReader) Recv() (*types.StreamChunk, bool) {
	chunk, ok := <-r.ch
	return chunk, ok
}

// Abort cancels the upstream transport. Chunks already buffered may still
// be received; no new chunks are produced after the cancellation lands.
func (r *StreamReader) Abort() {
	r.abortOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
	})
}

// Fail records the terminal error. Called by the producer before closing.
func (r *StreamReader) Fail(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

// Err returns the terminal error, if any, once the channel is closed.
func (r *StreamReader) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}
