package cache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/mysticmarks/llm-runner-router/internal/types"
)

// Config sets the cache budget and entry lifetime.
type Config struct {
	MaxBytes int64
	TTL      time.Duration
	TickEvery time.Duration
}

// DefaultConfig is a 256 MB budget with a one hour TTL.
func DefaultConfig() Config {
	return Config{
		MaxBytes:  256 << 20,
		TTL:       time.Hour,
		TickEvery: time.Minute,
	}
}

type entry struct {
	fingerprint string
	response    *types.GenerationResponse
	size        int64
	expiresAt   time.Time
	elem        *list.Element
}

// Cache is a fingerprint-keyed response cache with a byte-size LRU budget,
// per-entry TTL, and single-flight collapse of concurrent identical builds.
type Cache struct {
	config Config
	logger *logrus.Logger

	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List // front = most recently used
	bytes   int64

	flight singleflight.Group

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a cache and starts its background prune tick.
func New(config Config, logger *logrus.Logger) *Cache {
	if config.MaxBytes <= 0 {
		config.MaxBytes = DefaultConfig().MaxBytes
	}
	if config.TTL <= 0 {
		config.TTL = DefaultConfig().TTL
	}
	if config.TickEvery <= 0 {
		config.TickEvery = DefaultConfig().TickEvery
	}

	c := &Cache{
		config:  config,
		logger:  logger,
		entries: make(map[string]*entry),
		lru:     list.New(),
		stop:    make(chan struct{}),
	}
	go c.pruneLoop()
	return c
}

// Close stops the background prune tick.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Fingerprint derives the deterministic cache key for a request resolved to
// a concrete model. Only fields that affect the output participate.
func Fingerprint(req *types.GenerationRequest, modelID string) string {
	key := struct {
		Prompt    string          `json:"prompt,omitempty"`
		Messages  []types.Message `json:"messages,omitempty"`
		ModelID   string          `json:"model_id"`
		MaxTokens int             `json:"max_tokens"`
		Temp      float64         `json:"temperature"`
		TopP      float64         `json:"top_p"`
		TopK      int             `json:"top_k"`
		Stop      []string        `json:"stop,omitempty"`
		Seed      *int            `json:"seed,omitempty"`
		Tools     []types.Tool    `json:"tools,omitempty"`
	}{
		Prompt:    req.Prompt,
		Messages:  req.Messages,
		ModelID:   modelID,
		MaxTokens: req.MaxTokens,
		Temp:      req.Temperature,
		TopP:      req.TopP,
		TopK:      req.TopK,
		Stop:      req.Stop,
		Seed:      req.Seed,
		Tools:     req.Tools,
	}
	data, _ := json.Marshal(key)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Cacheable reports whether a request may be served from or stored into the
// cache. Streams and tool-bearing requests are excluded.
func Cacheable(req *types.GenerationRequest) bool {
	return !req.Stream && len(req.Tools) == 0
}

// Get returns a fresh cached response, marked Cached=true, or nil.
func (c *Cache) Get(fingerprint string) *types.GenerationResponse {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[fingerprint]
	if !ok {
		return nil
	}
	if time.Now().After(e.expiresAt) {
		c.removeLocked(e)
		return nil
	}
	c.lru.MoveToFront(e.elem)

	resp := *e.response
	resp.Cached = true
	return &resp
}

// GetOrCompute returns a cached response or runs compute exactly once per
// live fingerprint; concurrent callers await the in-flight build. The build
// runs detached from any single waiter's context so one cancellation does
// not fail the rest.
func (c *Cache) GetOrCompute(ctx context.Context, fingerprint string, compute func(ctx context.Context) (*types.GenerationResponse, error)) (*types.GenerationResponse, error) {
	if resp := c.Get(fingerprint); resp != nil {
		return resp, nil
	}

	ch := c.flight.DoChan(fingerprint, func() (interface{}, error) {
		buildCtx := context.WithoutCancel(ctx)
		resp, err := compute(buildCtx)
		if err != nil {
			return nil, err
		}
		c.Put(fingerprint, resp)
		return resp, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		resp := res.Val.(*types.GenerationResponse)
		if res.Shared {
			shared := *resp
			shared.Cached = true
			return &shared, nil
		}
		return resp, nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, types.NewError(types.KindTimeout, "deadline exceeded awaiting cached build")
		}
		return nil, types.NewError(types.KindCancelled, "cancelled awaiting cached build")
	}
}

// Put stores a response under the fingerprint, evicting least recently
// used entries past the byte budget.
func (c *Cache) Put(fingerprint string, resp *types.GenerationResponse) {
	size := approxSize(resp)

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[fingerprint]; ok {
		c.removeLocked(old)
	}
	if size > c.config.MaxBytes {
		return
	}

	e := &entry{
		fingerprint: fingerprint,
		response:    resp,
		size:        size,
		expiresAt:   time.Now().Add(c.config.TTL),
	}
	e.elem = c.lru.PushFront(e)
	c.entries[fingerprint] = e
	c.bytes += size

	for c.bytes > c.config.MaxBytes {
		back := c.lru.Back()
		if back == nil {
			break
		}
		c.removeLocked(back.Value.(*entry))
	}
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Bytes returns the current cache footprint.
func (c *Cache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

func (c *Cache) removeLocked(e *entry) {
	c.lru.Remove(e.elem)
	delete(c.entries, e.fingerprint)
	c.bytes -= e.size
}

func (c *Cache) pruneLoop() {
	ticker := time.NewTicker(c.config.TickEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.pruneExpired()
		case <-c.stop:
			return
		}
	}
}

func (c *Cache) pruneExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	var expired []*entry
	for _, e := range c.entries {
		if now.After(e.expiresAt) {
			expired = append(expired, e)
		}
	}
	for _, e := range expired {
		c.removeLocked(e)
	}
	if len(expired) > 0 {
		c.logger.WithField("count", len(expired)).Debug("Pruned expired cache entries")
	}
}

func approxSize(resp *types.GenerationResponse) int64 {
	data, err := json.Marshal(resp)
	if err != nil {
		return int64(len(resp.Text))
	}
	return int64(len(data))
}
