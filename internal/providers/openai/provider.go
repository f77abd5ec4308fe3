package openai

import (
	"context"
	"errors"
	"io"
	"net/http"
	"regexp"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/mysticmarks/llm-runner-router/internal/audit"
	"github.com/mysticmarks/llm-runner-router/internal/credentials"
	"github.com/mysticmarks/llm-runner-router/internal/providers"
	"github.com/mysticmarks/llm-runner-router/internal/providers/base"
	"github.com/mysticmarks/llm-runner-router/internal/types"
)

const providerTag = "openai"

var keyPattern = regexp.MustCompile(`^sk-[A-Za-z0-9_-]{20,}$`)

// Provider implements the adapter contract against the OpenAI API through
// the go-openai client.
type Provider struct {
	catalog base.Catalog
	runner  *base.Runner
	logger  *logrus.Logger
	baseURL string
	timeout time.Duration

	mu      sync.Mutex
	clients map[string]*openai.Client // keyed by credential secret
}

// Config holds OpenAI adapter settings.
type Config struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// New creates the OpenAI adapter with its default model catalog.
func New(config Config, runner *base.Runner, logger *logrus.Logger) *Provider {
	if config.Timeout <= 0 {
		config.Timeout = 120 * time.Second
	}
	chatCaps := []types.Capability{types.CapChat, types.CapCompletion, types.CapStreaming, types.CapTools, types.CapJSONMode}
	visionCaps := append([]types.Capability{types.CapVision}, chatCaps...)
	return &Provider{
		catalog: base.Catalog{
			Tag: providerTag,
			Models: []types.ModelDescriptor{
				base.Desc(providerTag, "gpt-4o", visionCaps, 128000, 2.50, 10.00, 0.92, 0.70),
				base.Desc(providerTag, "gpt-4o-mini", visionCaps, 128000, 0.15, 0.60, 0.80, 0.88),
				base.Desc(providerTag, "gpt-3.5-turbo", chatCaps, 16385, 0.50, 1.50, 0.62, 0.90),
			},
		},
		runner:  runner,
		logger:  logger,
		baseURL: config.BaseURL,
		timeout: config.Timeout,
		clients: make(map[string]*openai.Client),
	}
}

// ID returns the provider tag.
func (p *Provider) ID() string {
	return providerTag
}

// Capabilities returns the capability set for one model.
func (p *Provider) Capabilities(model string) []types.Capability {
	return p.catalog.Caps(model)
}

// Validate applies the OpenAI key format check. A mismatch is a warning.
func (p *Provider) Validate(cred credentials.Record) error {
	if !keyPattern.MatchString(cred.Secret) {
		return types.NewError(types.KindAuth, "key does not look like an OpenAI secret key")
	}
	return nil
}

// Price returns the model's USD price per million tokens.
func (p *Provider) Price(model string) (providers.Price, error) {
	d, ok := p.catalog.Find(model)
	if !ok {
		return providers.Price{}, types.NewError(types.KindNotFound, "unknown openai model "+model)
	}
	return providers.Price{InputPerMillion: d.InputPricePerMillion, OutputPerMillion: d.OutputPricePerMillion}, nil
}

// ListModels returns the static model catalog.
func (p *Provider) ListModels() []types.ModelDescriptor {
	return p.catalog.List()
}

// Close releases held clients.
func (p *Provider) Close() error {
	p.mu.Lock()
	p.clients = make(map[string]*openai.Client)
	p.mu.Unlock()
	return nil
}

func (p *Provider) client(cred credentials.Record) *openai.Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[cred.Secret]; ok {
		return c
	}
	clientConfig := openai.DefaultConfig(cred.Secret)
	if p.baseURL != "" {
		clientConfig.BaseURL = p.baseURL
	}
	clientConfig.HTTPClient = &http.Client{Timeout: p.timeout}
	c := openai.NewClientWithConfig(clientConfig)
	p.clients[cred.Secret] = c
	return c
}

// Complete performs a unary chat completion.
func (p *Provider) Complete(ctx context.Context, req *types.GenerationRequest, model string, cred credentials.Record) (*types.GenerationResponse, error) {
	backend := providerTag + ":" + model
	start := time.Now()

	resp, err := base.Do(ctx, p.runner, backend, req.EstimatedTotalTokens(), func(ctx context.Context) (openai.ChatCompletionResponse, error) {
		out, callErr := p.client(cred).CreateChatCompletion(ctx, p.buildRequest(req, model))
		if callErr != nil {
			return openai.ChatCompletionResponse{}, classifyError(ctx, callErr, model)
		}
		return out, nil
	})

	p.runner.Audit(audit.Event{
		Provider:  providerTag,
		Model:     model,
		UserTag:   req.UserTag,
		Status:    auditStatus(err),
		ErrorKind: auditKind(err),
		LatencyMS: time.Since(start).Milliseconds(),
		MaskedKey: cred.Masked(),
	})
	if err != nil {
		return nil, err
	}

	price, _ := p.Price(model)
	return p.normalize(&resp, model, price, time.Since(start)), nil
}

// Stream performs a streaming chat completion. Retries cover only the
// stream open; there is no mid-stream retry.
func (p *Provider) Stream(ctx context.Context, req *types.GenerationRequest, model string, cred credentials.Record) (*providers.StreamReader, error) {
	backend := providerTag + ":" + model
	streamCtx, cancel := context.WithCancel(ctx)

	stream, err := base.Do(streamCtx, p.runner, backend, req.EstimatedTotalTokens(), func(ctx context.Context) (*openai.ChatCompletionStream, error) {
		wireReq := p.buildRequest(req, model)
		wireReq.Stream = true
		wireReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
		out, callErr := p.client(cred).CreateChatCompletionStream(ctx, wireReq)
		if callErr != nil {
			return nil, classifyError(ctx, callErr, model)
		}
		return out, nil
	})
	if err != nil {
		cancel()
		return nil, err
	}

	reader, chunks := providers.NewStreamReader(64, cancel)

	go func() {
		defer close(chunks)
		defer stream.Close()

		var usage types.Usage
		finish := types.FinishReason("")

		for {
			frame, recvErr := stream.Recv()
			if recvErr != nil {
				if !errors.Is(recvErr, io.EOF) {
					if streamCtx.Err() != nil {
						finish = types.FinishCancelled
					} else {
						reader.Fail(classifyError(streamCtx, recvErr, model))
						finish = types.FinishError
					}
				}
				break
			}

			if frame.Usage != nil {
				usage = types.Usage{
					PromptTokens:     frame.Usage.PromptTokens,
					CompletionTokens: frame.Usage.CompletionTokens,
					TotalTokens:      frame.Usage.TotalTokens,
				}
			}
			if len(frame.Choices) == 0 {
				continue
			}
			choice := frame.Choices[0]
			if choice.FinishReason != "" {
				finish = base.MapFinishReason(string(choice.FinishReason))
			}
			if choice.Delta.Content == "" {
				continue
			}
			chunk := &types.StreamChunk{
				DeltaText:   choice.Delta.Content,
				DeltaTokens: 1,
				Raw:         frame,
			}
			select {
			case chunks <- chunk:
			case <-streamCtx.Done():
				return
			}
		}

		if finish == "" {
			finish = types.FinishStop
		}
		terminal := &types.StreamChunk{FinishReason: finish}
		if usage.TotalTokens > 0 {
			u := usage
			terminal.Usage = &u
		}
		select {
		case chunks <- terminal:
		case <-streamCtx.Done():
		}
	}()

	return reader, nil
}

func (p *Provider) buildRequest(req *types.GenerationRequest, model string) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{
		Model:       model,
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
		Stop:        req.Stop,
		Seed:        req.Seed,
	}
	if req.TopP > 0 {
		out.TopP = float32(req.TopP)
	}
	for _, m := range req.AsMessages() {
		out.Messages = append(out.Messages, openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

func (p *Provider) normalize(resp *openai.ChatCompletionResponse, model string, price providers.Price, latency time.Duration) *types.GenerationResponse {
	out := &types.GenerationResponse{
		ModelID:      providerTag + ":" + model,
		Provider:     providerTag,
		FinishReason: types.FinishStop,
		LatencyMS:    latency.Milliseconds(),
		CreatedAt:    time.Now(),
		Metadata:     map[string]interface{}{"response_id": resp.ID},
	}
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		out.Text = choice.Message.Content
		if reason := base.MapFinishReason(string(choice.FinishReason)); reason != "" {
			out.FinishReason = reason
		}
	}
	out.Usage = types.Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	out.CostUSD = base.CostUSD(out.Usage, price.InputPerMillion, price.OutputPerMillion)
	return out
}

// classifyError maps go-openai failures into the router taxonomy.
func classifyError(ctx context.Context, err error, model string) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		kind := types.KindFromStatus(apiErr.HTTPStatusCode)
		return types.WrapError(kind, apiErr.Message, err).WithBackend(providerTag, model)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		kind := types.KindFromStatus(reqErr.HTTPStatusCode)
		return types.WrapError(kind, "openai request failed", err).WithBackend(providerTag, model)
	}
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		return types.WrapError(types.KindTimeout, "openai request deadline exceeded", err).WithBackend(providerTag, model)
	case ctx.Err() == context.Canceled:
		return types.WrapError(types.KindCancelled, "openai request cancelled", err).WithBackend(providerTag, model)
	default:
		return types.WrapError(types.KindUpstream5xx, "openai transport error", err).WithBackend(providerTag, model)
	}
}

func auditStatus(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}

func auditKind(err error) string {
	if err == nil {
		return ""
	}
	return string(types.KindOf(err))
}

var _ providers.Provider = (*Provider)(nil)
