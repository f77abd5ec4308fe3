package openrouter

import (
	"context"
	"errors"
	"io"
	"regexp"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mysticmarks/llm-runner-router/internal/audit"
	"github.com/mysticmarks/llm-runner-router/internal/credentials"
	"github.com/mysticmarks/llm-runner-router/internal/providers"
	"github.com/mysticmarks/llm-runner-router/internal/providers/base"
	"github.com/mysticmarks/llm-runner-router/internal/types"
)

const (
	providerTag    = "openrouter"
	defaultBaseURL = "https://openrouter.ai/api/v1"
)

var keyPattern = regexp.MustCompile(`^sk-or-[A-Za-z0-9_-]{20,}$`)

// Provider speaks OpenRouter's OpenAI-compatible protocol over the raw wire
// helper. Model ids are namespaced vendor/model, and the request may carry
// an ordered vendor preference list the SDK schema cannot express.
type Provider struct {
	catalog base.Catalog
	runner  *base.Runner
	client  *base.Client
	logger  *logrus.Logger

	preferredVendors []string
}

// Config holds OpenRouter adapter settings.
type Config struct {
	BaseURL          string        `yaml:"base_url"`
	Timeout          time.Duration `yaml:"timeout"`
	PreferredVendors []string      `yaml:"preferred_vendors"`
}

// New creates the OpenRouter adapter.
func New(config Config, runner *base.Runner, logger *logrus.Logger) *Provider {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = 120 * time.Second
	}
	caps := []types.Capability{types.CapChat, types.CapCompletion, types.CapStreaming, types.CapTools}
	return &Provider{
		catalog: base.Catalog{
			Tag: providerTag,
			Models: []types.ModelDescriptor{
				base.Desc(providerTag, "anthropic/claude-3.5-sonnet", caps, 200000, 3.00, 15.00, 0.95, 0.60),
				base.Desc(providerTag, "openai/gpt-4o-mini", caps, 128000, 0.15, 0.60, 0.80, 0.82),
				base.Desc(providerTag, "meta-llama/llama-3.1-70b-instruct", caps, 131072, 0.40, 0.40, 0.75, 0.78),
			},
		},
		runner:           runner,
		client:           base.NewClient(config.BaseURL, config.Timeout, logger),
		logger:           logger,
		preferredVendors: config.PreferredVendors,
	}
}

// ID returns the provider tag.
func (p *Provider) ID() string { return providerTag }

// Capabilities returns the capability set for one model.
func (p *Provider) Capabilities(model string) []types.Capability {
	return p.catalog.Caps(model)
}

// Validate applies the OpenRouter key format check.
func (p *Provider) Validate(cred credentials.Record) error {
	if !keyPattern.MatchString(cred.Secret) {
		return types.NewError(types.KindAuth, "key does not look like an OpenRouter secret key")
	}
	return nil
}

// Price returns the model's USD price per million tokens.
func (p *Provider) Price(model string) (providers.Price, error) {
	d, ok := p.catalog.Find(model)
	if !ok {
		return providers.Price{}, types.NewError(types.KindNotFound, "unknown openrouter model "+model)
	}
	return providers.Price{InputPerMillion: d.InputPricePerMillion, OutputPerMillion: d.OutputPricePerMillion}, nil
}

// ListModels returns the static model catalog.
func (p *Provider) ListModels() []types.ModelDescriptor {
	return p.catalog.List()
}

// Close releases the transport.
func (p *Provider) Close() error {
	p.client.HTTPClient.CloseIdleConnections()
	return nil
}

func (p *Provider) headers(cred credentials.Record) map[string]string {
	return map[string]string{
		"Authorization": "Bearer " + cred.Secret,
	}
}

func (p *Provider) buildRequest(req *types.GenerationRequest, model string) base.ChatRequest {
	wire := base.BuildChatRequest(req, model)
	if len(p.preferredVendors) > 0 {
		wire.Provider = &base.ProviderPreference{Order: p.preferredVendors}
	}
	return wire
}

// Complete performs a unary chat completion.
func (p *Provider) Complete(ctx context.Context, req *types.GenerationRequest, model string, cred credentials.Record) (*types.GenerationResponse, error) {
	backend := providerTag + ":" + model
	start := time.Now()

	resp, err := base.Do(ctx, p.runner, backend, req.EstimatedTotalTokens(), func(ctx context.Context) (base.ChatResponse, error) {
		var out base.ChatResponse
		wire := p.buildRequest(req, model)
		wire.Stream = false
		if callErr := p.client.PostJSON(ctx, "/chat/completions", wire, p.headers(cred), &out); callErr != nil {
			return base.ChatResponse{}, attachBackend(callErr, model)
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
	out := &types.GenerationResponse{
		ModelID:      backend,
		Provider:     providerTag,
		FinishReason: types.FinishStop,
		LatencyMS:    time.Since(start).Milliseconds(),
		CreatedAt:    time.Now(),
		Metadata:     map[string]interface{}{"response_id": resp.ID, "served_model": resp.Model},
	}
	if len(resp.Choices) > 0 {
		out.Text = resp.Choices[0].Message.Content
		if reason := base.MapFinishReason(resp.Choices[0].FinishReason); reason != "" {
			out.FinishReason = reason
		}
	}
	if resp.Usage != nil {
		out.Usage = types.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	out.CostUSD = base.CostUSD(out.Usage, price.InputPerMillion, price.OutputPerMillion)
	return out, nil
}

// Stream performs a streaming chat completion over SSE.
func (p *Provider) Stream(ctx context.Context, req *types.GenerationRequest, model string, cred credentials.Record) (*providers.StreamReader, error) {
	backend := providerTag + ":" + model
	streamCtx, cancel := context.WithCancel(ctx)

	body, err := base.Do(streamCtx, p.runner, backend, req.EstimatedTotalTokens(), func(ctx context.Context) (io.ReadCloser, error) {
		wire := p.buildRequest(req, model)
		wire.Stream = true
		wire.StreamOptions = &base.StreamOptions{IncludeUsage: true}
		out, callErr := p.client.PostStream(ctx, "/chat/completions", wire, p.headers(cred))
		if callErr != nil {
			return nil, attachBackend(callErr, model)
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
		defer body.Close()

		scanner := base.NewSSEScanner(body, p.logger)
		var usage types.Usage
		finish := types.FinishReason("")

		for {
			var frame base.ChatStreamChunk
			scanErr := scanner.NextJSON(&frame)
			if scanErr != nil {
				if !errors.Is(scanErr, base.ErrStreamDone) && !errors.Is(scanErr, io.EOF) {
					if streamCtx.Err() != nil {
						finish = types.FinishCancelled
					} else {
						reader.Fail(types.WrapError(types.KindUpstream5xx, "stream read failed", scanErr).WithBackend(providerTag, model))
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
				finish = base.MapFinishReason(choice.FinishReason)
			}
			if choice.Delta.Content == "" {
				continue
			}
			select {
			case chunks <- &types.StreamChunk{DeltaText: choice.Delta.Content, DeltaTokens: 1, Raw: frame}:
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

func attachBackend(err error, model string) error {
	var re *types.Error
	if errors.As(err, &re) {
		return re.WithBackend(providerTag, model)
	}
	return err
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
