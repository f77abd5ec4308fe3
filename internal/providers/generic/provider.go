package generic

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

// Provider serves any OpenAI-compatible SSE endpoint. New hosted providers
// become configuration rows here rather than new kernel code.
type Provider struct {
	tag        string
	catalog    base.Catalog
	runner     *base.Runner
	client     *base.Client
	logger     *logrus.Logger
	authHeader string
	authScheme string
	keyPattern *regexp.Regexp
	chatPath   string
}

// Config describes one generic OpenAI-compatible endpoint.
type Config struct {
	Tag        string                  `yaml:"tag"`
	BaseURL    string                  `yaml:"base_url"`
	Timeout    time.Duration           `yaml:"timeout"`
	AuthHeader string                  `yaml:"auth_header"` // default Authorization
	AuthScheme string                  `yaml:"auth_scheme"` // default Bearer
	KeyPattern string                  `yaml:"key_pattern"`
	ChatPath   string                  `yaml:"chat_path"` // default /chat/completions
	Models     []types.ModelDescriptor `yaml:"models"`
}

// New creates a generic adapter from its endpoint description.
func New(config Config, runner *base.Runner, logger *logrus.Logger) (*Provider, error) {
	if config.Tag == "" {
		return nil, types.NewError(types.KindInvalidRequest, "generic provider requires a tag")
	}
	if config.BaseURL == "" {
		return nil, types.NewError(types.KindInvalidRequest, "generic provider "+config.Tag+" requires a base_url")
	}
	if config.Timeout <= 0 {
		config.Timeout = 120 * time.Second
	}
	if config.AuthHeader == "" {
		config.AuthHeader = "Authorization"
	}
	if config.AuthScheme == "" {
		config.AuthScheme = "Bearer"
	}
	if config.ChatPath == "" {
		config.ChatPath = "/chat/completions"
	}

	var pattern *regexp.Regexp
	if config.KeyPattern != "" {
		var err error
		pattern, err = regexp.Compile(config.KeyPattern)
		if err != nil {
			return nil, types.WrapError(types.KindInvalidRequest, "invalid key_pattern for provider "+config.Tag, err)
		}
	}

	return &Provider{
		tag:        config.Tag,
		catalog:    base.Catalog{Tag: config.Tag, Models: config.Models},
		runner:     runner,
		client:     base.NewClient(config.BaseURL, config.Timeout, logger),
		logger:     logger,
		authHeader: config.AuthHeader,
		authScheme: config.AuthScheme,
		keyPattern: pattern,
		chatPath:   config.ChatPath,
	}, nil
}

// ID returns the configured provider tag.
func (p *Provider) ID() string { return p.tag }

// Capabilities returns the capability set for one model.
func (p *Provider) Capabilities(model string) []types.Capability {
	return p.catalog.Caps(model)
}

// Validate applies the configured key format check, if any.
func (p *Provider) Validate(cred credentials.Record) error {
	if p.keyPattern != nil && !p.keyPattern.MatchString(cred.Secret) {
		return types.NewError(types.KindAuth, "key does not match the expected format for "+p.tag)
	}
	return nil
}

// Price returns the model's USD price per million tokens.
func (p *Provider) Price(model string) (providers.Price, error) {
	d, ok := p.catalog.Find(model)
	if !ok {
		return providers.Price{}, types.NewError(types.KindNotFound, "unknown "+p.tag+" model "+model)
	}
	return providers.Price{InputPerMillion: d.InputPricePerMillion, OutputPerMillion: d.OutputPricePerMillion}, nil
}

// ListModels returns the configured model set.
func (p *Provider) ListModels() []types.ModelDescriptor {
	return p.catalog.List()
}

// Close releases the transport.
func (p *Provider) Close() error {
	p.client.HTTPClient.CloseIdleConnections()
	return nil
}

func (p *Provider) headers(cred credentials.Record) map[string]string {
	value := cred.Secret
	if p.authScheme != "" {
		value = p.authScheme + " " + cred.Secret
	}
	return map[string]string{p.authHeader: value}
}

// Complete performs a unary chat completion.
func (p *Provider) Complete(ctx context.Context, req *types.GenerationRequest, model string, cred credentials.Record) (*types.GenerationResponse, error) {
	backend := p.tag + ":" + model
	start := time.Now()

	resp, err := base.Do(ctx, p.runner, backend, req.EstimatedTotalTokens(), func(ctx context.Context) (base.ChatResponse, error) {
		var out base.ChatResponse
		wire := base.BuildChatRequest(req, model)
		wire.Stream = false
		if callErr := p.client.PostJSON(ctx, p.chatPath, wire, p.headers(cred), &out); callErr != nil {
			return base.ChatResponse{}, p.attachBackend(callErr, model)
		}
		return out, nil
	})

	p.runner.Audit(audit.Event{
		Provider:  p.tag,
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
		Provider:     p.tag,
		FinishReason: types.FinishStop,
		LatencyMS:    time.Since(start).Milliseconds(),
		CreatedAt:    time.Now(),
		Metadata:     map[string]interface{}{"response_id": resp.ID},
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
	backend := p.tag + ":" + model
	streamCtx, cancel := context.WithCancel(ctx)

	body, err := base.Do(streamCtx, p.runner, backend, req.EstimatedTotalTokens(), func(ctx context.Context) (io.ReadCloser, error) {
		wire := base.BuildChatRequest(req, model)
		wire.Stream = true
		wire.StreamOptions = &base.StreamOptions{IncludeUsage: true}
		out, callErr := p.client.PostStream(ctx, p.chatPath, wire, p.headers(cred))
		if callErr != nil {
			return nil, p.attachBackend(callErr, model)
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
						reader.Fail(types.WrapError(types.KindUpstream5xx, "stream read failed", scanErr).WithBackend(p.tag, model))
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

func (p *Provider) attachBackend(err error, model string) error {
	var re *types.Error
	if errors.As(err, &re) {
		return re.WithBackend(p.tag, model)
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
