package anthropic

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/sirupsen/logrus"

	"github.com/mysticmarks/llm-runner-router/internal/audit"
	"github.com/mysticmarks/llm-runner-router/internal/credentials"
	"github.com/mysticmarks/llm-runner-router/internal/providers"
	"github.com/mysticmarks/llm-runner-router/internal/providers/base"
	"github.com/mysticmarks/llm-runner-router/internal/types"
)

const providerTag = "anthropic"

var keyPattern = regexp.MustCompile(`^sk-ant-[A-Za-z0-9_-]{20,}$`)

// Provider implements the adapter contract against the Anthropic Messages
// API. The system prompt travels separately from the conversation, and the
// stream is event-typed rather than delta-only.
type Provider struct {
	catalog base.Catalog
	runner  *base.Runner
	logger  *logrus.Logger
	baseURL string
	timeout time.Duration
}

// Config holds Anthropic adapter settings.
type Config struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// New creates the Anthropic adapter with its default model catalog.
func New(config Config, runner *base.Runner, logger *logrus.Logger) *Provider {
	if config.Timeout <= 0 {
		config.Timeout = 120 * time.Second
	}
	caps := []types.Capability{types.CapChat, types.CapCompletion, types.CapStreaming, types.CapTools, types.CapVision}
	return &Provider{
		catalog: base.Catalog{
			Tag: providerTag,
			Models: []types.ModelDescriptor{
				base.Desc(providerTag, "claude-3-5-sonnet-20241022", caps, 200000, 3.00, 15.00, 0.95, 0.65),
				base.Desc(providerTag, "claude-3-5-haiku-20241022", caps, 200000, 0.80, 4.00, 0.82, 0.85),
				base.Desc(providerTag, "claude-3-haiku-20240307", caps, 200000, 0.25, 1.25, 0.72, 0.90),
			},
		},
		runner:  runner,
		logger:  logger,
		baseURL: config.BaseURL,
		timeout: config.Timeout,
	}
}

// ID returns the provider tag.
func (p *Provider) ID() string { return providerTag }

// Capabilities returns the capability set for one model.
func (p *Provider) Capabilities(model string) []types.Capability {
	return p.catalog.Caps(model)
}

// Validate applies the Anthropic key format check.
func (p *Provider) Validate(cred credentials.Record) error {
	if !keyPattern.MatchString(cred.Secret) {
		return types.NewError(types.KindAuth, "key does not look like an Anthropic secret key")
	}
	return nil
}

// Price returns the model's USD price per million tokens.
func (p *Provider) Price(model string) (providers.Price, error) {
	d, ok := p.catalog.Find(model)
	if !ok {
		return providers.Price{}, types.NewError(types.KindNotFound, "unknown anthropic model "+model)
	}
	return providers.Price{InputPerMillion: d.InputPricePerMillion, OutputPerMillion: d.OutputPricePerMillion}, nil
}

// ListModels returns the static model catalog.
func (p *Provider) ListModels() []types.ModelDescriptor {
	return p.catalog.List()
}

// Close implements the contract; the SDK client holds no pooled state worth
// tearing down explicitly.
func (p *Provider) Close() error { return nil }

func (p *Provider) client(cred credentials.Record) anthropic.Client {
	opts := []option.RequestOption{option.WithAPIKey(cred.Secret)}
	if p.baseURL != "" {
		opts = append(opts, option.WithBaseURL(p.baseURL))
	}
	opts = append(opts, option.WithRequestTimeout(p.timeout))
	return anthropic.NewClient(opts...)
}

// Complete performs a unary message call.
func (p *Provider) Complete(ctx context.Context, req *types.GenerationRequest, model string, cred credentials.Record) (*types.GenerationResponse, error) {
	backend := providerTag + ":" + model
	start := time.Now()
	client := p.client(cred)

	msg, err := base.Do(ctx, p.runner, backend, req.EstimatedTotalTokens(), func(ctx context.Context) (*anthropic.Message, error) {
		out, callErr := client.Messages.New(ctx, p.buildParams(req, model))
		if callErr != nil {
			return nil, classifyError(ctx, callErr, model)
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
	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	usage := types.Usage{
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	return &types.GenerationResponse{
		Text:         text.String(),
		ModelID:      backend,
		Provider:     providerTag,
		Usage:        usage,
		CostUSD:      base.CostUSD(usage, price.InputPerMillion, price.OutputPerMillion),
		FinishReason: base.MapFinishReason(string(msg.StopReason)),
		LatencyMS:    time.Since(start).Milliseconds(),
		CreatedAt:    time.Now(),
		Metadata:     map[string]interface{}{"response_id": msg.ID},
	}, nil
}

// Stream performs a streaming message call, translating the event-typed
// upstream sequence into normalized chunks.
func (p *Provider) Stream(ctx context.Context, req *types.GenerationRequest, model string, cred credentials.Record) (*providers.StreamReader, error) {
	backend := providerTag + ":" + model
	streamCtx, cancel := context.WithCancel(ctx)
	client := p.client(cred)

	// The rate-limiter/breaker/retry pipeline covers the stream open; there
	// is no mid-stream retry. Connection failures surface on the stream's
	// first error check.
	stream, err := base.Do(streamCtx, p.runner, backend, req.EstimatedTotalTokens(), func(ctx context.Context) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
		s := client.Messages.NewStreaming(ctx, p.buildParams(req, model))
		if openErr := s.Err(); openErr != nil {
			s.Close()
			return nil, classifyError(ctx, openErr, model)
		}
		return s, nil
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

		for stream.Next() {
			event := stream.Current()
			switch ev := event.AsAny().(type) {
			case anthropic.MessageStartEvent:
				usage.PromptTokens = int(ev.Message.Usage.InputTokens)

			case anthropic.ContentBlockDeltaEvent:
				switch delta := ev.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if delta.Text == "" {
						continue
					}
					select {
					case chunks <- &types.StreamChunk{DeltaText: delta.Text, DeltaTokens: 1, Raw: event}:
					case <-streamCtx.Done():
						return
					}
				}

			case anthropic.MessageDeltaEvent:
				usage.CompletionTokens = int(ev.Usage.OutputTokens)
				if ev.Delta.StopReason != "" {
					finish = base.MapFinishReason(string(ev.Delta.StopReason))
				}

			case anthropic.MessageStopEvent:
				// Terminal frame below carries the accumulated usage.
			}
		}

		if streamErr := stream.Err(); streamErr != nil {
			if streamCtx.Err() != nil {
				finish = types.FinishCancelled
			} else {
				reader.Fail(classifyError(streamCtx, streamErr, model))
				finish = types.FinishError
			}
			p.runner.Breaker().Record(backend, false)
		}

		if finish == "" {
			finish = types.FinishStop
		}
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
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

func (p *Provider) buildParams(req *types.GenerationRequest, model string) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(req.MaxTokens),
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if req.TopP > 0 {
		params.TopP = anthropic.Float(req.TopP)
	}
	if req.TopK > 0 {
		params.TopK = anthropic.Int(int64(req.TopK))
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}

	// System messages travel separately from the conversation.
	var system strings.Builder
	for _, m := range req.AsMessages() {
		switch m.Role {
		case types.RoleSystem:
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(m.Content)
		case types.RoleAssistant:
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	if system.Len() > 0 {
		params.System = []anthropic.TextBlockParam{{Text: system.String()}}
	}

	for _, t := range req.Tools {
		tool := anthropic.ToolParam{
			Name:        t.Name,
			InputSchema: anthropic.ToolInputSchemaParam{Properties: t.Parameters["properties"]},
		}
		if t.Description != "" {
			tool.Description = anthropic.String(t.Description)
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return params
}

// classifyError maps Anthropic SDK failures into the router taxonomy.
func classifyError(ctx context.Context, err error, model string) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return types.WrapError(types.KindFromStatus(apiErr.StatusCode), "anthropic api error", err).WithBackend(providerTag, model)
	}
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		return types.WrapError(types.KindTimeout, "anthropic request deadline exceeded", err).WithBackend(providerTag, model)
	case ctx.Err() == context.Canceled:
		return types.WrapError(types.KindCancelled, "anthropic request cancelled", err).WithBackend(providerTag, model)
	default:
		return types.WrapError(types.KindUpstream5xx, "anthropic transport error", err).WithBackend(providerTag, model)
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
