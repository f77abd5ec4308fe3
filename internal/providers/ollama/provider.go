package ollama

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mysticmarks/llm-runner-router/internal/audit"
	"github.com/mysticmarks/llm-runner-router/internal/credentials"
	"github.com/mysticmarks/llm-runner-router/internal/providers"
	"github.com/mysticmarks/llm-runner-router/internal/providers/base"
	"github.com/mysticmarks/llm-runner-router/internal/types"
)

const (
	providerTag    = "ollama"
	defaultBaseURL = "http://localhost:11434"
)

// Provider serves a local Ollama-style HTTP runtime. Generation is free,
// requires no credential, and streams newline-delimited JSON.
type Provider struct {
	catalog base.Catalog
	runner  *base.Runner
	client  *base.Client
	logger  *logrus.Logger
}

// Config holds local runtime adapter settings.
type Config struct {
	BaseURL string                  `yaml:"base_url"`
	Timeout time.Duration           `yaml:"timeout"`
	Models  []types.ModelDescriptor `yaml:"models"`
}

// New creates the local-runtime adapter. The model set comes from config
// since local installs vary.
func New(config Config, runner *base.Runner, logger *logrus.Logger) *Provider {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = 300 * time.Second
	}
	models := config.Models
	if len(models) == 0 {
		caps := []types.Capability{types.CapChat, types.CapCompletion, types.CapStreaming}
		models = []types.ModelDescriptor{
			base.Desc(providerTag, "llama3.1", caps, 131072, 0, 0, 0.70, 0.50),
		}
	}
	return &Provider{
		catalog: base.Catalog{Tag: providerTag, Models: models},
		runner:  runner,
		client:  base.NewClient(config.BaseURL, config.Timeout, logger),
		logger:  logger,
	}
}

// chatMessage is the Ollama wire message.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatRequest is the /api/chat request body.
type chatRequest struct {
	Model    string                 `json:"model"`
	Messages []chatMessage          `json:"messages"`
	Stream   bool                   `json:"stream"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

// chatResponse is one /api/chat response object; in streaming mode every
// line has this shape with Done=false until the terminal line.
type chatResponse struct {
	Model           string      `json:"model"`
	Message         chatMessage `json:"message"`
	Done            bool        `json:"done"`
	DoneReason      string      `json:"done_reason,omitempty"`
	PromptEvalCount int         `json:"prompt_eval_count,omitempty"`
	EvalCount       int         `json:"eval_count,omitempty"`
}

// ID returns the provider tag.
func (p *Provider) ID() string { return providerTag }

// Capabilities returns the capability set for one model.
func (p *Provider) Capabilities(model string) []types.Capability {
	return p.catalog.Caps(model)
}

// Validate always passes; the local runtime needs no key.
func (p *Provider) Validate(cred credentials.Record) error { return nil }

// Price reports zero: local generation has no metered cost.
func (p *Provider) Price(model string) (providers.Price, error) {
	if _, ok := p.catalog.Find(model); !ok {
		return providers.Price{}, types.NewError(types.KindNotFound, "unknown local model "+model)
	}
	return providers.Price{}, nil
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

func (p *Provider) buildRequest(req *types.GenerationRequest, model string, stream bool) chatRequest {
	wire := chatRequest{
		Model:  model,
		Stream: stream,
		Options: map[string]interface{}{
			"num_predict": req.MaxTokens,
		},
	}
	if req.Temperature > 0 {
		wire.Options["temperature"] = req.Temperature
	}
	if req.TopP > 0 {
		wire.Options["top_p"] = req.TopP
	}
	if req.TopK > 0 {
		wire.Options["top_k"] = req.TopK
	}
	if len(req.Stop) > 0 {
		wire.Options["stop"] = req.Stop
	}
	if req.Seed != nil {
		wire.Options["seed"] = *req.Seed
	}
	for _, m := range req.AsMessages() {
		wire.Messages = append(wire.Messages, chatMessage{Role: string(m.Role), Content: m.Content})
	}
	return wire
}

// Complete performs a unary local generation.
func (p *Provider) Complete(ctx context.Context, req *types.GenerationRequest, model string, cred credentials.Record) (*types.GenerationResponse, error) {
	backend := providerTag + ":" + model
	start := time.Now()

	resp, err := base.Do(ctx, p.runner, backend, req.EstimatedTotalTokens(), func(ctx context.Context) (chatResponse, error) {
		var out chatResponse
		if callErr := p.client.PostJSON(ctx, "/api/chat", p.buildRequest(req, model, false), nil, &out); callErr != nil {
			return chatResponse{}, attachBackend(callErr, model)
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
	})
	if err != nil {
		return nil, err
	}

	usage := types.Usage{
		PromptTokens:     resp.PromptEvalCount,
		CompletionTokens: resp.EvalCount,
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	finish := base.MapFinishReason(resp.DoneReason)
	if finish == "" {
		finish = types.FinishStop
	}
	return &types.GenerationResponse{
		Text:         resp.Message.Content,
		ModelID:      backend,
		Provider:     providerTag,
		Usage:        usage,
		FinishReason: finish,
		LatencyMS:    time.Since(start).Milliseconds(),
		CreatedAt:    time.Now(),
	}, nil
}

// Stream performs a streaming local generation over NDJSON.
func (p *Provider) Stream(ctx context.Context, req *types.GenerationRequest, model string, cred credentials.Record) (*providers.StreamReader, error) {
	backend := providerTag + ":" + model
	streamCtx, cancel := context.WithCancel(ctx)

	body, err := base.Do(streamCtx, p.runner, backend, req.EstimatedTotalTokens(), func(ctx context.Context) (io.ReadCloser, error) {
		out, callErr := p.client.PostStream(ctx, "/api/chat", p.buildRequest(req, model, true), nil)
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

		scanner := base.NewNDJSONScanner(body, p.logger)
		var usage types.Usage
		finish := types.FinishReason("")

		for {
			var line chatResponse
			scanErr := scanner.NextJSON(&line)
			if scanErr != nil {
				if !errors.Is(scanErr, io.EOF) {
					if streamCtx.Err() != nil {
						finish = types.FinishCancelled
					} else {
						reader.Fail(types.WrapError(types.KindUpstream5xx, "stream read failed", scanErr).WithBackend(providerTag, model))
						finish = types.FinishError
					}
				}
				break
			}

			if line.Done {
				usage = types.Usage{
					PromptTokens:     line.PromptEvalCount,
					CompletionTokens: line.EvalCount,
				}
				usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
				finish = base.MapFinishReason(line.DoneReason)
				break
			}
			if line.Message.Content == "" {
				continue
			}
			select {
			case chunks <- &types.StreamChunk{DeltaText: line.Message.Content, DeltaTokens: 1, Raw: line}:
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
