package types

import (
	"fmt"
	"strings"
	"time"
)

// Capability names a feature a model can serve.
type Capability string

const (
	CapChat       Capability = "chat"
	CapCompletion Capability = "completion"
	CapStreaming  Capability = "streaming"
	CapTools      Capability = "tools"
	CapVision     Capability = "vision"
	CapEmbeddings Capability = "embeddings"
	CapJSONMode   Capability = "json_mode"
)

// ModelDescriptor describes one registered backend model. ID is the
// canonical "provider:model" form.
type ModelDescriptor struct {
	ID                   string       `json:"id" yaml:"id"`
	ProviderTag          string       `json:"provider_tag" yaml:"provider_tag"`
	Capabilities         []Capability `json:"capabilities" yaml:"capabilities"`
	ContextWindow        int          `json:"context_window" yaml:"context_window"`
	InputPricePerMillion float64      `json:"input_price_per_million" yaml:"input_price_per_million"`
	OutputPricePerMillion float64     `json:"output_price_per_million" yaml:"output_price_per_million"`
	DefaultMaxTokens     int          `json:"default_max_tokens,omitempty" yaml:"default_max_tokens,omitempty"`
	QualityScore         float64      `json:"quality_score,omitempty" yaml:"quality_score,omitempty"`
	SpeedScore           float64      `json:"speed_score,omitempty" yaml:"speed_score,omitempty"`
}

// Validate checks the descriptor invariants.
func (d *ModelDescriptor) Validate() error {
	if d.ID == "" {
		return NewError(KindInvalidRequest, "model id is required")
	}
	if !strings.Contains(d.ID, ":") {
		return NewError(KindInvalidRequest, fmt.Sprintf("model id %q must be provider:model", d.ID))
	}
	if d.ProviderTag == "" {
		d.ProviderTag = strings.SplitN(d.ID, ":", 2)[0]
	}
	if len(d.Capabilities) == 0 {
		return NewError(KindInvalidRequest, fmt.Sprintf("model %s must declare at least one capability", d.ID))
	}
	if d.InputPricePerMillion < 0 || d.OutputPricePerMillion < 0 {
		return NewError(KindInvalidRequest, fmt.Sprintf("model %s has negative pricing", d.ID))
	}
	return nil
}

// ModelName returns the bare model name without the provider prefix.
func (d *ModelDescriptor) ModelName() string {
	if i := strings.Index(d.ID, ":"); i >= 0 {
		return d.ID[i+1:]
	}
	return d.ID
}

// HasCapability reports whether the descriptor declares cap.
func (d *ModelDescriptor) HasCapability(cap Capability) bool {
	for _, c := range d.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Cost computes the USD cost of the given usage at this model's prices.
func (d *ModelDescriptor) Cost(u Usage) float64 {
	return (float64(u.PromptTokens)*d.InputPricePerMillion +
		float64(u.CompletionTokens)*d.OutputPricePerMillion) / 1_000_000
}

// WorstCaseCost is the pre-dispatch cost bound for a request: the full
// prompt estimate in, max_tokens out.
func (d *ModelDescriptor) WorstCaseCost(promptTokens, maxTokens int) float64 {
	return d.Cost(Usage{PromptTokens: promptTokens, CompletionTokens: maxTokens})
}

// CircuitState is the per-backend breaker state.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// BackendHealth is the rolling health record for one backend.
type BackendHealth struct {
	OKCountWindow       int          `json:"ok_count_window"`
	FailCountWindow     int          `json:"fail_count_window"`
	AvgLatencyMS        float64      `json:"avg_latency_ms"`
	LastFailureAt       time.Time    `json:"last_failure_at,omitempty"`
	CircuitState        CircuitState `json:"circuit_state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
}
