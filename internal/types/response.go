package types

import "time"

// FinishReason is the canonical reason a generation stopped.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
	FinishToolCall      FinishReason = "tool_call"
	FinishError         FinishReason = "error"
	FinishCancelled     FinishReason = "cancelled"
)

// Usage carries token accounting for one request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// GenerationResponse is the normalized cross-provider reply envelope.
type GenerationResponse struct {
	Text         string                 `json:"text"`
	ModelID      string                 `json:"model_id"`
	Provider     string                 `json:"provider"`
	Usage        Usage                  `json:"usage"`
	CostUSD      float64                `json:"cost_usd"`
	FinishReason FinishReason           `json:"finish_reason"`
	LatencyMS    int64                  `json:"latency_ms"`
	Cached       bool                   `json:"cached"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// StreamChunk is one element of the streamed response sequence. The
// terminal chunk carries the finish reason and, when known, final usage.
type StreamChunk struct {
	DeltaText    string       `json:"delta_text"`
	DeltaTokens  int          `json:"delta_tokens,omitempty"`
	FinishReason FinishReason `json:"finish_reason,omitempty"`
	Usage        *Usage       `json:"usage,omitempty"`
	Raw          interface{}  `json:"raw,omitempty"`
}

// Terminal reports whether this chunk ends the stream.
func (c *StreamChunk) Terminal() bool {
	return c.FinishReason != ""
}
