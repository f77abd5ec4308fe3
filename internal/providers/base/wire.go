package base

import (
	"github.com/mysticmarks/llm-runner-router/internal/types"
)

// OpenAI-compatible wire schema, used by raw-wire adapters whose extra
// fields (e.g. OpenRouter's provider preferences) the SDK cannot express.

// ChatMessage is one wire-format chat message.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatTool is a wire-format tool declaration.
type ChatTool struct {
	Type     string       `json:"type"`
	Function ChatFunction `json:"function"`
}

// ChatFunction describes a callable function.
type ChatFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// ChatRequest is the chat/completions request body.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	TopP        float64       `json:"top_p,omitempty"`
	TopK        int           `json:"top_k,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	Seed        *int          `json:"seed,omitempty"`
	Tools       []ChatTool    `json:"tools,omitempty"`

	// OpenRouter extension: ordered upstream vendor preferences.
	Provider *ProviderPreference `json:"provider,omitempty"`

	// Ask compatible endpoints to attach usage to the final stream chunk.
	StreamOptions *StreamOptions `json:"stream_options,omitempty"`
}

// ProviderPreference is OpenRouter's routing preference object.
type ProviderPreference struct {
	Order          []string `json:"order,omitempty"`
	AllowFallbacks *bool    `json:"allow_fallbacks,omitempty"`
}

// StreamOptions mirrors the OpenAI stream_options object.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// ChatUsage is the wire-format usage block.
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is the unary chat/completions response body.
type ChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int         `json:"index"`
		Message      ChatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage *ChatUsage `json:"usage,omitempty"`
}

// ChatStreamChunk is one SSE frame of a streamed chat/completions call.
type ChatStreamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Role    string `json:"role,omitempty"`
			Content string `json:"content,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Usage *ChatUsage `json:"usage,omitempty"`
}

// BuildChatRequest maps the canonical request onto the OpenAI wire schema.
func BuildChatRequest(req *types.GenerationRequest, model string) ChatRequest {
	out := ChatRequest{
		Model:       model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		TopK:        req.TopK,
		Stop:        req.Stop,
		Stream:      req.Stream,
		Seed:        req.Seed,
	}
	for _, m := range req.AsMessages() {
		out.Messages = append(out.Messages, ChatMessage{Role: string(m.Role), Content: m.Content})
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, ChatTool{
			Type: "function",
			Function: ChatFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

// MapFinishReason translates a provider finish reason into the canonical
// set; unknown values map to error.
func MapFinishReason(reason string) types.FinishReason {
	switch reason {
	case "stop", "end_turn", "stop_sequence", "done":
		return types.FinishStop
	case "length", "max_tokens":
		return types.FinishLength
	case "content_filter", "refusal":
		return types.FinishContentFilter
	case "tool_calls", "tool_use", "function_call":
		return types.FinishToolCall
	case "":
		return ""
	default:
		return types.FinishError
	}
}

// CostUSD computes request cost from usage at the given per-million price.
func CostUSD(usage types.Usage, inputPerMillion, outputPerMillion float64) float64 {
	return (float64(usage.PromptTokens)*inputPerMillion +
		float64(usage.CompletionTokens)*outputPerMillion) / 1_000_000
}
