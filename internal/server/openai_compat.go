package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/mysticmarks/llm-runner-router/internal/types"
)

// OpenAI-compatible ingress: /v1/chat/completions accepts the OpenAI chat
// schema for drop-in clients; requests are translated to the canonical
// envelope on the way in and back on the way out.

type openAIChatRequest struct {
	Model       string              `json:"model"`
	Messages    []openAIChatMessage `json:"messages"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
	Temperature float64             `json:"temperature,omitempty"`
	TopP        float64             `json:"top_p,omitempty"`
	Stop        []string            `json:"stop,omitempty"`
	Stream      bool                `json:"stream,omitempty"`
	Seed        *int                `json:"seed,omitempty"`
	Tools       []openAIChatTool    `json:"tools,omitempty"`
	User        string              `json:"user,omitempty"`
}

type openAIChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string                 `json:"name"`
		Description string                 `json:"description,omitempty"`
		Parameters  map[string]interface{} `json:"parameters,omitempty"`
	} `json:"function"`
}

type openAIChatResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []openAIChatChoice `json:"choices"`
	Usage   *types.Usage       `json:"usage,omitempty"`
}

type openAIChatChoice struct {
	Index        int                `json:"index"`
	Message      *openAIChatMessage `json:"message,omitempty"`
	Delta        *openAIChatMessage `json:"delta,omitempty"`
	FinishReason string             `json:"finish_reason,omitempty"`
}

// canonicalFromOpenAI translates the OpenAI schema into the canonical
// request envelope.
func canonicalFromOpenAI(in *openAIChatRequest) *types.GenerationRequest {
	out := &types.GenerationRequest{
		ModelHint:   in.Model,
		MaxTokens:   in.MaxTokens,
		Temperature: in.Temperature,
		TopP:        in.TopP,
		Stop:        in.Stop,
		Stream:      in.Stream,
		Seed:        in.Seed,
		UserTag:     in.User,
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = 1024
	}
	for _, m := range in.Messages {
		out.Messages = append(out.Messages, types.Message{
			Role:    types.Role(m.Role),
			Content: m.Content,
		})
	}
	for _, t := range in.Tools {
		out.Tools = append(out.Tools, types.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}
	return out
}

// openAIFromCanonical translates a normalized response back into the
// OpenAI schema.
func openAIFromCanonical(id string, resp *types.GenerationResponse) *openAIChatResponse {
	usage := resp.Usage
	return &openAIChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: resp.CreatedAt.Unix(),
		Model:   resp.ModelID,
		Choices: []openAIChatChoice{{
			Index:        0,
			Message:      &openAIChatMessage{Role: "assistant", Content: resp.Text},
			FinishReason: openAIFinishReason(resp.FinishReason),
		}},
		Usage: &usage,
	}
}

func openAIFinishReason(reason types.FinishReason) string {
	switch reason {
	case types.FinishLength:
		return "length"
	case types.FinishContentFilter:
		return "content_filter"
	case types.FinishToolCall:
		return "tool_calls"
	default:
		return "stop"
	}
}

// handleChatCompletions serves the OpenAI-compatible endpoint.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var in openAIChatRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	req := canonicalFromOpenAI(&in)
	if req.UserTag == "" {
		req.UserTag = uuid.NewString()
	}
	responseID := "chatcmpl-" + uuid.NewString()

	if req.Stream {
		s.streamChatCompletions(w, r, responseID, req)
		return
	}

	resp, err := s.router.Generate(r.Context(), req)
	if err != nil {
		s.writeRouterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, openAIFromCanonical(responseID, resp))
}

// streamChatCompletions writes OpenAI-schema stream chunks over SSE.
func (s *Server) streamChatCompletions(w http.ResponseWriter, r *http.Request, responseID string, req *types.GenerationRequest) {
	reader, err := s.router.Stream(r.Context(), req)
	if err != nil {
		s.writeRouterError(w, err)
		return
	}
	defer reader.Abort()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported by connection")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	created := time.Now().Unix()
	for chunk := range reader.Chunks() {
		frame := openAIChatResponse{
			ID:      responseID,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   req.ModelHint,
			Choices: []openAIChatChoice{{Index: 0}},
		}
		if chunk.Terminal() {
			frame.Choices[0].FinishReason = openAIFinishReason(chunk.FinishReason)
			if chunk.Usage != nil {
				frame.Usage = chunk.Usage
			}
		} else {
			frame.Choices[0].Delta = &openAIChatMessage{Content: chunk.DeltaText}
		}

		data, marshalErr := json.Marshal(frame)
		if marshalErr != nil {
			s.logger.WithError(marshalErr).Error("Failed to marshal stream chunk")
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}
