package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/jovia/internal/generation"
	"github.com/samcharles93/jovia/internal/inference"
	"github.com/samcharles93/jovia/internal/reasoning"
)

// ChatCompletionRequest is an OpenAI style chat body. Messages are folded
// into the prompt template's system, history and prompt slots.
type ChatCompletionRequest struct {
	Model               string        `json:"model,omitempty"`
	Messages            []ChatMessage `json:"messages"`
	Stream              *bool         `json:"stream,omitempty"`
	MaxCompletionTokens *int          `json:"max_completion_tokens,omitempty"`
	SamplingParams
}

type ChatMessage struct {
	Role    string `json:"role,omitempty"`
	Content any    `json:"content"`
	// ReasoningContent carries <think> blocks split out of the reply.
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

type ChatChoice struct {
	Index        int          `json:"index"`
	Message      *ChatMessage `json:"message,omitempty"`
	Delta        *ChatMessage `json:"delta,omitempty"`
	FinishReason *string      `json:"finish_reason"`
}

type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   Usage        `json:"usage"`
}

type ChatCompletionChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []ChatChoice   `json:"choices"`
	Usage   *Usage         `json:"usage,omitempty"`
	Error   *ResponseError `json:"error,omitempty"`
}

func (s *Server) handleChatCompletions(c *echo.Context) error {
	if s.provider == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "engine provider not configured", "", "")
	}
	req, err := decodeJSON[ChatCompletionRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if len(req.Messages) == 0 {
		return writeBadRequest(c, "messages is required and must not be empty")
	}
	opts, err := chatMessagesToOptions(req.Messages)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if req.MaxCompletionTokens != nil {
		req.MaxTokens = req.MaxCompletionTokens
	}
	req.SamplingParams.apply(&opts)

	ctx := c.Request().Context()
	loaded, err := s.provider.Engine(ctx, req.Model)
	if err != nil {
		return writeErr(c, err)
	}
	inferReq := inference.ResolveRequest(opts, loaded.Defaults)
	id := "chatcmpl-" + uuid.NewString()
	created := s.clock().Unix()

	if boolValue(req.Stream) {
		return s.streamChat(c, loaded, &inferReq, id, created)
	}

	result, err := loaded.Engine.Generate(ctx, &inferReq, nil)
	if err != nil {
		return writeErr(c, err)
	}
	reason := finishReason(result.Stats.Reason)
	return c.JSON(http.StatusOK, ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: created,
		Model:   loaded.Name,
		Choices: []ChatChoice{{
			Message:      assistantMessage(result.Text),
			FinishReason: &reason,
		}},
		Usage: toUsage(result.Stats),
	})
}

func (s *Server) streamChat(c *echo.Context, loaded *LoadedEngine, req *inference.Request, id string, created int64) error {
	ctx := c.Request().Context()
	h, err := loaded.Engine.Start(ctx, req)
	if err != nil {
		return writeErr(c, err)
	}
	w, err := NewSSEStreamWriter(c)
	if err != nil {
		h.Detach()
		return writeBadRequest(c, err.Error())
	}

	chunk := func(choice ChatChoice) ChatCompletionChunk {
		return ChatCompletionChunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   loaded.Name,
			Choices: []ChatChoice{choice},
		}
	}
	if err := w.Send(chunk(ChatChoice{Delta: &ChatMessage{Role: "assistant"}})); err != nil {
		h.Detach()
		return nil
	}
	var split reasoning.Splitter
	return relay(ctx, w, h, relayFuncs{
		fragment: func(f generation.Fragment) any {
			content, thought := split.Push(f.Text)
			if content == "" && thought == "" {
				return nil
			}
			return chunk(ChatChoice{Delta: deltaMessage(content, thought)})
		},
		finished: func(st generation.Stats) any {
			reason := finishReason(st.Reason)
			ch := chunk(ChatChoice{Delta: deltaMessage(split.Flush()), FinishReason: &reason})
			usage := toUsage(st)
			ch.Usage = &usage
			return ch
		},
		failed: func(err error) any {
			_, errType := errorStatus(err)
			ch := chunk(ChatChoice{Delta: &ChatMessage{}})
			ch.Error = &ResponseError{Message: err.Error(), Type: errType}
			return ch
		},
	})
}

// chatMessagesToOptions folds system messages into one system prompt,
// user/assistant pairs into history, and the trailing user message into the
// prompt.
func chatMessagesToOptions(msgs []ChatMessage) (inference.RequestOptions, error) {
	var (
		opts    inference.RequestOptions
		system  []string
		pending []string
	)
	for i, m := range msgs {
		text, err := messageText(m.Content)
		if err != nil {
			return opts, fmt.Errorf("messages[%d]: %w", i, err)
		}
		switch m.Role {
		case "system", "developer":
			system = append(system, text)
		case "user":
			pending = append(pending, text)
		case "assistant":
			opts.History = append(opts.History, inference.Turn{
				User:      strings.Join(pending, "\n"),
				Assistant: text,
			})
			pending = nil
		default:
			return opts, fmt.Errorf("messages[%d]: unsupported role %q", i, m.Role)
		}
	}
	if len(pending) == 0 {
		return opts, fmt.Errorf("last message must be from the user")
	}
	opts.Prompt = strings.Join(pending, "\n")
	if len(system) > 0 {
		sys := strings.Join(system, "\n")
		opts.System = &sys
	}
	return opts, nil
}

func messageText(content any) (string, error) {
	switch v := content.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []any:
		var parts []string
		for _, raw := range v {
			pm, ok := raw.(map[string]any)
			if !ok {
				return "", fmt.Errorf("invalid content part")
			}
			typ, _ := pm["type"].(string)
			if typ != "text" && typ != "input_text" {
				return "", fmt.Errorf("unsupported content type %q", typ)
			}
			if text, ok := pm["text"].(string); ok {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, "\n"), nil
	default:
		return "", fmt.Errorf("message content: unsupported type")
	}
}

func assistantMessage(text string) *ChatMessage {
	out := reasoning.SplitRaw(text)
	return &ChatMessage{Role: "assistant", Content: out.Content, ReasoningContent: out.Reasoning}
}

func deltaMessage(content, thought string) *ChatMessage {
	m := &ChatMessage{ReasoningContent: thought}
	if content != "" {
		m.Content = content
	}
	return m
}
