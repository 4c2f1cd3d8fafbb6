package api

import (
	"github.com/samcharles93/jovia/internal/generation"
	"github.com/samcharles93/jovia/internal/inference"
)

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}

// SamplingParams are the generation knobs shared by every request body.
type SamplingParams struct {
	Seed          *uint64  `json:"seed,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	TopP          *float64 `json:"top_p,omitempty"`
	RepeatPenalty *float64 `json:"repeat_penalty,omitempty"`
	RepeatLastN   *int     `json:"repeat_last_n,omitempty"`
	MaxTokens     *int     `json:"max_tokens,omitempty"`
	EOSToken      *string  `json:"eos_token,omitempty"`
	RawTokens     *bool    `json:"raw_tokens,omitempty"`
}

func (p SamplingParams) apply(opts *inference.RequestOptions) {
	opts.Seed = p.Seed
	opts.Temperature = p.Temperature
	opts.TopP = p.TopP
	opts.RepeatPenalty = p.RepeatPenalty
	opts.RepeatLastN = p.RepeatLastN
	opts.SampleLen = p.MaxTokens
	opts.EOSToken = p.EOSToken
	opts.RawTokens = p.RawTokens
}

// CompletionRequest is the body of POST /v1/completions and
// POST /v1/sessions.
type CompletionRequest struct {
	Model      string  `json:"model,omitempty"`
	Prompt     string  `json:"prompt"`
	System     *string `json:"system,omitempty"`
	NoTemplate *bool   `json:"no_template,omitempty"`
	Stream     *bool   `json:"stream,omitempty"`
	SamplingParams
}

func (r *CompletionRequest) options() inference.RequestOptions {
	opts := inference.RequestOptions{
		Prompt:     r.Prompt,
		System:     r.System,
		NoTemplate: r.NoTemplate,
	}
	r.SamplingParams.apply(&opts)
	return opts
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type CompletionResponse struct {
	ID              string  `json:"id"`
	Object          string  `json:"object"`
	Created         int64   `json:"created"`
	Model           string  `json:"model"`
	Text            string  `json:"text"`
	FinishReason    string  `json:"finish_reason"`
	Usage           Usage   `json:"usage"`
	TokensPerSecond float64 `json:"tokens_per_second"`
}

// CompletionChunk is one SSE event of a streamed completion.
type CompletionChunk struct {
	ID           string         `json:"id"`
	Object       string         `json:"object"`
	Created      int64          `json:"created"`
	Model        string         `json:"model"`
	Delta        string         `json:"delta,omitempty"`
	Token        *int           `json:"token,omitempty"`
	FinishReason string         `json:"finish_reason,omitempty"`
	Usage        *Usage         `json:"usage,omitempty"`
	Error        *ResponseError `json:"error,omitempty"`
}

type SessionStats struct {
	PromptTokens    int     `json:"prompt_tokens"`
	TokensGenerated int     `json:"tokens_generated"`
	Position        int     `json:"position"`
	DurationMS      int64   `json:"duration_ms"`
	TokensPerSecond float64 `json:"tokens_per_second"`
	Reason          string  `json:"reason,omitempty"`
}

type SessionResponse struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Model   string        `json:"model"`
	Created int64         `json:"created"`
	Status  string        `json:"status"`
	Stats   *SessionStats `json:"stats,omitempty"`
}

// SessionEvent is one poll result: fragment, empty, finished or error.
type SessionEvent struct {
	Type  string         `json:"type"`
	Text  string         `json:"text,omitempty"`
	Token *int           `json:"token,omitempty"`
	Stats *SessionStats  `json:"stats,omitempty"`
	Error *ResponseError `json:"error,omitempty"`
}

type DeleteSessionResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

func toSessionStats(st generation.Stats) *SessionStats {
	return &SessionStats{
		PromptTokens:    st.PromptTokens,
		TokensGenerated: st.TokensGenerated,
		Position:        st.Position,
		DurationMS:      st.Duration.Milliseconds(),
		TokensPerSecond: st.TPS,
		Reason:          string(st.Reason),
	}
}

func toUsage(st generation.Stats) Usage {
	return Usage{
		PromptTokens:     st.PromptTokens,
		CompletionTokens: st.TokensGenerated,
		TotalTokens:      st.PromptTokens + st.TokensGenerated,
	}
}

// finishReason follows the OpenAI vocabulary: "length" when the token
// budget ran out, "stop" otherwise.
func finishReason(r generation.StopReason) string {
	if r == generation.ReasonMaxTokens {
		return "length"
	}
	return "stop"
}
