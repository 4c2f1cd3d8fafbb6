package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/jovia/internal/generation"
	"github.com/samcharles93/jovia/internal/inference"
)

func (s *Server) handleCompletions(c *echo.Context) error {
	if s.provider == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "engine provider not configured", "", "")
	}
	req, err := decodeJSON[CompletionRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if req.Prompt == "" {
		return writeBadRequest(c, "prompt is required")
	}

	ctx := c.Request().Context()
	loaded, err := s.provider.Engine(ctx, req.Model)
	if err != nil {
		return writeErr(c, err)
	}
	inferReq := inference.ResolveRequest(req.options(), loaded.Defaults)
	id := "cmpl-" + uuid.NewString()
	created := s.clock().Unix()

	if boolValue(req.Stream) {
		return s.streamCompletion(c, loaded, &inferReq, id, created)
	}

	result, err := loaded.Engine.Generate(ctx, &inferReq, nil)
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, CompletionResponse{
		ID:              id,
		Object:          "text_completion",
		Created:         created,
		Model:           loaded.Name,
		Text:            result.Text,
		FinishReason:    finishReason(result.Stats.Reason),
		Usage:           toUsage(result.Stats),
		TokensPerSecond: result.Stats.TPS,
	})
}

func (s *Server) streamCompletion(c *echo.Context, loaded *LoadedEngine, req *inference.Request, id string, created int64) error {
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

	chunk := func() CompletionChunk {
		return CompletionChunk{ID: id, Object: "text_completion.chunk", Created: created, Model: loaded.Name}
	}
	return relay(ctx, w, h, relayFuncs{
		fragment: func(f generation.Fragment) any {
			ch := chunk()
			ch.Delta = f.Text
			if req.RawTokens {
				ch.Token = &f.Token
			}
			return ch
		},
		finished: func(st generation.Stats) any {
			ch := chunk()
			ch.FinishReason = finishReason(st.Reason)
			usage := toUsage(st)
			ch.Usage = &usage
			return ch
		},
		failed: func(err error) any {
			ch := chunk()
			_, errType := errorStatus(err)
			ch.Error = &ResponseError{Message: err.Error(), Type: errType}
			return ch
		},
	})
}

type relayFuncs struct {
	fragment func(generation.Fragment) any
	finished func(generation.Stats) any
	failed   func(error) any
}

// relay copies a session onto an SSE stream. A client that goes away
// detaches the session; nothing more is written in that case.
func relay(ctx context.Context, w *SSEStreamWriter, h *generation.Handle, fn relayFuncs) error {
	for frag, err := range h.Fragments(ctx) {
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			_ = w.Send(fn.failed(err))
			return w.Done()
		}
		payload := fn.fragment(frag)
		if payload == nil {
			continue
		}
		if err := w.Send(payload); err != nil {
			return nil
		}
	}
	stats, err := h.Wait(ctx)
	if err != nil {
		return nil
	}
	if err := w.Send(fn.finished(stats)); err != nil {
		return nil
	}
	return w.Done()
}
