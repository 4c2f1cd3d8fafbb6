package inference

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/samcharles93/jovia/internal/generation"
	"github.com/samcharles93/jovia/internal/logger"
	"github.com/samcharles93/jovia/internal/metrics"
	"github.com/samcharles93/jovia/internal/model"
	"github.com/samcharles93/jovia/internal/tokenizer"
)

// EngineImpl is the Engine over one shared backend and tokenizer.
type EngineImpl struct {
	shared     *model.Shared
	tokenizer  tokenizer.Tokenizer
	template   Template
	eosToken   string
	buffer     int
	maxPending int
	log        logger.Logger
	metrics    *metrics.Collectors
}

// NewEngine assembles an engine. eosToken must already be resolved.
func NewEngine(shared *model.Shared, tok tokenizer.Tokenizer, tpl Template, eosToken string, log logger.Logger, m *metrics.Collectors) *EngineImpl {
	if log == nil {
		log = logger.Discard()
	}
	return &EngineImpl{
		shared:    shared,
		tokenizer: tok,
		template:  tpl,
		eosToken:  eosToken,
		log:       log,
		metrics:   m,
	}
}

func (e *EngineImpl) Shared() *model.Shared          { return e.shared }
func (e *EngineImpl) Tokenizer() tokenizer.Tokenizer { return e.tokenizer }
func (e *EngineImpl) Template() Template             { return e.template }
func (e *EngineImpl) EOSToken() string               { return e.eosToken }

func (e *EngineImpl) Close() error { return nil }

// RenderPrompt returns the exact text the tokenizer will see for req.
func (e *EngineImpl) RenderPrompt(req *Request) string {
	return RenderPrompt(e.template, req)
}

func (e *EngineImpl) Start(ctx context.Context, req *Request) (*generation.Handle, error) {
	if req == nil {
		return nil, &generation.InputError{Reason: "request is required"}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg := req.Config
	if cfg.EOSToken == "" {
		cfg.EOSToken = e.eosToken
	}
	s, err := generation.NewSession(e.shared, e.tokenizer, cfg,
		generation.WithLogger(e.log),
		generation.WithMetrics(e.metrics),
		generation.WithRawTokens(req.RawTokens),
		generation.WithBuffer(e.buffer),
		generation.WithMaxPending(e.maxPending),
	)
	if err != nil {
		return nil, err
	}
	return s.Start(e.RenderPrompt(req))
}

func (e *EngineImpl) Generate(ctx context.Context, req *Request, stream StreamFunc) (*Result, error) {
	h, err := e.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	if req.EchoPrompt && stream != nil {
		stream(e.RenderPrompt(req))
	}

	var sb strings.Builder
	for frag, err := range h.Fragments(ctx) {
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			return nil, fmt.Errorf("generate: %w", err)
		}
		sb.WriteString(frag.Text)
		if stream != nil {
			stream(frag.Text)
		}
	}
	stats, err := h.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return &Result{Text: sb.String(), Tokens: h.Tokens()[stats.PromptTokens:], Stats: stats}, nil
}
