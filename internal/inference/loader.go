package inference

import (
	"errors"
	"fmt"

	"github.com/samcharles93/jovia/internal/generation"
	"github.com/samcharles93/jovia/internal/kvcache"
	"github.com/samcharles93/jovia/internal/logger"
	"github.com/samcharles93/jovia/internal/metrics"
	"github.com/samcharles93/jovia/internal/model"
	"github.com/samcharles93/jovia/internal/tokenizer"
)

// Loader builds an engine from declarative specs.
type Loader struct {
	Model     model.Spec
	Tokenizer tokenizer.Spec
	// Template is a built-in template name or a YAML template path.
	Template string
	// EOSToken overrides end-of-sequence detection.
	EOSToken string
	// Buffer bounds undelivered fragments per session; zero is unbounded.
	Buffer int
	// MaxPending forces a fragment after this many buffered ids.
	MaxPending int

	Logger  logger.Logger
	Metrics *metrics.Collectors
}

type LoadResult struct {
	Engine    *EngineImpl
	Backend   model.Backend
	Tokenizer tokenizer.Tokenizer
	Spec      model.Spec
}

// Load resolves the tokenizer first so the backend vocabulary can default
// to the tokenizer's size.
func (l Loader) Load() (*LoadResult, error) {
	tok, err := tokenizer.Load(l.Tokenizer)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	spec := l.Model
	if spec.VocabSize == 0 {
		spec.VocabSize = tok.VocabSize()
	}
	spec = spec.WithDefaults()
	if spec.VocabSize < tok.VocabSize() {
		return nil, fmt.Errorf("backend vocabulary %d smaller than tokenizer vocabulary %d", spec.VocabSize, tok.VocabSize())
	}

	backend, err := model.New(spec)
	switch {
	case errors.Is(err, model.ErrUnsupportedDType):
		return nil, &generation.ConfigurationError{Field: "dtype", Err: err}
	case errors.Is(err, kvcache.ErrUnsupportedDType):
		return nil, &generation.ConfigurationError{Field: "cache_dtype", Err: err}
	case errors.Is(err, model.ErrUnknownKind):
		return nil, &generation.ConfigurationError{Field: "backend", Err: err}
	case err != nil:
		return nil, fmt.Errorf("load backend: %w", err)
	}
	tpl, err := ResolveTemplate(l.Template)
	if err != nil {
		return nil, err
	}
	eos, err := ResolveEOS(tok, l.EOSToken)
	if err != nil {
		return nil, err
	}

	log := l.Logger
	if log == nil {
		log = logger.Discard()
	}
	log.Debug("engine loaded",
		"backend", spec.Name,
		"kind", spec.Kind,
		"vocab", spec.VocabSize,
		"kv_cache", !spec.NoKVCache,
		"template", tpl.Name,
		"eos", eos,
	)

	engine := NewEngine(model.NewShared(backend), tok, tpl, eos, log, l.Metrics)
	engine.buffer = l.Buffer
	engine.maxPending = l.MaxPending
	return &LoadResult{Engine: engine, Backend: backend, Tokenizer: tok, Spec: spec}, nil
}
