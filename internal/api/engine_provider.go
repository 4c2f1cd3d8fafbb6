package api

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/samcharles93/jovia/internal/inference"
	"github.com/samcharles93/jovia/internal/logger"
	"github.com/samcharles93/jovia/internal/metrics"
	"github.com/samcharles93/jovia/internal/model"
	"github.com/samcharles93/jovia/internal/tokenizer"
)

// LoadedEngine is a ready engine plus the defaults requests resolve against.
type LoadedEngine struct {
	Name     string
	Engine   inference.Engine
	Defaults inference.GenDefaults
}

type EngineProvider interface {
	Engine(ctx context.Context, modelID string) (*LoadedEngine, error)
	ListModels() ([]string, error)
}

// ModelConfig declares one servable model.
type ModelConfig struct {
	Backend   model.Spec            `yaml:"backend"`
	Tokenizer tokenizer.Spec        `yaml:"tokenizer"`
	Template  string                `yaml:"template"`
	EOSToken  string                `yaml:"eos_token"`
	Defaults  inference.GenDefaults `yaml:"defaults"`
}

type EngineProviderConfig struct {
	Models       map[string]ModelConfig
	DefaultModel string
	// Buffer bounds undelivered fragments per session.
	Buffer  int
	Logger  logger.Logger
	Metrics *metrics.Collectors
}

// CachedEngineProvider loads each model on first use and keeps it.
type CachedEngineProvider struct {
	cfg   EngineProviderConfig
	mu    sync.Mutex
	cache map[string]*LoadedEngine
}

func NewCachedEngineProvider(cfg EngineProviderConfig) *CachedEngineProvider {
	if cfg.Logger == nil {
		cfg.Logger = logger.Discard()
	}
	return &CachedEngineProvider{
		cfg:   cfg,
		cache: make(map[string]*LoadedEngine),
	}
}

func (p *CachedEngineProvider) Engine(ctx context.Context, modelID string) (*LoadedEngine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name, err := p.resolveName(modelID)
	if err != nil {
		return nil, err
	}
	return p.getOrLoad(name)
}

func (p *CachedEngineProvider) getOrLoad(name string) (*LoadedEngine, error) {
	p.mu.Lock()
	entry, ok := p.cache[name]
	p.mu.Unlock()
	if ok {
		return entry, nil
	}

	mc := p.cfg.Models[name]
	if mc.Backend.Name == "" {
		mc.Backend.Name = name
	}
	result, err := inference.Loader{
		Model:     mc.Backend,
		Tokenizer: mc.Tokenizer,
		Template:  mc.Template,
		EOSToken:  mc.EOSToken,
		Buffer:    p.cfg.Buffer,
		Logger:    p.cfg.Logger.With("model", name),
		Metrics:   p.cfg.Metrics,
	}.Load()
	if err != nil {
		return nil, fmt.Errorf("load model %q: %w", name, err)
	}
	newEntry := &LoadedEngine{
		Name:     name,
		Engine:   result.Engine,
		Defaults: mc.Defaults,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.cache[name]; ok {
		_ = result.Engine.Close()
		return existing, nil
	}
	p.cache[name] = newEntry
	return newEntry, nil
}

func (p *CachedEngineProvider) resolveName(modelID string) (string, error) {
	modelID = strings.TrimSpace(modelID)
	if modelID != "" {
		if _, ok := p.cfg.Models[modelID]; ok {
			return modelID, nil
		}
		return "", fmt.Errorf("%w: %q", ErrModelNotFound, modelID)
	}
	if p.cfg.DefaultModel != "" {
		return p.resolveName(p.cfg.DefaultModel)
	}
	switch len(p.cfg.Models) {
	case 0:
		return "", fmt.Errorf("%w: no models configured", ErrModelNotFound)
	case 1:
		for name := range p.cfg.Models {
			return name, nil
		}
	}
	return "", newInvalidRequest("multiple models configured; specify model")
}

func (p *CachedEngineProvider) ListModels() ([]string, error) {
	names := make([]string, 0, len(p.cfg.Models))
	for name := range p.cfg.Models {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

// Close releases every loaded engine.
func (p *CachedEngineProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, entry := range p.cache {
		_ = entry.Engine.Close()
		delete(p.cache, name)
	}
	return nil
}
