package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/jovia/internal/api"
	"github.com/samcharles93/jovia/internal/inference"
)

// backendFlagNames are the flags that describe a single model on the
// command line. Any of them wins over the config file models table.
var backendFlagNames = []string{
	"backend", "name", "vocab-size", "hidden", "layers", "max-seq-len", "model-seed",
	"dtype", "cache-type", "no-kv-cache", "tokenizer", "tokenizer-json",
	"tokenizer-config", "encoding", "template", "eos-token",
}

func backendFlagsSet(cmd *cli.Command) bool {
	for _, name := range backendFlagNames {
		if cmd.IsSet(name) {
			return true
		}
	}
	return false
}

// chosenModel is what run and bench load.
type chosenModel struct {
	Name     string
	Loader   inference.Loader
	Defaults inference.GenDefaults
}

func loaderFromModelConfig(mc api.ModelConfig) inference.Loader {
	return inference.Loader{
		Model:     mc.Backend,
		Tokenizer: mc.Tokenizer,
		Template:  mc.Template,
		EOSToken:  mc.EOSToken,
	}
}

// resolveRunModel picks the model for run and bench: --model names an
// entry of the models table, explicit backend flags describe one inline,
// and otherwise the table is consulted with a prompt when it is ambiguous.
func resolveRunModel(cmd *cli.Command, cfg Config, stdin io.Reader, stderr io.Writer) (chosenModel, error) {
	if name := strings.TrimSpace(modelID); name != "" {
		mc, ok := cfg.Models[name]
		if !ok {
			return chosenModel{}, fmt.Errorf("model %q not found in config (have %s)", name, strings.Join(sortedModels(cfg), ", "))
		}
		return fromTable(name, mc), nil
	}

	if len(cfg.Models) == 0 || backendFlagsSet(cmd) {
		l := loaderFor(cmd, cfg)
		name := l.Model.Name
		if name == "" {
			name = string(l.Model.Kind)
		}
		return chosenModel{Name: name, Loader: l, Defaults: cfg.GenDefaults}, nil
	}

	names := sortedModels(cfg)
	switch {
	case cfg.DefaultModel != "":
		mc, ok := cfg.Models[cfg.DefaultModel]
		if !ok {
			return chosenModel{}, fmt.Errorf("default_model %q not found in config", cfg.DefaultModel)
		}
		return fromTable(cfg.DefaultModel, mc), nil
	case len(names) == 1:
		_, _ = fmt.Fprintf(stderr, "run: using model %s\n", names[0])
		return fromTable(names[0], cfg.Models[names[0]]), nil
	case !stdinIsTTY():
		return chosenModel{}, errors.New("multiple models configured but stdin is not interactive; set --model")
	}
	name, err := selectModelInteractively(names, stdin, stderr)
	if err != nil {
		return chosenModel{}, err
	}
	return fromTable(name, cfg.Models[name]), nil
}

func fromTable(name string, mc api.ModelConfig) chosenModel {
	l := loaderFromModelConfig(mc)
	if l.Model.Name == "" {
		l.Model.Name = name
	}
	return chosenModel{Name: name, Loader: l, Defaults: mc.Defaults}
}

func sortedModels(cfg Config) []string {
	return slices.Sorted(maps.Keys(cfg.Models))
}

// serveModels returns the provider table: the config file models, or a
// single model described by flags.
func serveModels(cmd *cli.Command, cfg Config) (map[string]api.ModelConfig, string) {
	if len(cfg.Models) > 0 && !backendFlagsSet(cmd) {
		def := cfg.DefaultModel
		if modelID != "" {
			def = modelID
		}
		return cfg.Models, def
	}
	l := loaderFor(cmd, cfg)
	name := l.Model.Name
	if name == "" {
		name = string(l.Model.Kind)
	}
	return map[string]api.ModelConfig{
		name: {
			Backend:   l.Model,
			Tokenizer: l.Tokenizer,
			Template:  l.Template,
			EOSToken:  l.EOSToken,
			Defaults:  cfg.GenDefaults,
		},
	}, name
}

func selectModelInteractively(models []string, stdin io.Reader, stderr io.Writer) (string, error) {
	if len(models) == 0 {
		return "", errors.New("no models configured")
	}

	_, _ = fmt.Fprintln(stderr, "run: select a model")
	for i, m := range models {
		_, _ = fmt.Fprintf(stderr, "%d. %s\n", i+1, m)
	}

	reader := bufio.NewReader(stdin)
	for {
		_, _ = fmt.Fprintf(stderr, "run: enter selection [1-%d]: ", len(models))
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			if errors.Is(err, io.EOF) {
				return "", errors.New("no selection provided on stdin; set --model")
			}
			continue
		}

		idx, convErr := strconv.Atoi(line)
		if convErr != nil || idx < 1 || idx > len(models) {
			_, _ = fmt.Fprintf(stderr, "run: invalid selection %q\n", line)
			if errors.Is(err, io.EOF) {
				return "", errors.New("invalid selection provided on stdin; set --model")
			}
			continue
		}
		return models[idx-1], nil
	}
}
