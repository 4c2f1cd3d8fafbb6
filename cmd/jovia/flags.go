package main

import (
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/jovia/internal/generation"
	"github.com/samcharles93/jovia/internal/inference"
	"github.com/samcharles93/jovia/internal/model"
	"github.com/samcharles93/jovia/internal/tokenizer"
)

var (
	configFile string
	logLevel   string
	logFormat  string
	debug      bool

	modelID     string
	backendKind string
	modelName   string
	vocabSize   int64
	hidden      int64
	layers      int64
	maxSeqLen   int64
	modelSeed   int64
	weightDType string
	cacheType   string
	noKVCache   bool

	tokenizerKind   string
	tokenizerJSON   string
	tokenizerConfig string
	tiktokenEnc     string
	templateName    string
	eosToken        string

	seed          int64
	temperature   float64
	topP          float64
	repeatPenalty float64
	repeatLastN   int64
	sampleLen     int64
	system        string
)

func rootFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml (default: user config dir)",
			Destination: &configFile,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "model name from the config file models table",
			Destination: &modelID,
		},
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "compute backend (toy, hash)",
			Value:       string(model.KindToy),
			Destination: &backendKind,
		},
		&cli.StringFlag{
			Name:        "name",
			Usage:       "model name reported by the server and in logs",
			Destination: &modelName,
		},
		&cli.Int64Flag{
			Name:        "vocab-size",
			Usage:       "backend vocabulary size (default: tokenizer vocabulary)",
			Destination: &vocabSize,
		},
		&cli.Int64Flag{
			Name:        "hidden",
			Usage:       "hidden width of the toy backend",
			Value:       model.DefaultHidden,
			Destination: &hidden,
		},
		&cli.Int64Flag{
			Name:        "layers",
			Usage:       "number of cached layers",
			Value:       model.DefaultLayers,
			Destination: &layers,
		},
		&cli.Int64Flag{
			Name:        "max-seq-len",
			Aliases:     []string{"max-context", "ctx"},
			Usage:       "maximum sequence length held by the KV cache",
			Value:       model.DefaultMaxSeqLen,
			Destination: &maxSeqLen,
		},
		&cli.Int64Flag{
			Name:        "model-seed",
			Usage:       "seed for backend weights",
			Value:       model.DefaultSeed,
			Destination: &modelSeed,
		},
		&cli.StringFlag{
			Name:        "dtype",
			Usage:       "weight precision (f32, f16)",
			Value:       "f32",
			Destination: &weightDType,
		},
		&cli.StringFlag{
			Name:        "cache-type",
			Aliases:     []string{"ctk"},
			Usage:       "KV cache precision (f32, f16)",
			Value:       "f32",
			Destination: &cacheType,
		},
		&cli.BoolFlag{
			Name:        "no-kv-cache",
			Usage:       "replay the full sequence every step instead of caching",
			Destination: &noKVCache,
		},
	}
}

func commonTokenizerFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "tokenizer",
			Usage:       "tokenizer kind (byte, hf, tiktoken)",
			Value:       string(tokenizer.KindByte),
			Destination: &tokenizerKind,
		},
		&cli.StringFlag{
			Name:        "tokenizer-json",
			Usage:       "path to tokenizer.json (hf tokenizer)",
			Destination: &tokenizerJSON,
		},
		&cli.StringFlag{
			Name:        "tokenizer-config",
			Usage:       "path to tokenizer_config.json (hf tokenizer)",
			Destination: &tokenizerConfig,
		},
		&cli.StringFlag{
			Name:        "encoding",
			Usage:       "tiktoken encoding name",
			Value:       tokenizer.DefaultEncoding,
			Destination: &tiktokenEnc,
		},
		&cli.StringFlag{
			Name:        "template",
			Usage:       "prompt template (zephyr, chatml, raw) or path to a YAML template",
			Value:       "zephyr",
			Destination: &templateName,
		},
		&cli.StringFlag{
			Name:        "eos-token",
			Usage:       "end-of-sequence token (default: first known of " + strings.Join(inference.EOSCandidates, ", ") + ")",
			Destination: &eosToken,
		},
	}
}

func samplingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "sampling RNG seed",
			Value:       int64(generation.DefaultSeed),
			Destination: &seed,
		},
		&cli.Float64Flag{
			Name:        "temperature",
			Aliases:     []string{"temp", "t"},
			Usage:       "sampling temperature (unset = greedy)",
			Destination: &temperature,
		},
		&cli.Float64Flag{
			Name:        "top-p",
			Aliases:     []string{"top_p", "topp"},
			Usage:       "nucleus sampling probability cutoff (unset = disabled)",
			Destination: &topP,
		},
		&cli.Float64Flag{
			Name:        "repeat-penalty",
			Aliases:     []string{"repeat_penalty"},
			Usage:       "repetition penalty (1.0 = disabled)",
			Value:       1.1,
			Destination: &repeatPenalty,
		},
		&cli.Int64Flag{
			Name:        "repeat-last-n",
			Aliases:     []string{"repeat_last_n"},
			Usage:       "context size considered by the repeat penalty",
			Value:       generation.DefaultRepeatLastN,
			Destination: &repeatLastN,
		},
		&cli.Int64Flag{
			Name:        "sample-len",
			Aliases:     []string{"n", "steps"},
			Usage:       "maximum number of tokens to sample",
			Value:       generation.DefaultSampleLen,
			Destination: &sampleLen,
		},
		&cli.StringFlag{
			Name:        "system",
			Aliases:     []string{"sys"},
			Usage:       "optional system prompt",
			Destination: &system,
		},
	}
}

// modelSpec layers explicitly set flags over the config file backend.
func modelSpec(cmd *cli.Command, cfg Config) model.Spec {
	spec := cfg.Backend
	if cmd.IsSet("backend") || spec.Kind == "" {
		spec.Kind = model.Kind(backendKind)
	}
	if cmd.IsSet("name") {
		spec.Name = modelName
	}
	if cmd.IsSet("vocab-size") {
		spec.VocabSize = int(vocabSize)
	}
	if cmd.IsSet("hidden") {
		spec.Hidden = int(hidden)
	}
	if cmd.IsSet("layers") {
		spec.Layers = int(layers)
	}
	if cmd.IsSet("max-seq-len") {
		spec.MaxSeqLen = int(maxSeqLen)
	}
	if cmd.IsSet("model-seed") {
		spec.Seed = modelSeed
	}
	if cmd.IsSet("dtype") {
		spec.DType = weightDType
	}
	if cmd.IsSet("cache-type") {
		spec.CacheDType = cacheType
	}
	if cmd.IsSet("no-kv-cache") {
		spec.NoKVCache = noKVCache
	}
	return spec
}

func tokenizerSpec(cmd *cli.Command, cfg Config) tokenizer.Spec {
	spec := cfg.Tokenizer
	if cmd.IsSet("tokenizer") || spec.Kind == "" {
		spec.Kind = tokenizer.Kind(tokenizerKind)
	}
	if cmd.IsSet("tokenizer-json") {
		spec.Path = tokenizerJSON
	}
	if cmd.IsSet("tokenizer-config") {
		spec.ConfigPath = tokenizerConfig
	}
	if cmd.IsSet("encoding") || spec.Encoding == "" {
		spec.Encoding = tiktokenEnc
	}
	return spec
}

// loaderFor assembles the engine loader from flags and the config file.
func loaderFor(cmd *cli.Command, cfg Config) inference.Loader {
	l := inference.Loader{
		Model:     modelSpec(cmd, cfg),
		Tokenizer: tokenizerSpec(cmd, cfg),
		Template:  cfg.Template,
	}
	if cfg.EOSToken != nil {
		l.EOSToken = *cfg.EOSToken
	}
	if cmd.IsSet("template") || l.Template == "" {
		l.Template = templateName
	}
	if cmd.IsSet("eos-token") {
		l.EOSToken = eosToken
	}
	return l
}

// requestOptions carries only the sampling flags given on the command
// line; everything else resolves from the config file and stock defaults.
func requestOptions(cmd *cli.Command) inference.RequestOptions {
	var opts inference.RequestOptions
	if cmd.IsSet("seed") {
		v := uint64(seed)
		opts.Seed = &v
	}
	if cmd.IsSet("temperature") {
		v := temperature
		opts.Temperature = &v
	}
	if cmd.IsSet("top-p") {
		v := topP
		opts.TopP = &v
	}
	if cmd.IsSet("repeat-penalty") {
		v := repeatPenalty
		opts.RepeatPenalty = &v
	}
	if cmd.IsSet("repeat-last-n") {
		v := int(repeatLastN)
		opts.RepeatLastN = &v
	}
	if cmd.IsSet("sample-len") {
		v := int(sampleLen)
		opts.SampleLen = &v
	}
	if cmd.IsSet("system") {
		v := system
		opts.System = &v
	}
	return opts
}
