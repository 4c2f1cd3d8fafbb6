package inference

import "github.com/samcharles93/jovia/internal/generation"

// RequestOptions carries caller overrides; nil fields fall back to the
// engine defaults and then to generation.DefaultConfig.
type RequestOptions struct {
	Prompt  string
	System  *string
	History []Turn

	SampleLen     *int
	Seed          *uint64
	Temperature   *float64
	TopP          *float64
	RepeatPenalty *float64
	RepeatLastN   *int
	EOSToken      *string

	NoTemplate *bool
	RawTokens  *bool
	EchoPrompt *bool
}

// GenDefaults are deployment level defaults, typically from the config
// file.
type GenDefaults struct {
	System        *string  `yaml:"system"`
	SampleLen     *int     `yaml:"sample_len"`
	Seed          *uint64  `yaml:"seed"`
	Temperature   *float64 `yaml:"temperature"`
	TopP          *float64 `yaml:"top_p"`
	RepeatPenalty *float64 `yaml:"repeat_penalty"`
	RepeatLastN   *int     `yaml:"repeat_last_n"`
	EOSToken      *string  `yaml:"eos_token"`
}

// ResolveRequest layers opts over defaults over the stock config. An
// empty EOSToken is left for the engine to fill.
func ResolveRequest(opts RequestOptions, defaults GenDefaults) Request {
	cfg := generation.DefaultConfig()
	cfg.EOSToken = ""
	req := Request{
		Prompt:  opts.Prompt,
		History: opts.History,
	}

	if defaults.System != nil {
		req.System = *defaults.System
	}
	if defaults.SampleLen != nil {
		cfg.SampleLen = *defaults.SampleLen
	}
	if defaults.Seed != nil {
		cfg.Seed = *defaults.Seed
	}
	if defaults.Temperature != nil && *defaults.Temperature > 0 {
		cfg.Temperature = defaults.Temperature
	}
	if defaults.TopP != nil && *defaults.TopP > 0 && *defaults.TopP <= 1 {
		cfg.TopP = defaults.TopP
	}
	if defaults.RepeatPenalty != nil && *defaults.RepeatPenalty > 0 {
		cfg.RepeatPenalty = float32(*defaults.RepeatPenalty)
	}
	if defaults.RepeatLastN != nil {
		cfg.RepeatLastN = *defaults.RepeatLastN
	}
	if defaults.EOSToken != nil {
		cfg.EOSToken = *defaults.EOSToken
	}

	if opts.System != nil {
		req.System = *opts.System
	}
	if opts.SampleLen != nil {
		cfg.SampleLen = *opts.SampleLen
	}
	if opts.Seed != nil {
		cfg.Seed = *opts.Seed
	}
	if opts.Temperature != nil {
		cfg.Temperature = opts.Temperature
	}
	if opts.TopP != nil {
		cfg.TopP = opts.TopP
	}
	if opts.RepeatPenalty != nil {
		cfg.RepeatPenalty = float32(*opts.RepeatPenalty)
	}
	if opts.RepeatLastN != nil {
		cfg.RepeatLastN = *opts.RepeatLastN
	}
	if opts.EOSToken != nil {
		cfg.EOSToken = *opts.EOSToken
	}
	if opts.NoTemplate != nil {
		req.NoTemplate = *opts.NoTemplate
	}
	if opts.RawTokens != nil {
		req.RawTokens = *opts.RawTokens
	}
	if opts.EchoPrompt != nil {
		req.EchoPrompt = *opts.EchoPrompt
	}

	req.Config = cfg
	return req
}
