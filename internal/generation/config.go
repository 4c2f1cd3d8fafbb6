package generation

import (
	"math"

	"github.com/samcharles93/jovia/internal/logits"
)

const (
	DefaultSeed          uint64  = 299792458
	DefaultSampleLen             = 5000
	DefaultRepeatPenalty float32 = 1.1
	DefaultRepeatLastN           = 64
	DefaultEOSToken              = "<|endoftext|>"
)

// Config holds the per-session sampling knobs.
type Config struct {
	Seed uint64
	// Temperature nil means greedy decoding.
	Temperature *float64
	// TopP nil disables nucleus filtering.
	TopP *float64
	// RepeatPenalty 1.0 disables the penalty.
	RepeatPenalty float32
	RepeatLastN   int
	// SampleLen caps the number of sampled tokens, EOS included.
	SampleLen int
	EOSToken  string
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		Seed:          DefaultSeed,
		RepeatPenalty: DefaultRepeatPenalty,
		RepeatLastN:   DefaultRepeatLastN,
		SampleLen:     DefaultSampleLen,
		EOSToken:      DefaultEOSToken,
	}
}

// Validate reports the first invalid field as a *ConfigurationError.
func (c Config) Validate() error {
	if t := c.Temperature; t != nil && (math.IsNaN(*t) || *t < 0) {
		return configErr("temperature", "must be >= 0, got %v", *t)
	}
	if p := c.TopP; p != nil && (math.IsNaN(*p) || *p <= 0 || *p > 1) {
		return configErr("top_p", "must be in (0, 1], got %v", *p)
	}
	if c.RepeatPenalty <= 0 || math.IsNaN(float64(c.RepeatPenalty)) {
		return configErr("repeat_penalty", "must be > 0, got %v", c.RepeatPenalty)
	}
	if c.RepeatLastN < 0 {
		return configErr("repeat_last_n", "must be >= 0, got %d", c.RepeatLastN)
	}
	if c.SampleLen < 1 {
		return configErr("sample_len", "must be >= 1, got %d", c.SampleLen)
	}
	if c.EOSToken == "" {
		return configErr("eos_token", "must not be empty")
	}
	return nil
}

func (c Config) samplerConfig() logits.SamplerConfig {
	return logits.SamplerConfig{Seed: c.Seed, Temperature: c.Temperature, TopP: c.TopP}
}
