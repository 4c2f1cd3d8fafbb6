package inference

import (
	"context"

	"github.com/samcharles93/jovia/internal/generation"
)

// StreamFunc receives each text fragment as it becomes stable.
type StreamFunc func(fragment string)

// Engine turns requests into generation sessions on a loaded backend.
type Engine interface {
	// Generate runs to completion, forwarding fragments to stream. Ending
	// ctx detaches the session and returns ctx.Err().
	Generate(ctx context.Context, req *Request, stream StreamFunc) (*Result, error)
	// Start launches a session and hands back its handle for pull-based
	// consumption.
	Start(ctx context.Context, req *Request) (*generation.Handle, error)
	Close() error
}

// Turn is one completed exchange fed back as context.
type Turn struct {
	User      string
	Assistant string
}

type Request struct {
	Prompt  string
	System  string
	History []Turn

	Config generation.Config

	NoTemplate bool
	RawTokens  bool
	EchoPrompt bool
}

type Result struct {
	Text string
	// Tokens holds the sampled ids, EOS included.
	Tokens []int
	Stats  generation.Stats
}
