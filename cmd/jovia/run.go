package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/jovia/internal/generation"
	"github.com/samcharles93/jovia/internal/inference"
	"github.com/samcharles93/jovia/internal/logger"
)

func runCmd() *cli.Command {
	var (
		prompt        string
		verbosePrompt bool
		noTemplate    bool
		echoPrompt    bool
		rawTokens     bool
		streamMode    string
		escapeOutput  bool
		showStats     bool
		cpuProfile    string
		memProfile    string
	)

	flags := append([]cli.Flag{}, commonModelFlags()...)
	flags = append(flags, commonTokenizerFlags()...)
	flags = append(flags, samplingFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "prompt",
			Aliases:     []string{"p"},
			Usage:       "prompt text (omit for interactive mode)",
			Destination: &prompt,
		},
		&cli.BoolFlag{
			Name:        "verbose-prompt",
			Usage:       "print every prompt token id and piece before generating",
			Destination: &verbosePrompt,
		},
		&cli.BoolFlag{
			Name:        "no-template",
			Usage:       "send the prompt as is, without the chat template",
			Destination: &noTemplate,
		},
		&cli.BoolFlag{
			Name:        "echo-prompt",
			Usage:       "print the rendered prompt before the generated text",
			Destination: &echoPrompt,
		},
		&cli.BoolFlag{
			Name:        "raw-tokens",
			Usage:       "stream one fragment per sampled token instead of stable text",
			Destination: &rawTokens,
		},
		&cli.StringFlag{
			Name:        "stream-mode",
			Usage:       "output mode (instant, smooth, typewriter, quiet)",
			Value:       string(StreamInstant),
			Destination: &streamMode,
		},
		&cli.BoolFlag{
			Name:        "escape-output",
			Usage:       "print control characters as escape sequences",
			Destination: &escapeOutput,
		},
		&cli.BoolFlag{
			Name:        "show-stats",
			Usage:       "print token count and throughput after each reply",
			Value:       true,
			Destination: &showStats,
		},
		&cli.StringFlag{
			Name:        "cpuprofile",
			Usage:       "write cpu profile to file",
			Destination: &cpuProfile,
		},
		&cli.StringFlag{
			Name:        "memprofile",
			Usage:       "write memory profile to file",
			Destination: &memProfile,
		},
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Generate text from a prompt, or chat interactively",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg := configFrom(ctx)

			applyStreamConfig(c, cfg, &streamMode)
			mode, err := ParseStreamMode(streamMode)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			if cpuProfile != "" {
				f, err := os.Create(cpuProfile)
				if err != nil {
					return cli.Exit(fmt.Sprintf("could not create CPU profile: %v", err), 1)
				}
				defer func() { _ = f.Close() }()
				if err := pprof.StartCPUProfile(f); err != nil {
					return cli.Exit(fmt.Sprintf("could not start CPU profile: %v", err), 1)
				}
				defer pprof.StopCPUProfile()
			}
			if memProfile != "" {
				defer func() {
					f, err := os.Create(memProfile)
					if err != nil {
						fmt.Fprintf(os.Stderr, "could not create memory profile: %v\n", err)
						return
					}
					defer func() { _ = f.Close() }()
					if err := pprof.WriteHeapProfile(f); err != nil {
						fmt.Fprintf(os.Stderr, "could not write memory profile: %v\n", err)
					}
				}()
			}

			chosen, err := resolveRunModel(c, cfg, os.Stdin, os.Stderr)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: resolve model: %v", err), 1)
			}
			loader := chosen.Loader
			loader.Logger = log

			loadStart := time.Now()
			loaded, err := loader.Load()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load model: %v", err), 1)
			}
			defer func() { _ = loaded.Engine.Close() }()
			log.Info("model loaded",
				"model", chosen.Name,
				"backend", loaded.Spec.Kind,
				"vocab", loaded.Spec.VocabSize,
				"eos", loaded.Engine.EOSToken(),
				"took", time.Since(loadStart).Round(time.Millisecond),
			)

			opts := requestOptions(c)
			opts.NoTemplate = &noTemplate
			opts.EchoPrompt = &echoPrompt
			opts.RawTokens = &rawTokens

			out := NewStreamWriter(os.Stdout, mode, escapeOutput)
			defer out.Close()

			chat := &chatSession{
				engine:    loaded.Engine,
				opts:      opts,
				defaults:  chosen.Defaults,
				out:       out,
				stdout:    os.Stdout,
				stderr:    os.Stderr,
				verbose:   verbosePrompt,
				showStats: showStats,
			}
			chat.printSettings()

			if prompt != "" {
				if err := chat.turn(ctx, prompt); err != nil {
					return cli.Exit(fmt.Sprintf("error: generation: %v", err), 1)
				}
				return nil
			}

			fmt.Fprintln(os.Stderr, "Interactive mode. Type /exit to quit, /reset to clear the conversation.")
			editor := newLineEditor(os.Stdin, os.Stdout)
			for {
				input, err := editor.ReadLine("> ")
				if errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: read input: %v", err), 1)
				}
				switch input = strings.TrimSpace(input); input {
				case "":
					continue
				case "/exit", "/quit":
					return nil
				case "/reset":
					chat.history = nil
					fmt.Fprintln(os.Stderr, "conversation cleared")
					continue
				}

				err = chat.turn(ctx, input)
				switch {
				case err == nil:
				case errors.Is(err, context.Canceled) && ctx.Err() == nil:
					fmt.Fprintln(os.Stderr, "\n[interrupted]")
				case errors.Is(err, generation.ErrInput), errors.Is(err, generation.ErrConfiguration):
					fmt.Fprintln(os.Stderr, "error:", err)
				default:
					return cli.Exit(fmt.Sprintf("error: generation: %v", err), 1)
				}
			}
		},
	}
}

// chatSession carries the conversation across interactive turns.
type chatSession struct {
	engine   *inference.EngineImpl
	opts     inference.RequestOptions
	defaults inference.GenDefaults
	history  []inference.Turn

	out    *StreamWriter
	stdout io.Writer
	stderr io.Writer

	verbose   bool
	showStats bool
}

func (s *chatSession) request(prompt string) inference.Request {
	opts := s.opts
	opts.Prompt = prompt
	opts.History = s.history
	return inference.ResolveRequest(opts, s.defaults)
}

func (s *chatSession) printSettings() {
	cfg := s.request("").Config
	temp := 0.0
	if cfg.Temperature != nil {
		temp = *cfg.Temperature
	}
	fmt.Fprintf(s.stderr, "temp: %.2f repeat-penalty: %.2f repeat-last-n: %d\n", temp, cfg.RepeatPenalty, cfg.RepeatLastN)
}

// turn generates one reply. Ctrl+C cancels only the running generation.
func (s *chatSession) turn(ctx context.Context, prompt string) error {
	req := s.request(prompt)
	if s.verbose {
		if err := s.describe(&req); err != nil {
			return err
		}
	}

	genCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	s.out.Reset()
	result, err := s.engine.Generate(genCtx, &req, s.out.Write)
	s.out.Flush()
	if err != nil {
		return err
	}
	fmt.Fprintln(s.stdout)

	if s.showStats {
		fmt.Fprintf(s.stderr, "%d tokens generated (%.2f token/s)\n", result.Stats.TokensGenerated, result.Stats.TPS)
	}
	s.history = append(s.history, inference.Turn{
		User:      prompt,
		Assistant: inference.SanitizeAssistantForContext(result.Text),
	})
	return nil
}

func (s *chatSession) describe(req *inference.Request) error {
	tok := s.engine.Tokenizer()
	ids, err := tok.Encode(s.engine.RenderPrompt(req))
	if err != nil {
		return fmt.Errorf("encode prompt: %w", err)
	}
	pieces, err := inference.DescribePrompt(tok, ids)
	if err != nil {
		return fmt.Errorf("describe prompt: %w", err)
	}
	for _, p := range pieces {
		fmt.Fprintln(s.stderr, p)
	}
	return nil
}
