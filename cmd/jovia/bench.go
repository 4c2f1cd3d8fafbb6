package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/jovia/internal/generation"
	"github.com/samcharles93/jovia/internal/inference"
	"github.com/samcharles93/jovia/internal/logger"
)

func benchCmd() *cli.Command {
	var (
		warmupRuns int64
		benchRuns  int64
		prompt     string
		quiet      bool
	)

	flags := append([]cli.Flag{}, commonModelFlags()...)
	flags = append(flags, commonTokenizerFlags()...)
	flags = append(flags, samplingFlags()...)
	flags = append(flags,
		&cli.Int64Flag{
			Name:        "warmup",
			Usage:       "number of warmup runs",
			Value:       1,
			Destination: &warmupRuns,
		},
		&cli.Int64Flag{
			Name:        "runs",
			Usage:       "number of benchmark runs",
			Value:       3,
			Destination: &benchRuns,
		},
		&cli.StringFlag{
			Name:        "prompt",
			Aliases:     []string{"p"},
			Usage:       "prompt text for benchmarking",
			Value:       "Explain the theory of relativity in simple terms.",
			Destination: &prompt,
		},
		&cli.BoolFlag{
			Name:        "quiet",
			Aliases:     []string{"q"},
			Usage:       "hide the progress bar",
			Destination: &quiet,
		},
	)

	return &cli.Command{
		Name:    "bench",
		Aliases: []string{"benchmark"},
		Usage:   "Measure generation throughput",
		Flags:   flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg := configFrom(ctx)

			chosen, err := resolveRunModel(cmd, cfg, os.Stdin, os.Stderr)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: resolve model: %v", err), 1)
			}
			loader := chosen.Loader
			loader.Logger = log

			log.Info("loading model for benchmark", "model", chosen.Name)
			loadStart := time.Now()
			loaded, err := loader.Load()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load model: %v", err), 1)
			}
			defer func() { _ = loaded.Engine.Close() }()
			loadDuration := time.Since(loadStart)

			opts := requestOptions(cmd)
			opts.Prompt = prompt
			if !cmd.IsSet("sample-len") {
				n := 128
				opts.SampleLen = &n
			}
			req := inference.ResolveRequest(opts, chosen.Defaults)

			spec := loaded.Spec
			fmt.Println("=== Jovia Benchmark ===")
			fmt.Printf("Model:      %s\n", chosen.Name)
			fmt.Printf("Backend:    %s (vocab %s, hidden %d, layers %d)\n", spec.Kind, humanize.Comma(int64(spec.VocabSize)), spec.Hidden, spec.Layers)
			fmt.Printf("KV cache:   %s\n", cacheSummary(spec.NoKVCache, spec.CacheDType, spec.MaxSeqLen))
			fmt.Printf("CPUs:       %d\n", runtime.NumCPU())
			fmt.Printf("GOMAXPROCS: %d\n", runtime.GOMAXPROCS(0))
			fmt.Printf("Load:       %s\n", loadDuration.Round(time.Millisecond))
			fmt.Printf("Sample len: %d tokens\n", req.Config.SampleLen)
			fmt.Printf("Warmup:     %d runs\n", warmupRuns)
			fmt.Printf("Runs:       %d\n", benchRuns)
			fmt.Println()

			for i := range int(warmupRuns) {
				log.Debug("warmup run", "run", i+1)
				if _, err := loaded.Engine.Generate(ctx, &req, nil); err != nil {
					return cli.Exit(fmt.Sprintf("error: warmup run %d: %v", i+1, err), 1)
				}
			}

			var barOut io.Writer = os.Stderr
			if quiet {
				barOut = io.Discard
			}
			bar := progressbar.NewOptions(int(benchRuns),
				progressbar.OptionSetDescription("benchmark"),
				progressbar.OptionSetWriter(barOut),
				progressbar.OptionSetTheme(progressbar.ThemeASCII),
				progressbar.OptionShowCount(),
				progressbar.OptionClearOnFinish(),
			)

			results := make([]generation.Stats, 0, benchRuns)
			for i := range int(benchRuns) {
				result, err := loaded.Engine.Generate(ctx, &req, nil)
				if err != nil {
					_ = bar.Exit()
					return cli.Exit(fmt.Sprintf("error: benchmark run %d: %v", i+1, err), 1)
				}
				results = append(results, result.Stats)
				_ = bar.Add(1)
			}
			_ = bar.Finish()

			printBenchResults(os.Stdout, results)

			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			fmt.Printf("\nMemory: %s alloc, %s sys, %s total allocated\n",
				humanize.Bytes(mem.Alloc), humanize.Bytes(mem.Sys), humanize.Bytes(mem.TotalAlloc))
			return nil
		},
	}
}

func cacheSummary(disabled bool, dtype string, maxSeqLen int) string {
	if disabled {
		return "disabled (full replay each step)"
	}
	if dtype == "" {
		dtype = "f32"
	}
	return fmt.Sprintf("%s, %s positions", dtype, humanize.Comma(int64(maxSeqLen)))
}

func printBenchResults(w io.Writer, results []generation.Stats) {
	fmt.Fprintln(w, "=== Results ===")
	fmt.Fprintf(w, "%-6s %8s %8s %12s %10s %s\n", "Run", "Prompt", "Tokens", "Duration", "tok/s", "Stop")

	var sumTPS float64
	var sumTokens int
	for i, r := range results {
		fmt.Fprintf(w, "%-6d %8d %8d %12s %10.2f %s\n",
			i+1, r.PromptTokens, r.TokensGenerated, r.Duration.Round(time.Microsecond), r.TPS, r.Reason)
		sumTPS += r.TPS
		sumTokens += r.TokensGenerated
	}
	if len(results) == 0 {
		return
	}
	n := float64(len(results))
	fmt.Fprintf(w, "\n%-6s %8s %8.1f %12s %10.2f\n", "Avg", "", float64(sumTokens)/n, "", sumTPS/n)
}
