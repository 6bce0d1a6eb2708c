package main

import (
	"context"
	"fmt"
	"os"
	"runtime/pprof"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/beamline/internal/decode"
	"github.com/samcharles93/beamline/internal/logits"
	"github.com/samcharles93/beamline/internal/toy"
	"github.com/samcharles93/beamline/pkg/beam"
)

func decodeCmd() *cli.Command {
	var (
		batch           int64
		startToken      int64
		endToken        int64
		maxSteps        int64
		beamSize        int64
		perNodeBeamSize int64
		strategy        string
		temp            float64
		topK            int64
		topP            float64
		minP            float64
		sampleSeed      int64
		asJSON          bool

		cpuProfile string
		memProfile string
	)

	return &cli.Command{
		Name:  "decode",
		Usage: "Decode sequences from the built-in toy model",
		Flags: append(append(commonModelFlags(), loggingFlags()...),
			&cli.Int64Flag{
				Name:        "batch",
				Aliases:     []string{"b"},
				Usage:       "number of sequences to decode in one batch",
				Value:       1,
				Destination: &batch,
			},
			&cli.Int64Flag{
				Name:        "start-token",
				Usage:       "token id every sequence starts from",
				Value:       1,
				Destination: &startToken,
			},
			&cli.Int64Flag{
				Name:        "end-token",
				Usage:       "token id that ends a sequence",
				Value:       0,
				Destination: &endToken,
			},
			&cli.Int64Flag{
				Name:        "max-steps",
				Aliases:     []string{"n"},
				Usage:       "maximum sequence length",
				Value:       50,
				Destination: &maxSteps,
			},
			&cli.Int64Flag{
				Name:        "beam-size",
				Aliases:     []string{"beam_size", "k"},
				Usage:       "beam width",
				Value:       10,
				Destination: &beamSize,
			},
			&cli.Int64Flag{
				Name:        "per-node-beam-size",
				Aliases:     []string{"per_node_beam_size"},
				Usage:       "candidates per hypothesis before pruning (default = beam size)",
				Destination: &perNodeBeamSize,
			},
			&cli.StringFlag{
				Name:        "strategy",
				Usage:       "decoding strategy (beam, greedy, sample)",
				Value:       "beam",
				Destination: &strategy,
			},
			&cli.Float64Flag{
				Name:        "temp",
				Aliases:     []string{"temperature", "t"},
				Usage:       "sampling temperature (sample strategy)",
				Value:       0.8,
				Destination: &temp,
			},
			&cli.Int64Flag{
				Name:        "top-k",
				Aliases:     []string{"top_k", "topk"},
				Usage:       "top-k sampling parameter",
				Value:       40,
				Destination: &topK,
			},
			&cli.Float64Flag{
				Name:        "top-p",
				Aliases:     []string{"top_p", "topp"},
				Usage:       "top-p sampling parameter",
				Value:       0.95,
				Destination: &topP,
			},
			&cli.Float64Flag{
				Name:        "min-p",
				Aliases:     []string{"min_p", "minp"},
				Usage:       "min-p sampling parameter (0 = disabled)",
				Value:       0.05,
				Destination: &minP,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "sampling RNG seed (default -1 = random)",
				Value:       -1,
				Destination: &sampleSeed,
			},
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print results as JSON",
				Destination: &asJSON,
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
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg := LoadConfig()
			applyDecodeConfig(c, cfg, &beamSize, &perNodeBeamSize, &maxSteps, &endToken, &strategy, &temp, &topK, &topP, &minP)
			log := newLogger()

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

			parsed, err := decode.ParseStrategy(strategy)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}

			model := toy.New(int(vocabSize), int(hiddenSize), modelSeed)
			runner := &decode.Runner{
				Model:    model,
				Strategy: parsed,
				EndToken: int(endToken),
				MaxSteps: int(maxSteps),
			}
			switch parsed {
			case decode.StrategyBeam:
				runner.Searcher = beam.New(beam.Config{
					EndToken:        int(endToken),
					MaxSteps:        int(maxSteps),
					BeamSize:        int(beamSize),
					PerNodeBeamSize: int(perNodeBeamSize),
				})
			case decode.StrategySample:
				seed := sampleSeed
				if seed == -1 {
					seed = randomSeed()
				}
				runner.Sampler = logits.NewSampler(logits.SamplerConfig{
					Seed:        seed,
					Temperature: float32(temp),
					TopK:        int(topK),
					TopP:        float32(topP),
					MinP:        float32(minP),
				})
			}

			starts := make([]int, batch)
			for i := range starts {
				starts[i] = int(startToken)
			}

			log.Info("decoding",
				"strategy", string(parsed),
				"batch", batch,
				"beam_size", beamSize,
				"max_steps", maxSteps,
				"vocab", vocabSize)

			out, err := runner.Run(ctx, starts)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: decode: %v", err), 1)
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(out); err != nil {
					return cli.Exit(fmt.Sprintf("error: encode output: %v", err), 1)
				}
			} else {
				printOutput(out)
			}

			log.Info("done",
				"steps", out.Stats.StepsTaken,
				"duration", out.Stats.Duration,
				"tps", fmt.Sprintf("%.1f", out.Stats.TPS))
			return nil
		},
	}
}

func randomSeed() int64 {
	return time.Now().UnixNano()
}

func printOutput(out *decode.Output) {
	for b, beams := range out.Sequences {
		for k, tokens := range beams {
			fmt.Printf("batch=%d beam=%d log_prob=%.4f tokens=%s\n",
				b, k, out.LogProbs[b][k], joinInts(tokens))
		}
	}
}

func joinInts(ids []int) string {
	if len(ids) == 0 {
		return "[]"
	}
	var sb strings.Builder
	sb.WriteByte('[')
	for i, id := range ids {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%d", id)
	}
	sb.WriteByte(']')
	return sb.String()
}
