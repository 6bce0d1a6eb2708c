// Package decode ties a scoring model to a decoding strategy. It is the
// engine behind the CLI and the HTTP surface: beam search for the beam
// strategy, a per-step sampler loop for greedy and stochastic decoding.
package decode

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samcharles93/beamline/internal/logits"
	"github.com/samcharles93/beamline/pkg/beam"
	"github.com/samcharles93/beamline/pkg/tensor"
)

// Strategy selects how the next token is chosen at each step.
type Strategy string

const (
	StrategyBeam   Strategy = "beam"
	StrategyGreedy Strategy = "greedy"
	StrategySample Strategy = "sample"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(name string) (Strategy, error) {
	switch Strategy(name) {
	case StrategyBeam, StrategyGreedy, StrategySample:
		return Strategy(name), nil
	default:
		return "", fmt.Errorf("decode: unknown strategy %q", name)
	}
}

// Model is the scoring collaborator: anything that can produce next-token
// log-probabilities and an updated state from the last tokens of a group of
// hypotheses.
type Model interface {
	StartState(batch int) beam.State
	Step(ctx context.Context, tokens []int, state beam.State) (*tensor.Mat, beam.State, error)
}

// Stats summarises one decoding run.
type Stats struct {
	StepsTaken      int
	TokensGenerated int
	Duration        time.Duration
	TPS             float64
}

// Output holds decoded sequences for every batch element. Sequences has
// shape batch x beams x steps; for the single-path strategies the beam
// dimension is 1. LogProbs matches the first two dimensions.
type Output struct {
	Sequences [][][]int
	LogProbs  [][]float32
	Stats     Stats
}

// Runner runs one decoding strategy over a model. Searcher must be set for
// StrategyBeam, Sampler for StrategySample; greedy needs neither.
type Runner struct {
	Model    Model
	Strategy Strategy
	Searcher *beam.Searcher
	Sampler  *logits.Sampler
	EndToken int
	MaxSteps int
}

// Run decodes one sequence per batch element (or a beam of them) starting
// from the given start tokens.
func (r *Runner) Run(ctx context.Context, startTokens []int) (*Output, error) {
	if r.Model == nil {
		return nil, errors.New("decode: no model configured")
	}
	if len(startTokens) == 0 {
		return nil, errors.New("decode: no start tokens")
	}
	switch r.Strategy {
	case StrategyBeam:
		return r.runBeam(ctx, startTokens)
	case StrategyGreedy, StrategySample:
		return r.runSingle(ctx, startTokens)
	default:
		return nil, fmt.Errorf("decode: unknown strategy %q", r.Strategy)
	}
}

func (r *Runner) runBeam(ctx context.Context, startTokens []int) (*Output, error) {
	if r.Searcher == nil {
		return nil, errors.New("decode: beam strategy needs a searcher")
	}
	start := time.Now()
	res, err := r.Searcher.Search(ctx, startTokens, r.Model.StartState(len(startTokens)), r.Model.Step)
	if err != nil {
		return nil, err
	}
	out := &Output{
		Sequences: res.Predictions,
		LogProbs:  res.LogProbs,
	}
	steps := 0
	if len(res.Predictions) > 0 && len(res.Predictions[0]) > 0 {
		steps = len(res.Predictions[0][0])
	}
	out.Stats = newStats(start, steps, len(startTokens)*r.Searcher.Config().BeamSize*steps)
	return out, nil
}

// runSingle is the degenerate width-1 loop: one hypothesis per batch
// element, next token by argmax or by the sampler, stop when every sequence
// has emitted the end token or maxSteps is reached. Finished sequences keep
// emitting the end token so the batch stays rectangular.
func (r *Runner) runSingle(ctx context.Context, startTokens []int) (*Output, error) {
	if r.Strategy == StrategySample && r.Sampler == nil {
		return nil, errors.New("decode: sample strategy needs a sampler")
	}
	maxSteps := r.MaxSteps
	if maxSteps <= 0 {
		maxSteps = 50
	}
	batch := len(startTokens)
	start := time.Now()

	state := r.Model.StartState(batch)
	last := append([]int(nil), startTokens...)
	seqs := make([][]int, batch)
	cums := make([]float32, batch)
	ended := make([]bool, batch)

	for step := 0; step < maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		probs, next, err := r.Model.Step(ctx, last, state)
		if err != nil {
			return nil, fmt.Errorf("decode: step %d: %w", step, err)
		}
		if probs.R != batch {
			return nil, fmt.Errorf("decode: step %d returned %d rows, want %d", step, probs.R, batch)
		}
		state = next

		for b := 0; b < batch; b++ {
			if ended[b] {
				seqs[b] = append(seqs[b], r.EndToken)
				last[b] = r.EndToken
				continue
			}
			row := probs.Row(b)
			var tok int
			if r.Strategy == StrategySample {
				tok = r.Sampler.Sample(row)
			} else {
				tok = tensor.Argmax(row)
			}
			seqs[b] = append(seqs[b], tok)
			cums[b] += row[tok]
			last[b] = tok
			if tok == r.EndToken {
				ended[b] = true
			}
		}
		if allTrue(ended) {
			break
		}
	}

	steps := len(seqs[0])
	out := &Output{
		Sequences: make([][][]int, batch),
		LogProbs:  make([][]float32, batch),
	}
	for b := 0; b < batch; b++ {
		out.Sequences[b] = [][]int{seqs[b]}
		out.LogProbs[b] = []float32{cums[b]}
	}
	out.Stats = newStats(start, steps, batch*steps)
	return out, nil
}

func newStats(start time.Time, steps, tokens int) Stats {
	st := Stats{
		StepsTaken:      steps,
		TokensGenerated: tokens,
		Duration:        time.Since(start),
	}
	if st.Duration.Seconds() > 0 {
		st.TPS = float64(st.TokensGenerated) / st.Duration.Seconds()
	}
	return st
}

func allTrue(xs []bool) bool {
	for _, x := range xs {
		if !x {
			return false
		}
	}
	return true
}
