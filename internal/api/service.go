package api

import (
	"context"
	"fmt"
	"time"

	"github.com/samcharles93/beamline/internal/decode"
	"github.com/samcharles93/beamline/internal/logits"
	"github.com/samcharles93/beamline/pkg/beam"
)

// Defaults are the decoding parameters used when a request leaves them
// unset.
type Defaults struct {
	Strategy        decode.Strategy
	EndToken        int
	MaxSteps        int
	BeamSize        int
	PerNodeBeamSize int
	Temperature     float64
	TopK            int
	TopP            float64
	MinP            float64
	Seed            int64
}

// DecodeService resolves a request against the configured model and
// defaults and runs the decode.
type DecodeService struct {
	ModelName string
	Model     decode.Model
	Defaults  Defaults
}

func NewDecodeService(modelName string, model decode.Model, defaults Defaults) *DecodeService {
	if defaults.Strategy == "" {
		defaults.Strategy = decode.StrategyBeam
	}
	return &DecodeService{
		ModelName: modelName,
		Model:     model,
		Defaults:  defaults,
	}
}

// Decode validates the request, builds a Runner and executes it. The
// returned strategy is the one effectively used.
func (s *DecodeService) Decode(ctx context.Context, req *DecodeRequest) (*decode.Output, decode.Strategy, error) {
	if len(req.StartTokens) == 0 {
		return nil, "", newInvalidRequest("start_tokens must not be empty")
	}

	strategy := s.Defaults.Strategy
	if req.Strategy != "" {
		parsed, err := decode.ParseStrategy(req.Strategy)
		if err != nil {
			return nil, "", newInvalidRequest(fmt.Sprintf("strategy: %v", err))
		}
		strategy = parsed
	}

	endToken := intOr(req.EndToken, s.Defaults.EndToken)
	maxSteps := intOr(req.MaxSteps, s.Defaults.MaxSteps)
	beamSize := intOr(req.BeamSize, s.Defaults.BeamSize)
	perNode := intOr(req.PerNodeBeamSize, s.Defaults.PerNodeBeamSize)
	if maxSteps <= 0 {
		return nil, "", newInvalidRequest("max_steps must be positive")
	}
	if beamSize <= 0 {
		return nil, "", newInvalidRequest("beam_size must be positive")
	}

	runner := &decode.Runner{
		Model:    s.Model,
		Strategy: strategy,
		EndToken: endToken,
		MaxSteps: maxSteps,
	}
	switch strategy {
	case decode.StrategyBeam:
		runner.Searcher = beam.New(beam.Config{
			EndToken:        endToken,
			MaxSteps:        maxSteps,
			BeamSize:        beamSize,
			PerNodeBeamSize: perNode,
		})
	case decode.StrategySample:
		seed := int64Or(req.Seed, s.Defaults.Seed)
		if seed <= 0 {
			seed = time.Now().UnixNano()
		}
		runner.Sampler = logits.NewSampler(logits.SamplerConfig{
			Seed:        seed,
			Temperature: float32(floatOr(req.Temperature, s.Defaults.Temperature)),
			TopK:        intOr(req.TopK, s.Defaults.TopK),
			TopP:        float32(floatOr(req.TopP, s.Defaults.TopP)),
			MinP:        float32(floatOr(req.MinP, s.Defaults.MinP)),
		})
	}

	out, err := runner.Run(ctx, req.StartTokens)
	if err != nil {
		return nil, strategy, err
	}
	return out, strategy, nil
}

func intOr(v *int, def int) int {
	if v != nil {
		return *v
	}
	return def
}

func int64Or(v *int64, def int64) int64 {
	if v != nil {
		return *v
	}
	return def
}

func floatOr(v *float64, def float64) float64 {
	if v != nil {
		return *v
	}
	return def
}
