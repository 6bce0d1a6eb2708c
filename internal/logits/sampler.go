// Package logits implements single-hypothesis token selection for the
// non-beam decoding strategies: greedy argmax and seeded stochastic
// sampling with temperature, top-k, top-p and min-p shortlisting.
package logits

import (
	"math"
	"math/rand"

	"github.com/samcharles93/beamline/pkg/tensor"
)

// SamplerConfig configures the behaviour of a Sampler.
type SamplerConfig struct {
	Seed        int64
	Temperature float32
	TopK        int
	TopP        float32
	MinP        float32
}

// Sampler draws tokens from score vectors. The scores may be raw logits or
// log-probabilities; both are monotone under argmax and renormalised by the
// softmax before stochastic selection.
type Sampler struct {
	rng    *rand.Rand
	cfg    SamplerConfig
	greedy bool
	topIdx []int
	topVal []float32
	prob   []float64
}

// NewSampler returns a new sampler with the provided configuration.
// Temperature <= 0 selects greedy decoding. Unset fields fall back to
// TopK=40 and TopP=1.
func NewSampler(cfg SamplerConfig) *Sampler {
	greedy := cfg.Temperature <= 0
	if cfg.Temperature <= 0 {
		cfg.Temperature = 1
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 40
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	return &Sampler{
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		cfg:    cfg,
		greedy: greedy,
	}
}

// Greedy reports whether the sampler always returns the argmax.
func (s *Sampler) Greedy() bool { return s.greedy }

// Sample draws a single index from the provided score vector:
//
//  1. Greedy configurations return the argmax immediately.
//  2. Scores are scaled by the inverse temperature and the top k are kept.
//  3. A softmax over the shortlist yields probabilities.
//  4. If MinP > 0, candidates below MinP times the best probability are
//     dropped and the rest renormalised.
//  5. If TopP < 1, the shortlist is truncated where cumulative probability
//     reaches TopP.
//  6. A uniform draw selects from the truncated distribution.
func (s *Sampler) Sample(scores []float32) int {
	if s.greedy || (s.cfg.TopK == 1 && s.cfg.TopP >= 1 && s.cfg.Temperature == 1) {
		return tensor.Argmax(scores)
	}

	invTemp := float32(1.0) / s.cfg.Temperature
	k := min(s.cfg.TopK, len(scores))

	topIdx, topVal := s.shortlist(scores, k, invTemp)
	if len(topVal) == 0 {
		return 0
	}

	if cap(s.prob) < len(topVal) {
		s.prob = make([]float64, len(topVal))
	}
	prob := s.prob[:len(topVal)]
	maxv := topVal[0]
	var sum float64
	for i := range topVal {
		e := math.Exp(float64(topVal[i] - maxv))
		prob[i] = e
		sum += e
	}
	if sum == 0 {
		return topIdx[0]
	}
	inv := 1.0 / sum
	for i := range prob {
		prob[i] *= inv
	}

	if s.cfg.MinP > 0 {
		threshold := prob[0] * float64(s.cfg.MinP)
		n := 0
		var kept float64
		for i := range prob {
			if prob[i] >= threshold {
				prob[n] = prob[i]
				topIdx[n] = topIdx[i]
				kept += prob[i]
				n++
			}
		}
		if n < len(prob) && kept > 0 {
			prob = prob[:n]
			scale := 1.0 / kept
			for i := range prob {
				prob[i] *= scale
			}
		}
	}

	cut := len(prob)
	if s.cfg.TopP < 1 {
		var c float64
		for i := range prob {
			c += prob[i]
			if float32(c) >= s.cfg.TopP {
				cut = i + 1
				break
			}
		}
	}

	r := s.rng.Float64()
	var c float64
	for i := 0; i < cut; i++ {
		c += prob[i]
		if r <= c {
			return topIdx[i]
		}
	}
	return topIdx[cut-1]
}

// shortlist returns the indices and values of the k largest elements of
// scores, scaled by invTemp and ordered from largest to smallest. Equal
// values keep their index order. O(len(scores)*k), fine for small k.
func (s *Sampler) shortlist(scores []float32, k int, invTemp float32) ([]int, []float32) {
	if k <= 0 {
		return nil, nil
	}
	if cap(s.topIdx) < k {
		s.topIdx = make([]int, k)
		s.topVal = make([]float32, k)
	}
	idx := s.topIdx[:k]
	val := s.topVal[:k]
	n := 0
	for i, raw := range scores {
		v := raw * invTemp
		pos := n
		for pos > 0 && val[pos-1] < v {
			pos--
		}
		if pos >= k {
			continue
		}
		if n < k {
			n++
		}
		copy(idx[pos+1:n], idx[pos:n-1])
		copy(val[pos+1:n], val[pos:n-1])
		idx[pos] = i
		val[pos] = v
	}
	return idx[:n], val[:n]
}
