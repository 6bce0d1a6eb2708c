// Package beam implements batched beam-search decoding for autoregressive
// models. The scoring model is an external collaborator supplied as a
// StepFunc; this package only manages hypothesis expansion, pruning,
// ancestor bookkeeping and sequence reconstruction.
package beam

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/samcharles93/beamline/pkg/tensor"
)

// State carries opaque per-hypothesis payloads (hidden activations, caches)
// between scoring calls. Each value's leading dimension is the hypothesis
// group size; trailing dimensions belong to the caller and round-trip
// through the search untouched.
type State map[string]*tensor.Array

// StepFunc scores one decoding timestep. lastTokens holds the most recent
// token of every hypothesis in the group; the returned matrix must contain
// log-probabilities over the vocabulary, one row per hypothesis, along with
// the updated state. The group size is batch*beam for every call except a
// distinct first-step function, which is called with one hypothesis per
// batch element.
type StepFunc func(ctx context.Context, lastTokens []int, state State) (*tensor.Mat, State, error)

// ErrVocabTooSmall is returned when PerNodeBeamSize exceeds the vocabulary
// size reported by the first scoring call. Pruning to PerNodeBeamSize
// candidates per hypothesis is impossible in that case.
var ErrVocabTooSmall = errors.New("beam: vocabulary too small")

// Config configures a Searcher. The zero value of every optional field maps
// to its default; EndToken is required and must be a valid token id for the
// model's vocabulary.
type Config struct {
	// EndToken is the token id that marks a finished sequence.
	EndToken int
	// MaxSteps caps the length of decoded sequences. Defaults to 50.
	MaxSteps int
	// BeamSize is the number of hypotheses kept per batch element.
	// Defaults to 10.
	BeamSize int
	// PerNodeBeamSize is the number of candidate continuations considered
	// per hypothesis before global pruning. Defaults to BeamSize; smaller
	// values trade completeness for diversity.
	PerNodeBeamSize int
}

// Searcher runs beam search. It holds no per-call state: a single Searcher
// may be reused across calls, though each call is synchronous.
type Searcher struct {
	cfg Config
}

// New returns a Searcher with defaults applied for unset Config fields.
func New(cfg Config) *Searcher {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 50
	}
	if cfg.BeamSize <= 0 {
		cfg.BeamSize = 10
	}
	if cfg.PerNodeBeamSize <= 0 {
		cfg.PerNodeBeamSize = cfg.BeamSize
	}
	return &Searcher{cfg: cfg}
}

// Config returns the effective configuration after defaults.
func (s *Searcher) Config() Config { return s.cfg }

// Result holds the decoded beams for one search call.
type Result struct {
	// Predictions has shape batch x beam x stepsTaken. Within a batch
	// element the beams follow the final pruning order, so in practice
	// they come out best-first.
	Predictions [][][]int
	// LogProbs has shape batch x beam and holds the cumulative sequence
	// log-probability of the matching prediction.
	LogProbs [][]float32
}

// Search decodes the most likely sequences for every batch element,
// using step for all timesteps including the first.
func (s *Searcher) Search(ctx context.Context, startTokens []int, startState State, step StepFunc) (*Result, error) {
	return s.SearchWithFirstStep(ctx, startTokens, startState, step, step)
}

// SearchWithFirstStep decodes with a distinct scoring function for the very
// first timestep. first is invoked once with one hypothesis per batch
// element (group size = batch); step is invoked for every later timestep
// with group size batch*beam. Both must report the same vocabulary size.
//
// The search keeps BeamSize hypotheses per batch element at every step.
// Hypotheses that emit EndToken are locked to it: their distribution is
// replaced by one that re-selects EndToken at zero log-probability cost, so
// finished sequences keep their score while the batch stays rectangular.
// The loop ends at MaxSteps or as soon as every hypothesis has finished,
// whichever comes first; the returned sequences have length equal to the
// number of steps actually taken.
func (s *Searcher) SearchWithFirstStep(ctx context.Context, startTokens []int, startState State, first, step StepFunc) (*Result, error) {
	batch := len(startTokens)
	if batch == 0 {
		return nil, errors.New("beam: no start tokens")
	}
	beamSize := s.cfg.BeamSize
	perNode := s.cfg.PerNodeBeamSize

	// First timestep: one hypothesis per batch element fans out to the top
	// beamSize continuations.
	startProbs, state, err := first(ctx, startTokens, startState)
	if err != nil {
		return nil, fmt.Errorf("beam: first step: %w", err)
	}
	if startProbs.R != batch {
		return nil, fmt.Errorf("beam: first step returned %d rows, want %d", startProbs.R, batch)
	}
	vocab := startProbs.C
	if perNode > vocab {
		return nil, fmt.Errorf("%w: vocabulary size %d is smaller than per-node beam size %d; decrease beam size or per-node beam size",
			ErrVocabTooSmall, vocab, perNode)
	}
	if beamSize > vocab {
		return nil, fmt.Errorf("beam: beam size %d exceeds vocabulary size %d", beamSize, vocab)
	}
	if s.cfg.EndToken < 0 || s.cfg.EndToken >= vocab {
		return nil, fmt.Errorf("beam: end token %d outside vocabulary of size %d", s.cfg.EndToken, vocab)
	}

	group := batch * beamSize

	// Step-local history: predictions[t] holds the token chosen for every
	// beam slot at step t, backpointers[t-1] the parent slot it descends
	// from. predictions always has one more entry than backpointers.
	predictions := make([][]int, 0, s.cfg.MaxSteps)
	backpointers := make([][]int, 0, s.cfg.MaxSteps-1)

	lastLogProbs := make([]float32, group)
	firstPreds := make([]int, group)
	beamIdx := make([]int, beamSize)
	beamVal := make([]float32, beamSize)
	for b := 0; b < batch; b++ {
		idx, val := topK(startProbs.Row(b), beamSize, beamIdx, beamVal)
		for k := 0; k < beamSize; k++ {
			firstPreds[b*beamSize+k] = idx[k]
			lastLogProbs[b*beamSize+k] = val[k]
		}
	}
	predictions = append(predictions, firstPreds)

	// Every beam slot starts from an identical copy of its batch element's
	// state, flattened to a batch*beam leading dimension.
	state, err = replicateState(state, batch, beamSize)
	if err != nil {
		return nil, err
	}

	// Log-probability row that forces a finished hypothesis to keep
	// emitting EndToken at zero cost.
	negInf := float32(math.Inf(-1))
	forcedEnd := make([]float32, vocab)
	for i := range forcedEnd {
		forcedEnd[i] = negInf
	}
	forcedEnd[s.cfg.EndToken] = 0

	lastTokens := make([]int, group)
	nodeIdx := make([]int, perNode)
	nodeVal := make([]float32, perNode)
	candTokens := make([]int, beamSize*perNode)
	candProbs := make([]float32, beamSize*perNode)

	for timestep := 1; timestep < s.cfg.MaxSteps; timestep++ {
		copy(lastTokens, predictions[len(predictions)-1])
		if allEndToken(lastTokens, s.cfg.EndToken) {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		probs, newState, err := step(ctx, lastTokens, state)
		if err != nil {
			return nil, fmt.Errorf("beam: step %d: %w", timestep, err)
		}
		if probs.R != group {
			return nil, fmt.Errorf("beam: step %d returned %d rows, want %d", timestep, probs.R, group)
		}
		if probs.C != vocab {
			return nil, fmt.Errorf("beam: step %d vocabulary size changed from %d to %d", timestep, vocab, probs.C)
		}
		state = newState

		stepPreds := make([]int, group)
		stepBack := make([]int, group)
		stepLogProbs := make([]float32, group)

		for b := 0; b < batch; b++ {
			// Expand every hypothesis into its perNode best continuations,
			// carrying the parent's cumulative log-probability. Candidates
			// from the same parent stay contiguous in the flattened grid.
			for k := 0; k < beamSize; k++ {
				g := b*beamSize + k
				row := probs.Row(g)
				if lastTokens[g] == s.cfg.EndToken {
					row = forcedEnd
				}
				idx, val := topK(row, perNode, nodeIdx, nodeVal)
				base := k * perNode
				for j := 0; j < perNode; j++ {
					candTokens[base+j] = idx[j]
					candProbs[base+j] = val[j] + lastLogProbs[g]
				}
			}

			// Global prune: keep the beamSize best of the beam*perNode
			// candidate grid. The flattened rank identifies the parent by
			// exact integer division, since candidates from one parent are
			// contiguous.
			ranks, summed := topK(candProbs, beamSize, beamIdx, beamVal)
			for k := 0; k < beamSize; k++ {
				g := b*beamSize + k
				stepPreds[g] = candTokens[ranks[k]]
				stepBack[g] = ranks[k] / perNode
				stepLogProbs[g] = summed[k]
			}
		}

		predictions = append(predictions, stepPreds)
		backpointers = append(backpointers, stepBack)
		copy(lastLogProbs, stepLogProbs)

		// Reindex the state so every surviving hypothesis carries the
		// payload of its chosen parent.
		state, err = gatherState(state, batch, beamSize, stepBack)
		if err != nil {
			return nil, err
		}
	}

	return reconstruct(batch, beamSize, predictions, backpointers, lastLogProbs), nil
}

// reconstruct walks the recorded backpointers from the last timestep to the
// first and assembles full per-hypothesis sequences in chronological order.
// With a single recorded step there are no backpointers and the first-step
// predictions are the sequences.
func reconstruct(batch, beamSize int, predictions, backpointers [][]int, lastLogProbs []float32) *Result {
	steps := len(predictions)
	res := &Result{
		Predictions: make([][][]int, batch),
		LogProbs:    make([][]float32, batch),
	}
	for b := 0; b < batch; b++ {
		res.Predictions[b] = make([][]int, beamSize)
		res.LogProbs[b] = make([]float32, beamSize)
		for k := 0; k < beamSize; k++ {
			seq := make([]int, steps)
			slot := k
			for t := steps - 1; t >= 0; t-- {
				seq[t] = predictions[t][b*beamSize+slot]
				if t > 0 {
					slot = backpointers[t-1][b*beamSize+slot]
				}
			}
			res.Predictions[b][k] = seq
			res.LogProbs[b][k] = lastLogProbs[b*beamSize+k]
		}
	}
	return res
}

// replicateState broadcasts a batch-leading state across the beam, so that
// the group dimension becomes batch*beamSize with every beam slot holding an
// identical copy of its batch element's entry.
func replicateState(state State, batch, beamSize int) (State, error) {
	out := make(State, len(state))
	for key, arr := range state {
		if arr.Lead() != batch {
			return nil, fmt.Errorf("beam: state %q has leading dimension %d, want batch size %d", key, arr.Lead(), batch)
		}
		out[key] = arr.Replicate(beamSize)
	}
	return out, nil
}

// gatherState reindexes every state array along the beam dimension so that
// slot k of each batch element receives the payload of its parent slot.
func gatherState(state State, batch, beamSize int, backpointers []int) (State, error) {
	group := batch * beamSize
	indices := make([]int, group)
	for b := 0; b < batch; b++ {
		for k := 0; k < beamSize; k++ {
			indices[b*beamSize+k] = b*beamSize + backpointers[b*beamSize+k]
		}
	}
	out := make(State, len(state))
	for key, arr := range state {
		if arr.Lead() != group {
			return nil, fmt.Errorf("beam: state %q has leading dimension %d, want group size %d", key, arr.Lead(), group)
		}
		out[key] = arr.GatherLead(indices)
	}
	return out, nil
}

func allEndToken(tokens []int, end int) bool {
	for _, t := range tokens {
		if t != end {
			return false
		}
	}
	return true
}

// topK writes the indices and values of the k largest elements of x into
// idx and val, ordered from largest to smallest. Equal values keep their
// index order, so selection is deterministic. idx and val must have length
// at least k and k must not exceed len(x). This is an O(len(x)*k) insertion
// pass, which is fine for the small k beam search uses.
func topK(x []float32, k int, idx []int, val []float32) ([]int, []float32) {
	n := 0
	for i, v := range x {
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
