// Package toy provides a minimal recurrent language model used for testing,
// benchmarking and demoing the decoding stack. It is deliberately
// simplistic: an embedding matrix, a square recurrence matrix and an output
// projection, all seeded deterministically.
package toy

import (
	"context"
	"fmt"

	"github.com/samcharles93/beamline/pkg/beam"
	"github.com/samcharles93/beamline/pkg/tensor"
)

// StateKeyHidden is the beam.State key under which the model keeps its
// per-hypothesis hidden activation, shaped [group, Hidden].
const StateKeyHidden = "hidden"

// Model is a tiny tanh-recurrence language model. Each Step consumes the
// last token of every hypothesis in a group and produces log-probabilities
// over the vocabulary plus the updated hidden state.
type Model struct {
	Vocab  int
	Hidden int

	Emb  *tensor.Mat // [Vocab x Hidden] embedding matrix
	Wh   *tensor.Mat // [Hidden x Hidden] recurrence weights
	Wo   *tensor.Mat // [Hidden x Vocab] output projection
	Bias []float32   // [Vocab] bias added to logits
}

// New constructs a model with the given vocabulary and hidden size. The
// matrices are filled with reproducible pseudo-random values derived from
// the seed; biases are zeroed. Two models built from the same arguments
// behave identically.
func New(vocab, hidden int, seed int64) *Model {
	m := &Model{
		Vocab:  vocab,
		Hidden: hidden,
		Emb:    tensor.NewMat(vocab, hidden),
		Wh:     tensor.NewMat(hidden, hidden),
		Wo:     tensor.NewMat(hidden, vocab),
		Bias:   make([]float32, vocab),
	}
	tensor.FillRand(m.Emb, seed+11)
	tensor.FillRand(m.Wh, seed+17)
	tensor.FillRand(m.Wo, seed+23)
	return m
}

// StartState returns the initial state for a batch of sequences: a zero
// hidden activation per batch element.
func (m *Model) StartState(batch int) beam.State {
	return beam.State{
		StateKeyHidden: tensor.NewArray(batch, m.Hidden),
	}
}

// Step advances one decoding timestep for a group of hypotheses. It
// satisfies beam.StepFunc: tokens holds the last token per hypothesis, the
// state must carry the hidden activation under StateKeyHidden with a
// matching leading dimension. Tokens outside [0, Vocab) wrap modulo Vocab.
func (m *Model) Step(ctx context.Context, tokens []int, state beam.State) (*tensor.Mat, beam.State, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	group := len(tokens)
	hidden := state[StateKeyHidden]
	if hidden == nil {
		return nil, nil, fmt.Errorf("toy: state missing %q", StateKeyHidden)
	}
	if hidden.Lead() != group || hidden.BlockSize() != m.Hidden {
		return nil, nil, fmt.Errorf("toy: state %q has shape %v, want [%d %d]",
			StateKeyHidden, hidden.Shape, group, m.Hidden)
	}

	next := tensor.NewArray(group, m.Hidden)
	probs := tensor.NewMat(group, m.Vocab)
	for g := 0; g < group; g++ {
		tok := tokens[g]
		if tok < 0 || tok >= m.Vocab {
			tok = ((tok % m.Vocab) + m.Vocab) % m.Vocab
		}

		// h' = tanh(h*Wh + Emb[tok])
		h := next.Block(g)
		tensor.VecMat(h, hidden.Block(g), m.Wh)
		tensor.Add(h, m.Emb.Row(tok))
		tensor.Tanh(h)

		// log p = logsoftmax(h'*Wo + bias)
		row := probs.Row(g)
		tensor.VecMat(row, h, m.Wo)
		tensor.Add(row, m.Bias)
		tensor.LogSoftmax(row)
	}

	return probs, beam.State{StateKeyHidden: next}, nil
}
