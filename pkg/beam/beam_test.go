package beam

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"reflect"
	"sort"
	"testing"

	"github.com/samcharles93/beamline/pkg/tensor"
)

// tableStep builds a stateless step function whose next-token distribution
// depends only on the last token: row g of the returned matrix is
// table[lastTokens[g] mod len(table)]. It also counts invocations.
func tableStep(table [][]float32, calls *int) StepFunc {
	return func(ctx context.Context, lastTokens []int, state State) (*tensor.Mat, State, error) {
		if calls != nil {
			*calls++
		}
		vocab := len(table[0])
		probs := tensor.NewMat(len(lastTokens), vocab)
		for g, tok := range lastTokens {
			copy(probs.Row(g), table[tok%len(table)])
		}
		return probs, state, nil
	}
}

// randomLogProbTable builds a vocab x vocab table of distinct pseudo log
// probabilities. Values are spread out enough that ties are impossible.
func randomLogProbTable(vocab int, seed int64) [][]float32 {
	rng := rand.New(rand.NewSource(seed))
	table := make([][]float32, vocab)
	for i := range table {
		row := make([]float32, vocab)
		for j := range row {
			row[j] = -float32(rng.Intn(4000)+j) / 100
		}
		table[i] = row
	}
	return table
}

func TestSearchShapes(t *testing.T) {
	vocab := 8
	table := randomLogProbTable(vocab, 3)
	s := New(Config{EndToken: 0, MaxSteps: 5, BeamSize: 4})

	res, err := s.Search(context.Background(), []int{1, 2, 3}, State{}, tableStep(table, nil))
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(res.Predictions) != 3 || len(res.LogProbs) != 3 {
		t.Fatalf("expected 3 batch elements, got %d/%d", len(res.Predictions), len(res.LogProbs))
	}
	for b := range res.Predictions {
		if len(res.Predictions[b]) != 4 {
			t.Fatalf("batch %d: expected beam width 4, got %d", b, len(res.Predictions[b]))
		}
		if len(res.LogProbs[b]) != 4 {
			t.Fatalf("batch %d: expected 4 log probs, got %d", b, len(res.LogProbs[b]))
		}
		for k, seq := range res.Predictions[b] {
			if len(seq) == 0 || len(seq) > 5 {
				t.Fatalf("batch %d beam %d: sequence length %d outside (0, 5]", b, k, len(seq))
			}
			if len(seq) != len(res.Predictions[b][0]) {
				t.Fatalf("batch %d: ragged sequence lengths", b)
			}
		}
		// Final-step pruning emits beams best-first.
		for k := 1; k < len(res.LogProbs[b]); k++ {
			if res.LogProbs[b][k] > res.LogProbs[b][k-1] {
				t.Fatalf("batch %d: log probs not descending: %v", b, res.LogProbs[b])
			}
		}
	}
}

// TestSearchEndToEnd pins down the exact result on a hand-computed case:
// beam 2, per-node 2, end token 0, and a scorer that prefers tokens 1 and 2
// on the first step and the end token afterwards. Both hypotheses finish at
// step 1 and the search stops early, so the sequences have length 2.
func TestSearchEndToEnd(t *testing.T) {
	firstRow := []float32{-3.0, -0.4, -1.2}
	laterRow := []float32{-0.1, -2.5, -3.5}

	calls := 0
	step := func(ctx context.Context, lastTokens []int, state State) (*tensor.Mat, State, error) {
		calls++
		probs := tensor.NewMat(len(lastTokens), 3)
		for g := range lastTokens {
			if calls == 1 {
				copy(probs.Row(g), firstRow)
			} else {
				copy(probs.Row(g), laterRow)
			}
		}
		return probs, state, nil
	}

	s := New(Config{EndToken: 0, MaxSteps: 3, BeamSize: 2, PerNodeBeamSize: 2})
	res, err := s.Search(context.Background(), []int{1, 1}, State{}, step)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 scoring calls (first + one step), got %d", calls)
	}

	wantSeqs := [][]int{{1, 0}, {2, 0}}
	wantLPs := []float32{-0.4 + -0.1, -1.2 + -0.1}
	for b := 0; b < 2; b++ {
		if !reflect.DeepEqual(res.Predictions[b], wantSeqs) {
			t.Fatalf("batch %d: sequences = %v, want %v", b, res.Predictions[b], wantSeqs)
		}
		for k := range wantLPs {
			if diff := math.Abs(float64(res.LogProbs[b][k] - wantLPs[k])); diff > 1e-6 {
				t.Fatalf("batch %d beam %d: log prob = %f, want %f", b, k, res.LogProbs[b][k], wantLPs[k])
			}
		}
	}
}

// naiveSearch is a direct, slow rendition of the same pruning rule used to
// cross-check the real implementation: expand every hypothesis into its
// per-node best continuations, then stably sort the flattened candidate
// grid. Distributions are read from a token-indexed table.
func naiveSearch(table [][]float32, start int, cfg Config) ([][]int, []float32) {
	vocab := len(table[0])
	type hyp struct {
		tokens []int
		lp     float32
	}

	forced := make([]float32, vocab)
	for i := range forced {
		forced[i] = float32(math.Inf(-1))
	}
	forced[cfg.EndToken] = 0

	rowTopK := func(row []float32, k int) ([]int, []float32) {
		order := make([]int, len(row))
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(a, b int) bool { return row[order[a]] > row[order[b]] })
		idx := make([]int, k)
		val := make([]float32, k)
		for i := 0; i < k; i++ {
			idx[i] = order[i]
			val[i] = row[order[i]]
		}
		return idx, val
	}

	firstIdx, firstVal := rowTopK(table[start%len(table)], cfg.BeamSize)
	beams := make([]hyp, cfg.BeamSize)
	for k := range beams {
		beams[k] = hyp{tokens: []int{firstIdx[k]}, lp: firstVal[k]}
	}

	for step := 1; step < cfg.MaxSteps; step++ {
		done := true
		for _, h := range beams {
			if h.tokens[len(h.tokens)-1] != cfg.EndToken {
				done = false
			}
		}
		if done {
			break
		}

		type cand struct {
			parent int
			token  int
			lp     float32
		}
		cands := make([]cand, 0, cfg.BeamSize*cfg.PerNodeBeamSize)
		for p, h := range beams {
			last := h.tokens[len(h.tokens)-1]
			row := table[last%len(table)]
			if last == cfg.EndToken {
				row = forced
			}
			idx, val := rowTopK(row, cfg.PerNodeBeamSize)
			for j := range idx {
				cands = append(cands, cand{parent: p, token: idx[j], lp: val[j] + h.lp})
			}
		}
		sort.SliceStable(cands, func(a, b int) bool { return cands[a].lp > cands[b].lp })

		next := make([]hyp, cfg.BeamSize)
		for k := 0; k < cfg.BeamSize; k++ {
			parent := beams[cands[k].parent]
			tokens := append(append([]int(nil), parent.tokens...), cands[k].token)
			next[k] = hyp{tokens: tokens, lp: cands[k].lp}
		}
		beams = next
	}

	seqs := make([][]int, cfg.BeamSize)
	lps := make([]float32, cfg.BeamSize)
	for k, h := range beams {
		seqs[k] = h.tokens
		lps[k] = h.lp
	}
	return seqs, lps
}

func TestSearchMatchesNaive(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		seed int64
	}{
		{name: "beam2", cfg: Config{EndToken: 0, MaxSteps: 4, BeamSize: 2}, seed: 7},
		{name: "beam3-pernode2", cfg: Config{EndToken: 0, MaxSteps: 5, BeamSize: 3, PerNodeBeamSize: 2}, seed: 11},
		{name: "beam1", cfg: Config{EndToken: 2, MaxSteps: 6, BeamSize: 1}, seed: 13},
		{name: "beam4-pernode5", cfg: Config{EndToken: 1, MaxSteps: 4, BeamSize: 4, PerNodeBeamSize: 5}, seed: 17},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			vocab := 6
			table := randomLogProbTable(vocab, tc.seed)
			starts := []int{1, 3}

			s := New(tc.cfg)
			res, err := s.Search(context.Background(), starts, State{}, tableStep(table, nil))
			if err != nil {
				t.Fatalf("search: %v", err)
			}

			for b, start := range starts {
				wantSeqs, wantLPs := naiveSearch(table, start, s.Config())
				for k := range wantSeqs {
					if !reflect.DeepEqual(res.Predictions[b][k], wantSeqs[k]) {
						t.Fatalf("batch %d beam %d: sequence = %v, want %v", b, k, res.Predictions[b][k], wantSeqs[k])
					}
					if diff := math.Abs(float64(res.LogProbs[b][k] - wantLPs[k])); diff > 1e-5 {
						t.Fatalf("batch %d beam %d: log prob = %f, want %f", b, k, res.LogProbs[b][k], wantLPs[k])
					}
				}
			}
		})
	}
}

// statefulStep returns a step function whose distribution depends on both
// the last token and an accumulated state value, so a wrong state gather
// shows up as a replay mismatch. The state key "sum" accumulates the token
// ids seen along each hypothesis's ancestry.
func statefulStep(table [][]float32) StepFunc {
	return func(ctx context.Context, lastTokens []int, state State) (*tensor.Mat, State, error) {
		sum := state["sum"]
		vocab := len(table[0])
		probs := tensor.NewMat(len(lastTokens), vocab)
		next := tensor.NewArray(sum.Shape...)
		for g, tok := range lastTokens {
			key := (tok*7 + int(sum.Block(g)[0])) % len(table)
			copy(probs.Row(g), table[key])
			next.Block(g)[0] = sum.Block(g)[0] + float32(tok)
		}
		return probs, State{"sum": next}, nil
	}
}

// TestSearchReplayConsistency re-scores every returned sequence by replaying
// the step function along it, applying the forced-end law once the end token
// has been emitted. A mismatch would indicate broken backpointer tracking,
// state gathering or reconstruction.
func TestSearchReplayConsistency(t *testing.T) {
	vocab := 7
	table := randomLogProbTable(vocab, 23)
	// Bias the end token so sequences actually finish.
	for i := range table {
		table[i][1] += 20
	}

	starts := []int{2, 5, 6}
	s := New(Config{EndToken: 1, MaxSteps: 8, BeamSize: 3})
	res, err := s.Search(context.Background(), starts, State{"sum": tensor.NewArray(len(starts), 1)}, statefulStep(table))
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	for b, start := range starts {
		for k, seq := range res.Predictions[b] {
			var total float32
			sum := 0
			last := start
			ended := false
			for _, tok := range seq {
				if ended {
					if tok != 1 {
						t.Fatalf("batch %d beam %d: token %d after end in %v", b, k, tok, seq)
					}
					// Forced-end contributes exactly zero.
				} else {
					key := (last*7 + sum) % len(table)
					total += table[key][tok]
				}
				sum += last
				last = tok
				if tok == 1 {
					ended = true
				}
			}
			if diff := math.Abs(float64(res.LogProbs[b][k] - total)); diff > 1e-4 {
				t.Fatalf("batch %d beam %d: log prob = %f, replay = %f (seq %v)", b, k, res.LogProbs[b][k], total, seq)
			}
		}
	}
}

func TestSearchEarlyStop(t *testing.T) {
	// The first step prefers token 2, every later step overwhelmingly
	// prefers the end token, so all hypotheses finish on the second step
	// and the loop must stop without further scoring calls.
	table := [][]float32{
		{-8, -9, -0.5, -2},
		{-8, -9, -0.5, -2},
		{-0.01, -9, -10, -6},
		{-0.01, -9, -10, -6},
	}
	calls := 0
	s := New(Config{EndToken: 0, MaxSteps: 10, BeamSize: 2})
	res, err := s.Search(context.Background(), []int{0}, State{}, tableStep(table, &calls))
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected exactly 2 scoring calls, got %d", calls)
	}
	for k, seq := range res.Predictions[0] {
		if len(seq) != 2 {
			t.Fatalf("beam %d: sequence length = %d, want 2 (early stop)", k, len(seq))
		}
		if seq[1] != 0 {
			t.Fatalf("beam %d: expected end token at step 1, got %v", k, seq)
		}
	}
}

func TestSearchSingleStep(t *testing.T) {
	table := randomLogProbTable(5, 31)
	calls := 0
	s := New(Config{EndToken: 0, MaxSteps: 1, BeamSize: 3})
	res, err := s.Search(context.Background(), []int{1}, State{}, tableStep(table, &calls))
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single scoring call, got %d", calls)
	}
	for k, seq := range res.Predictions[0] {
		if len(seq) != 1 {
			t.Fatalf("beam %d: sequence length = %d, want 1", k, len(seq))
		}
	}
}

func TestSearchVocabTooSmall(t *testing.T) {
	table := randomLogProbTable(3, 5)
	calls := 0
	s := New(Config{EndToken: 0, MaxSteps: 4, BeamSize: 2, PerNodeBeamSize: 5})
	_, err := s.Search(context.Background(), []int{1}, State{}, tableStep(table, &calls))
	if !errors.Is(err, ErrVocabTooSmall) {
		t.Fatalf("expected ErrVocabTooSmall, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected the error before any second scoring call, got %d calls", calls)
	}
}

func TestSearchValidation(t *testing.T) {
	table := randomLogProbTable(4, 9)
	s := New(Config{EndToken: 0, MaxSteps: 3, BeamSize: 2})

	if _, err := s.Search(context.Background(), nil, State{}, tableStep(table, nil)); err == nil {
		t.Fatalf("expected error for empty start tokens")
	}

	bad := New(Config{EndToken: 9, MaxSteps: 3, BeamSize: 2})
	if _, err := bad.Search(context.Background(), []int{1}, State{}, tableStep(table, nil)); err == nil {
		t.Fatalf("expected error for end token outside vocabulary")
	}

	wide := New(Config{EndToken: 0, MaxSteps: 3, BeamSize: 9})
	if _, err := wide.Search(context.Background(), []int{1}, State{}, tableStep(table, nil)); err == nil {
		t.Fatalf("expected error for beam size wider than vocabulary")
	}

	// State with the wrong leading dimension is rejected when broadcast
	// across the beam.
	badState := State{"h": tensor.NewArray(3, 2)}
	if _, err := s.Search(context.Background(), []int{1}, badState, tableStep(table, nil)); err == nil {
		t.Fatalf("expected error for state leading dimension mismatch")
	}
}

func TestSearchDeterminism(t *testing.T) {
	vocab := 6
	table := randomLogProbTable(vocab, 41)
	starts := []int{1, 4}
	run := func() *Result {
		s := New(Config{EndToken: 0, MaxSteps: 6, BeamSize: 3})
		res, err := s.Search(context.Background(), starts, State{"sum": tensor.NewArray(len(starts), 1)}, statefulStep(table))
		if err != nil {
			t.Fatalf("search: %v", err)
		}
		return res
	}
	if a, b := run(), run(); !reflect.DeepEqual(a, b) {
		t.Fatalf("two identical searches disagree:\n%v\nvs\n%v", a, b)
	}
}

// TestSearchWithFirstStep checks the group-size contract: the first scoring
// call sees one hypothesis per batch element, every later call sees
// batch*beam, and state trailing dimensions survive the broadcast and the
// per-step gathers untouched.
func TestSearchWithFirstStep(t *testing.T) {
	vocab := 5
	batch := 2
	beamSize := 3
	table := randomLogProbTable(vocab, 19)

	var firstGroups, stepGroups []int
	first := func(ctx context.Context, lastTokens []int, state State) (*tensor.Mat, State, error) {
		firstGroups = append(firstGroups, len(lastTokens))
		probs := tensor.NewMat(len(lastTokens), vocab)
		for g, tok := range lastTokens {
			copy(probs.Row(g), table[tok%len(table)])
		}
		return probs, state, nil
	}
	step := func(ctx context.Context, lastTokens []int, state State) (*tensor.Mat, State, error) {
		stepGroups = append(stepGroups, len(lastTokens))
		h := state["h"]
		if got, want := h.Lead(), len(lastTokens); got != want {
			t.Fatalf("state leading dimension = %d, want %d", got, want)
		}
		if !reflect.DeepEqual(h.Shape[1:], []int{2, 3}) {
			t.Fatalf("state trailing dimensions changed: %v", h.Shape)
		}
		probs := tensor.NewMat(len(lastTokens), vocab)
		for g, tok := range lastTokens {
			copy(probs.Row(g), table[tok%len(table)])
		}
		return probs, state, nil
	}

	start := State{"h": tensor.NewArray(batch, 2, 3)}
	for b := 0; b < batch; b++ {
		for i := range start["h"].Block(b) {
			start["h"].Block(b)[i] = float32(b*100 + i)
		}
	}

	s := New(Config{EndToken: 0, MaxSteps: 4, BeamSize: beamSize})
	if _, err := s.SearchWithFirstStep(context.Background(), []int{1, 2}, start, first, step); err != nil {
		t.Fatalf("search: %v", err)
	}
	if !reflect.DeepEqual(firstGroups, []int{batch}) {
		t.Fatalf("first step groups = %v, want [%d]", firstGroups, batch)
	}
	for _, g := range stepGroups {
		if g != batch*beamSize {
			t.Fatalf("step group = %d, want %d", g, batch*beamSize)
		}
	}
	if len(stepGroups) == 0 {
		t.Fatalf("step function never called")
	}
}

func TestSearchContextCancelled(t *testing.T) {
	table := randomLogProbTable(5, 3)
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	step := func(c context.Context, lastTokens []int, state State) (*tensor.Mat, State, error) {
		calls++
		if calls == 1 {
			cancel()
		}
		probs := tensor.NewMat(len(lastTokens), 5)
		for g, tok := range lastTokens {
			copy(probs.Row(g), table[tok%len(table)])
		}
		return probs, state, nil
	}

	s := New(Config{EndToken: 0, MaxSteps: 10, BeamSize: 2})
	_, err := s.Search(ctx, []int{1}, State{}, step)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected no scoring calls after cancellation, got %d", calls)
	}
}

func TestReconstruct(t *testing.T) {
	// Two batch elements, beam 2, three steps. Slot ancestry is crossed on
	// purpose so a sloppy walk would produce the wrong sequences.
	predictions := [][]int{
		{10, 11 /* b0 */, 20, 21 /* b1 */},
		{12, 13, 22, 23},
		{14, 15, 24, 25},
	}
	backpointers := [][]int{
		{1, 0, 0, 0},
		{0, 1, 1, 0},
	}
	lps := []float32{-1, -2, -3, -4}

	res := reconstruct(2, 2, predictions, backpointers, lps)
	want := [][][]int{
		{{11, 12, 14}, {10, 13, 15}},
		{{20, 23, 24}, {20, 22, 25}},
	}
	if !reflect.DeepEqual(res.Predictions, want) {
		t.Fatalf("reconstructed = %v, want %v", res.Predictions, want)
	}
}

func TestTopK(t *testing.T) {
	idx := make([]int, 3)
	val := make([]float32, 3)

	gotIdx, gotVal := topK([]float32{1, 5, 3, 5, 2}, 3, idx, val)
	// Equal values keep their index order: the first 5 ranks before the
	// second.
	if !reflect.DeepEqual(gotIdx, []int{1, 3, 2}) {
		t.Fatalf("topK indices = %v, want [1 3 2]", gotIdx)
	}
	if !reflect.DeepEqual(gotVal, []float32{5, 5, 3}) {
		t.Fatalf("topK values = %v, want [5 5 3]", gotVal)
	}

	gotIdx, _ = topK([]float32{2, 1}, 2, idx, val)
	if !reflect.DeepEqual(gotIdx, []int{0, 1}) {
		t.Fatalf("topK indices = %v, want [0 1]", gotIdx)
	}
}
