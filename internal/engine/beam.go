package engine

import (
	"fmt"
	"math"
	"sort"
)

// BeamSelector keeps the running log-probability of every beam and picks
// the best continuations after each forward pass.
type BeamSelector struct {
	batch     int
	beams     int
	vocab     int
	scores    []float64
	firstStep bool
}

func NewBeamSelector(batch, beams, vocab int) *BeamSelector {
	return &BeamSelector{
		batch:     batch,
		beams:     beams,
		vocab:     vocab,
		scores:    make([]float64, batch*beams),
		firstStep: true,
	}
}

// Selection is the outcome of one search step. Mapping[j] is the beam the
// new beam j continues; Tokens[j] is the token it appends.
type Selection struct {
	Mapping []int32
	Tokens  []int32
	Scores  []float64
}

// Identity reports whether every beam continues itself.
func (s Selection) Identity() bool {
	for j, m := range s.Mapping {
		if int(m) != j {
			return false
		}
	}
	return true
}

type candidate struct {
	beam  int
	token int
	score float64
}

// Select consumes batch*beams rows of vocab logits. On the first step all
// beams of a batch entry hold the same prefix, so only beam 0 is expanded.
func (s *BeamSelector) Select(logits []float32) (Selection, error) {
	bb := s.batch * s.beams
	if len(logits) != bb*s.vocab {
		return Selection{}, fmt.Errorf("logits: got %d values, want %d rows of %d", len(logits), bb, s.vocab)
	}
	sel := Selection{
		Mapping: make([]int32, bb),
		Tokens:  make([]int32, bb),
		Scores:  make([]float64, bb),
	}
	for b := 0; b < s.batch; b++ {
		expand := s.beams
		if s.firstStep {
			expand = 1
		}
		cands := make([]candidate, 0, expand*s.vocab)
		for k := 0; k < expand; k++ {
			beam := b*s.beams + k
			row := logSoftmax(logits[beam*s.vocab : (beam+1)*s.vocab])
			for tok, lp := range row {
				cands = append(cands, candidate{beam: beam, token: tok, score: s.scores[beam] + lp})
			}
		}
		sort.SliceStable(cands, func(i, j int) bool { return cands[i].score > cands[j].score })
		for j := 0; j < s.beams; j++ {
			c := cands[j%len(cands)]
			dst := b*s.beams + j
			sel.Mapping[dst] = int32(c.beam)
			sel.Tokens[dst] = int32(c.token)
			sel.Scores[dst] = c.score
		}
	}
	copy(s.scores, sel.Scores)
	s.firstStep = false
	return sel, nil
}

// Scores returns the cumulative log-probability of every beam.
func (s *BeamSelector) Scores() []float64 {
	return append([]float64(nil), s.scores...)
}

func logSoftmax(logits []float32) []float64 {
	maxVal := math.Inf(-1)
	for _, v := range logits {
		if f := float64(v); f > maxVal {
			maxVal = f
		}
	}
	var sum float64
	for _, v := range logits {
		sum += math.Exp(float64(v) - maxVal)
	}
	lse := maxVal + math.Log(sum)
	out := make([]float64, len(logits))
	for i, v := range logits {
		out[i] = float64(v) - lse
	}
	return out
}
