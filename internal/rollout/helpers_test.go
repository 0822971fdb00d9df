package rollout

import (
	"context"

	"github.com/jbxnes/deepseek-s1/internal/config"
)

// fakeVocab is a map-backed Vocabulary for tests.
type fakeVocab struct {
	entries map[string]int
	eos     int
	pad     int
}

func newTestVocab() *fakeVocab {
	return &fakeVocab{
		entries: map[string]int{
			"a": 1, "b": 2, "c": 3,
			"</": 10, "x</": 11,
			">": 20, ">\n": 21,
			"think": 30,
			"\n":    40, "Wait": 41, ",": 42, "Hmm": 43,
			"<eos>": 99,
		},
		eos: 99,
		pad: 0,
	}
}

func (v *fakeVocab) Decode(id int) string {
	for s, i := range v.entries {
		if i == id {
			return s
		}
	}
	return ""
}

func (v *fakeVocab) LookupID(token string) (int, bool) {
	id, ok := v.entries[token]
	return id, ok
}

func (v *fakeVocab) Entries() map[string]int { return v.entries }
func (v *fakeVocab) EOSID() int              { return v.eos }
func (v *fakeVocab) PadID() int              { return v.pad }

func testConfig(min, max int) *config.Config {
	cfg := config.Default()
	cfg.MinBudget = min
	cfg.MaxBudget = max
	return cfg
}

func mustPatterns(vocab Vocabulary, cfg *config.Config) *TerminatorPatternSet {
	ps, err := BuildTerminatorPatternSet(vocab, cfg)
	if err != nil {
		panic(err)
	}
	return ps
}

// fakeGen is a scripted generator. program picks the token for a sequence
// from its full current buffer and the step index within the round; sequences
// are told apart by their first prompt token.
type fakeGen struct {
	eosID   int
	program func(seq []int, step int) int

	calls []*Request
}

func (g *fakeGen) Generate(ctx context.Context, req *Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.calls = append(g.calls, req)

	n := len(req.InputIDs)
	seqs := make([][]int, n)
	for i, in := range req.InputIDs {
		seqs[i] = append([]int(nil), in...)
	}

	res := &Result{Sequences: seqs, Finished: make([]bool, n)}
	if req.Logprobs {
		res.Logprobs = make([][]float32, n)
	}

	halted := make([]bool, n)
	for step := 0; step < req.MaxNewTokens; step++ {
		emitted := false
		for i := range seqs {
			if halted[i] {
				continue
			}
			tok := g.program(seqs[i], step)
			if tok < 0 {
				// Negative token: the script halts this sequence
				// without emitting anything.
				halted[i] = true
				continue
			}
			seqs[i] = append(seqs[i], tok)
			if req.Logprobs {
				res.Logprobs[i] = append(res.Logprobs[i], -0.5)
			}
			emitted = true
			if tok == g.eosID {
				halted[i] = true
				res.Finished[i] = true
			}
		}
		if !emitted {
			break
		}

		if req.Stop != nil {
			verdicts := req.Stop.ShouldStop(seqs)
			if req.PerRequest {
				for i, v := range verdicts {
					if v {
						halted[i] = true
					}
				}
			} else {
				for _, v := range verdicts {
					if v {
						return res, nil
					}
				}
			}
		}

		all := true
		for i := range halted {
			if !halted[i] {
				all = false
				break
			}
		}
		if all {
			break
		}
	}
	return res, nil
}

// emptyGen returns contexts unchanged, simulating a round with zero progress.
type emptyGen struct{ calls int }

func (g *emptyGen) Generate(_ context.Context, req *Request) (*Result, error) {
	g.calls++
	return &Result{Sequences: req.InputIDs, Finished: make([]bool, len(req.InputIDs))}, nil
}

// truncGen violates the generator contract by returning a shorter sequence.
type truncGen struct{}

func (g *truncGen) Generate(_ context.Context, req *Request) (*Result, error) {
	out := make([][]int, len(req.InputIDs))
	for i, in := range req.InputIDs {
		out[i] = in[:len(in)/2]
	}
	return &Result{Sequences: out, Finished: make([]bool, len(out))}, nil
}
