// Package simgen provides a seeded in-process generator that honors the
// rollout generator contract, so budget forcing can be dry-run end to end
// without a model. Tokens are drawn from random logits; end-of-thinking and
// end-of-sequence attempts are injected on configurable intervals.
package simgen

import (
	"context"
	"math/rand"

	"github.com/jbxnes/deepseek-s1/internal/rollout"
	"github.com/jbxnes/deepseek-s1/internal/sampling"
)

// Generator simulates an autoregressive decoder over a fixed vocabulary.
type Generator struct {
	vocabSize int
	eosID     int

	sampler *sampling.Sampler
	rng     *rand.Rand

	terminatorRun []int
	// terminatorEvery injects the terminator run after roughly this many
	// tokens within a round. Zero disables injection.
	terminatorEvery int
	// eosEvery injects a bare end-of-sequence token on this interval.
	// Zero disables injection.
	eosEvery int
}

// Option is a function that modifies the generator.
type Option func(*Generator)

// WithSeed makes the simulation reproducible.
func WithSeed(seed int64) Option {
	return func(g *Generator) {
		g.sampler = sampling.NewSampler(seed)
		g.rng = rand.New(rand.NewSource(seed + 1))
	}
}

// WithTerminatorRun sets the token triple injected as a termination attempt.
func WithTerminatorRun(ids []int) Option {
	return func(g *Generator) { g.terminatorRun = append([]int(nil), ids...) }
}

// WithTerminatorInterval injects a termination attempt every n tokens.
func WithTerminatorInterval(n int) Option {
	return func(g *Generator) { g.terminatorEvery = n }
}

// WithEOSInterval injects a bare end-of-sequence token every n tokens.
func WithEOSInterval(n int) Option {
	return func(g *Generator) { g.eosEvery = n }
}

// New creates a simulated generator over vocabSize token ids.
func New(vocabSize, eosID int, opts ...Option) *Generator {
	g := &Generator{
		vocabSize: vocabSize,
		eosID:     eosID,
		sampler:   sampling.NewSampler(0),
		rng:       rand.New(rand.NewSource(rand.Int63())),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate produces up to MaxNewTokens per request, evaluating the stop
// criteria after every step. In a batch-synchronous round any stop verdict
// halts the whole round; with PerRequest set only the matching request halts.
func (g *Generator) Generate(ctx context.Context, req *rollout.Request) (*rollout.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n := len(req.InputIDs)
	seqs := make([][]int, n)
	for i, in := range req.InputIDs {
		seqs[i] = append([]int(nil), in...)
	}

	res := &rollout.Result{
		Sequences: seqs,
		Finished:  make([]bool, n),
	}
	if req.Logprobs {
		res.Logprobs = make([][]float32, n)
	}

	halted := make([]bool, n)
	pending := make([][]int, n) // queued injection tokens, emitted one per step

	for step := 0; step < req.MaxNewTokens; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		emitted := false
		for i := range seqs {
			if halted[i] {
				continue
			}
			tok, lp := g.next(i, step, pending, req.Sampling)
			seqs[i] = append(seqs[i], tok)
			if req.Logprobs {
				res.Logprobs[i] = append(res.Logprobs[i], lp)
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

		allHalted := true
		for i := range halted {
			if !halted[i] {
				allHalted = false
				break
			}
		}
		if allHalted {
			break
		}
	}

	return res, nil
}

// next picks the token for one sequence at one step, preferring any queued
// injection tokens.
func (g *Generator) next(i, step int, pending [][]int, params sampling.Params) (int, float32) {
	if len(pending[i]) > 0 {
		tok := pending[i][0]
		pending[i] = pending[i][1:]
		return tok, 0
	}

	if g.terminatorEvery > 0 && step > 0 && (step+1)%g.terminatorEvery == 0 && len(g.terminatorRun) > 0 {
		pending[i] = append([]int(nil), g.terminatorRun[1:]...)
		return g.terminatorRun[0], 0
	}
	if g.eosEvery > 0 && step > 0 && (step+1)%g.eosEvery == 0 {
		return g.eosID, 0
	}

	logits := make([]float32, g.vocabSize)
	for j := range logits {
		logits[j] = g.rng.Float32() * 4
	}
	if params.Temperature == 0 {
		params = sampling.DefaultParams()
	}
	tok := g.sampler.Sample(logits, params)
	// Never emit control tokens by accident; the schedule owns those.
	if tok == g.eosID {
		tok = (tok + 1) % g.vocabSize
	}
	return tok, sampling.Logprob(logits, tok)
}
