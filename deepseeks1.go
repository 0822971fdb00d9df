// Package deepseeks1 exposes budget-forced rollout generation: prompts go
// in, completions with at least a minimum and at most a maximum number of new
// tokens come out, with attempted early terminations intercepted and rewritten
// into forced continuations.
package deepseeks1

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/jbxnes/deepseek-s1/internal/config"
	"github.com/jbxnes/deepseek-s1/internal/rollout"
)

// Rollout ties a generator and a vocabulary to a validated configuration and
// a terminator pattern set built once for that vocabulary.
type Rollout struct {
	cfg      *config.Config
	gen      rollout.Generator
	vocab    rollout.Vocabulary
	patterns *rollout.TerminatorPatternSet
}

// New validates the configuration and derives the terminator patterns from
// the vocabulary. A *config.ConfigurationError is returned before any
// generation can happen when the budget margin is too small.
func New(gen rollout.Generator, vocab rollout.Vocabulary, opts ...config.Option) (*Rollout, error) {
	cfg, err := config.New(opts...)
	if err != nil {
		return nil, err
	}
	patterns, err := rollout.BuildTerminatorPatternSet(vocab, cfg)
	if err != nil {
		return nil, err
	}
	return &Rollout{cfg: cfg, gen: gen, vocab: vocab, patterns: patterns}, nil
}

// Degraded reports whether terminator detection is disabled for this
// vocabulary; end-of-sequence interception still functions.
func (r *Rollout) Degraded() bool { return r.patterns.Degraded() }

// Config returns the validated configuration.
func (r *Rollout) Config() *config.Config { return r.cfg }

// GenerateBudgetForced runs the budget-forced rollout over tokenized prompts.
// The batch is split into micro-batches, each driven by its own controller,
// with bounded concurrency. Output rows are restored to submission order.
func (r *Rollout) GenerateBudgetForced(ctx context.Context, prompts [][]int) (*rollout.BatchOutput, error) {
	return r.run(ctx, prompts, true)
}

// Generate runs a single unforced round per micro-batch, bounded by the
// maximum budget, letting the generator terminate naturally.
func (r *Rollout) Generate(ctx context.Context, prompts [][]int) (*rollout.BatchOutput, error) {
	return r.run(ctx, prompts, false)
}

func (r *Rollout) run(ctx context.Context, prompts [][]int, forced bool) (*rollout.BatchOutput, error) {
	if len(prompts) == 0 {
		return nil, fmt.Errorf("no prompts")
	}

	chunks := chunkPrompts(prompts, r.cfg.MicroBatchSize)

	states := make([][]*rollout.SequenceState, len(chunks))
	errs := make([]error, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	if r.cfg.Concurrency > 0 {
		g.SetLimit(r.cfg.Concurrency)
	}

	next := 0
	for ci, chunk := range chunks {
		ci, chunk, base := ci, chunk, next
		next += len(chunk)
		g.Go(func() error {
			ctrl, err := rollout.NewController(r.cfg, r.gen, r.patterns, r.vocab.EOSID())
			if err != nil {
				return err
			}
			var out []*rollout.SequenceState
			if forced {
				out, err = ctrl.Run(gctx, chunk, base)
			} else {
				out, err = ctrl.RunPlain(gctx, chunk, base)
			}
			states[ci] = out
			if err != nil && r.cfg.Mode == config.PerRequest && gctx.Err() == nil {
				// A stalled request aborts only itself; the rest of
				// the batch is still assembled.
				errs[ci] = err
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []*rollout.SequenceState
	for _, chunk := range states {
		all = append(all, chunk...)
	}
	perRequestErr := errors.Join(errs...)
	if len(all) == 0 {
		if perRequestErr != nil {
			return nil, perRequestErr
		}
		return nil, fmt.Errorf("no completed sequences")
	}

	out, err := rollout.Assemble(all, r.vocab.PadID(), r.cfg.Logprobs)
	if err != nil {
		return nil, err
	}
	return out, perRequestErr
}

// chunkPrompts splits the batch into micro-batches of at most size prompts.
// A size of zero keeps the batch whole.
func chunkPrompts(prompts [][]int, size int) [][][]int {
	if size <= 0 || size >= len(prompts) {
		return [][][]int{prompts}
	}
	var chunks [][][]int
	for start := 0; start < len(prompts); start += size {
		end := start + size
		if end > len(prompts) {
			end = len(prompts)
		}
		chunks = append(chunks, prompts[start:end])
	}
	return chunks
}
