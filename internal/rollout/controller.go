package rollout

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jbxnes/deepseek-s1/internal/config"
	"github.com/jbxnes/deepseek-s1/internal/sampling"
)

// Controller drives budget-forced generation for one rollout batch: a priming
// round, a forcing loop that splices attempted terminations until every
// request has consumed its minimum budget, and one unconstrained finishing
// round inside the reserved margin. One controller owns its batch; concurrent
// batches get their own controllers.
type Controller struct {
	cfg      *config.Config
	gen      Generator
	patterns *TerminatorPatternSet
	eosID    int
	logger   *slog.Logger
}

// NewController validates the configuration and builds a controller. The
// budget-margin invariant is enforced here, before any generation call.
func NewController(cfg *config.Config, gen Generator, patterns *TerminatorPatternSet, eosID int) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Controller{
		cfg:      cfg,
		gen:      gen,
		patterns: patterns,
		eosID:    eosID,
		logger:   slog.Default(),
	}, nil
}

// Run executes the budget-forced rollout for a batch of tokenized prompts.
// Request ids are assigned from baseRequestID in submission order. In
// per-request mode each request is tracked to completion independently and
// the returned states are in completion order; callers restore submission
// order through the assembler.
func (c *Controller) Run(ctx context.Context, prompts [][]int, baseRequestID int) ([]*SequenceState, error) {
	states := make([]*SequenceState, len(prompts))
	for i, p := range prompts {
		states[i] = NewSequenceState(baseRequestID+i, p)
	}

	if c.cfg.Mode == config.PerRequest {
		return c.runPerRequest(ctx, states)
	}
	if err := c.runBatch(ctx, states); err != nil {
		return nil, err
	}
	return states, nil
}

// RunPlain executes a single generation round with no forcing: the generator
// terminates naturally, bounded by the maximum budget.
func (c *Controller) RunPlain(ctx context.Context, prompts [][]int, baseRequestID int) ([]*SequenceState, error) {
	states := make([]*SequenceState, len(prompts))
	for i, p := range prompts {
		states[i] = NewSequenceState(baseRequestID+i, p)
	}
	if err := c.round(ctx, states, c.cfg.MaxBudget, nil, c.cfg.Mode == config.PerRequest); err != nil {
		return nil, err
	}
	for _, s := range states {
		s.Status = StatusDone
	}
	return states, nil
}

// runPerRequest drives each request through the full state machine on its
// own. A stalled request aborts only itself; the rest of the batch completes.
func (c *Controller) runPerRequest(ctx context.Context, states []*SequenceState) ([]*SequenceState, error) {
	var done []*SequenceState
	var errs []error
	for _, s := range states {
		if err := c.runBatch(ctx, []*SequenceState{s}); err != nil {
			if ctx.Err() != nil {
				return done, err
			}
			errs = append(errs, err)
			continue
		}
		done = append(done, s)
	}
	return done, errors.Join(errs...)
}

// runBatch is the Priming -> Forcing -> Finishing state machine over a set of
// requests that stop and resume together.
func (c *Controller) runBatch(ctx context.Context, states []*SequenceState) error {
	perRequest := len(states) == 1 && c.cfg.Mode == config.PerRequest
	stop := CombineStops(NewTerminatorStop(c.patterns), NewEOSStop(c.eosID))
	budgetCut := c.cfg.MaxBudget - config.ReservedMargin

	// Priming: one round over all requests, halted as soon as a tail
	// matches a terminator or end-of-sequence token.
	if err := c.round(ctx, states, budgetCut, stop, perRequest); err != nil {
		return err
	}
	c.updateStatuses(states)
	c.logger.Debug("budget forcing primed", "used", maxConsumed(states), "min", c.cfg.MinBudget)

	// Forcing: splice attempted terminations and regenerate until every
	// request has consumed its minimum budget.
	for c.anyBelowMin(states) {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := c.spliceTails(states); err != nil {
			return err
		}

		before := make([]int, len(states))
		for i, s := range states {
			before[i] = s.ConsumedBudget()
		}

		maxNew := budgetCut - maxConsumed(states)
		if err := c.round(ctx, states, maxNew, stop, perRequest); err != nil {
			return err
		}

		// Progress guard: a model that regenerates the same terminator
		// immediately after splicing would otherwise loop forever.
		for i, s := range states {
			if s.ConsumedBudget() <= before[i] && s.ConsumedBudget() < c.cfg.MinBudget {
				return &ProgressStalledError{RequestID: s.RequestID, ConsumedBudget: s.ConsumedBudget()}
			}
		}

		c.updateStatuses(states)
		c.logger.Debug("budget forcing round", "used", maxConsumed(states), "min", c.cfg.MinBudget, "max", c.cfg.MaxBudget)
	}

	// Finishing: exactly one unconstrained round inside the remaining
	// headroom so the model can close out naturally.
	if err := ctx.Err(); err != nil {
		return err
	}
	if headroom := c.cfg.MaxBudget - maxConsumed(states); headroom > 0 {
		if err := c.round(ctx, states, headroom, nil, perRequest); err != nil {
			return err
		}
	}

	for _, s := range states {
		s.Status = StatusDone
	}
	return nil
}

// round makes one generator call over the current contexts and appends the
// newly produced tokens to each state.
func (c *Controller) round(ctx context.Context, states []*SequenceState, maxNew int, stop StopCriteria, perRequest bool) error {
	req := &Request{
		InputIDs:      make([][]int, len(states)),
		AttentionMask: make([][]int, len(states)),
		PositionIDs:   make([][]int, len(states)),
		MaxNewTokens:  maxNew,
		Stop:          stop,
		PerRequest:    perRequest,
		Sampling: sampling.Params{
			Temperature: c.cfg.Temperature,
			TopP:        c.cfg.TopP,
			TopK:        c.cfg.TopK,
			Seed:        c.cfg.Seed,
		},
		Logprobs: c.cfg.Logprobs,
	}
	for i, s := range states {
		// The generator owns its copies; splicing must never race a
		// buffer the engine still references.
		req.InputIDs[i] = append([]int(nil), s.Tokens...)
		req.AttentionMask[i] = append([]int(nil), s.AttentionMask...)
		req.PositionIDs[i] = append([]int(nil), s.PositionIDs...)
	}

	res, err := c.gen.Generate(ctx, req)
	if err != nil {
		return err
	}

	for i, s := range states {
		full := res.Sequences[i]
		if len(full) < len(s.Tokens) {
			return &MalformedOutputError{RequestID: s.RequestID, Context: len(s.Tokens), Returned: len(full)}
		}
		var lp []float32
		if res.Logprobs != nil {
			lp = res.Logprobs[i]
		}
		s.Append(full[len(s.Tokens):], lp)
	}
	return nil
}

// spliceTails rewrites every tail that attempted to terminate. Terminator
// patterns take precedence over a bare end-of-sequence token.
func (c *Controller) spliceTails(states []*SequenceState) error {
	seqs := make([][]int, len(states))
	for i, s := range states {
		seqs[i] = s.Tokens
	}
	termMatch := MatchTails(seqs, c.patterns)
	eosMatch := MatchEOS(seqs, c.eosID)

	for i, s := range states {
		switch {
		case termMatch[i] && s.ConsumedBudget() >= 3:
			if err := SpliceTerminator(s, c.patterns); err != nil {
				return err
			}
		case eosMatch[i] && s.ConsumedBudget() >= 1:
			if err := SpliceEOS(s, c.patterns); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Controller) updateStatuses(states []*SequenceState) {
	for _, s := range states {
		if s.ConsumedBudget() < c.cfg.MinBudget {
			s.Status = StatusAwaitingBudget
		} else {
			s.Status = StatusFinalizing
		}
	}
}

func (c *Controller) anyBelowMin(states []*SequenceState) bool {
	for _, s := range states {
		if s.ConsumedBudget() < c.cfg.MinBudget {
			return true
		}
	}
	return false
}

func maxConsumed(states []*SequenceState) int {
	var max int
	for _, s := range states {
		if s.ConsumedBudget() > max {
			max = s.ConsumedBudget()
		}
	}
	return max
}
