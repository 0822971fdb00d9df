package rollout

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbxnes/deepseek-s1/internal/config"
)

// terminatorProgram scripts a model that tries to close its reasoning block
// every `period` steps: filler tokens, then the "</" "think" ">" triple on the
// last three steps of each period.
func terminatorProgram(period int) func(seq []int, step int) int {
	return func(_ []int, step int) int {
		switch step % period {
		case period - 3:
			return 10
		case period - 2:
			return 30
		case period - 1:
			return 20
		}
		return 1
	}
}

// eosAtStep scripts a model that emits end-of-sequence on a fixed step of
// every round. match limits the behavior to sequences with that first prompt
// token; zero applies it to all.
func eosAtStep(step, match int) func(seq []int, step int) int {
	return func(seq []int, s int) int {
		if (match == 0 || seq[0] == match) && s == step {
			return 99
		}
		return 1
	}
}

func TestControllerBudgetBounds(t *testing.T) {
	vocab := newTestVocab()
	cfg := testConfig(256, 400)
	gen := &fakeGen{eosID: 99, program: terminatorProgram(50)}

	c, err := NewController(cfg, gen, mustPatterns(vocab, cfg), vocab.EOSID())
	require.NoError(t, err)

	states, err := c.Run(context.Background(), [][]int{{5, 6}}, 0)
	require.NoError(t, err)
	require.Len(t, states, 1)

	s := states[0]
	assert.Equal(t, StatusDone, s.Status)
	assert.GreaterOrEqual(t, s.ConsumedBudget(), cfg.MinBudget)
	assert.LessOrEqual(t, s.ConsumedBudget(), cfg.MaxBudget)

	// One priming round of 50, five forcing rounds to reach 300, one
	// finishing round of the remaining headroom.
	require.Len(t, gen.calls, 7)
	assert.Equal(t, cfg.MaxBudget-config.ReservedMargin, gen.calls[0].MaxNewTokens)
	assert.NotNil(t, gen.calls[0].Stop)

	last := gen.calls[len(gen.calls)-1]
	assert.Nil(t, last.Stop)
	assert.Equal(t, 100, last.MaxNewTokens)
	assert.Equal(t, 400, s.ConsumedBudget())
}

func TestControllerSplicesTerminatorTails(t *testing.T) {
	vocab := newTestVocab()
	cfg := testConfig(256, 400)
	gen := &fakeGen{eosID: 99, program: terminatorProgram(50)}

	c, err := NewController(cfg, gen, mustPatterns(vocab, cfg), vocab.EOSID())
	require.NoError(t, err)

	states, err := c.Run(context.Background(), [][]int{{5}}, 0)
	require.NoError(t, err)

	// Every terminator attempt before the minimum budget was reached got
	// rewritten to the continuation run.
	out := states[0].GeneratedTokens()
	for _, pos := range []int{47, 97, 147, 197, 247} {
		assert.Equal(t, []int{40, 41, 42}, out[pos:pos+3], "splice at %d", pos)
	}
}

func TestControllerBatchSynchronousEOS(t *testing.T) {
	vocab := newTestVocab()
	cfg := testConfig(30, 200)
	gen := &fakeGen{eosID: 99, program: eosAtStep(9, 902)}

	c, err := NewController(cfg, gen, mustPatterns(vocab, cfg), vocab.EOSID())
	require.NoError(t, err)

	states, err := c.Run(context.Background(), [][]int{{901}, {902}, {903}}, 0)
	require.NoError(t, err)
	require.Len(t, states, 3)

	// One request attempting end-of-sequence halts the whole batch; all
	// three resume together after the splice.
	eager := states[1]
	assert.Equal(t, 40, eager.GeneratedTokens()[9])
	assert.Equal(t, 40, eager.GeneratedTokens()[19])
	assert.GreaterOrEqual(t, eager.ConsumedBudget(), cfg.MinBudget)

	for _, s := range states {
		assert.Equal(t, StatusDone, s.Status)
		assert.GreaterOrEqual(t, s.ConsumedBudget(), cfg.MinBudget)
		assert.LessOrEqual(t, s.ConsumedBudget(), cfg.MaxBudget)
	}

	// The quiet requests used the full finishing headroom.
	assert.Equal(t, cfg.MaxBudget, states[0].ConsumedBudget())
	assert.Equal(t, cfg.MaxBudget, states[2].ConsumedBudget())
}

func TestNewControllerRejectsNarrowMargin(t *testing.T) {
	vocab := newTestVocab()
	cfg := testConfig(300, 400)
	gen := &fakeGen{eosID: 99, program: terminatorProgram(50)}

	_, err := NewController(cfg, gen, mustPatterns(vocab, testConfig(30, 200)), vocab.EOSID())
	require.Error(t, err)

	var cerr *config.ConfigurationError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, 300, cerr.MinBudget)
	assert.Empty(t, gen.calls)
}

func TestControllerProgressStall(t *testing.T) {
	vocab := newTestVocab()
	cfg := testConfig(10, 200)
	gen := &emptyGen{}

	c, err := NewController(cfg, gen, mustPatterns(vocab, cfg), vocab.EOSID())
	require.NoError(t, err)

	_, err = c.Run(context.Background(), [][]int{{5}}, 3)
	require.Error(t, err)

	var serr *ProgressStalledError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, 3, serr.RequestID)
	assert.Equal(t, 0, serr.ConsumedBudget)
}

func TestControllerMalformedOutput(t *testing.T) {
	vocab := newTestVocab()
	cfg := testConfig(10, 200)

	c, err := NewController(cfg, &truncGen{}, mustPatterns(vocab, cfg), vocab.EOSID())
	require.NoError(t, err)

	_, err = c.Run(context.Background(), [][]int{{5, 6, 7, 8}}, 0)
	require.Error(t, err)

	var merr *MalformedOutputError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, 4, merr.Context)
	assert.Equal(t, 2, merr.Returned)
}

func TestControllerDegradedPatternsStillForceEOS(t *testing.T) {
	vocab := newTestVocab()
	delete(vocab.entries, "</")
	delete(vocab.entries, "x</")

	cfg := testConfig(30, 200)
	gen := &fakeGen{eosID: 99, program: eosAtStep(9, 0)}

	ps := mustPatterns(vocab, cfg)
	require.True(t, ps.Degraded())

	c, err := NewController(cfg, gen, ps, vocab.EOSID())
	require.NoError(t, err)

	states, err := c.Run(context.Background(), [][]int{{5}}, 0)
	require.NoError(t, err)

	s := states[0]
	assert.Equal(t, 40, s.GeneratedTokens()[9])
	assert.GreaterOrEqual(t, s.ConsumedBudget(), cfg.MinBudget)
	assert.LessOrEqual(t, s.ConsumedBudget(), cfg.MaxBudget)
}

// cancelAfterGen cancels the run's context once the first round returns.
type cancelAfterGen struct {
	inner  Generator
	cancel context.CancelFunc
}

func (g *cancelAfterGen) Generate(ctx context.Context, req *Request) (*Result, error) {
	res, err := g.inner.Generate(ctx, req)
	g.cancel()
	return res, err
}

func TestControllerHonorsCancellation(t *testing.T) {
	vocab := newTestVocab()
	cfg := testConfig(30, 200)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gen := &cancelAfterGen{
		inner:  &fakeGen{eosID: 99, program: eosAtStep(9, 0)},
		cancel: cancel,
	}

	c, err := NewController(cfg, gen, mustPatterns(vocab, cfg), vocab.EOSID())
	require.NoError(t, err)

	_, err = c.Run(ctx, [][]int{{5}}, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestControllerPerRequestMode(t *testing.T) {
	vocab := newTestVocab()
	cfg := testConfig(30, 200)
	cfg.Mode = config.PerRequest
	gen := &fakeGen{eosID: 99, program: eosAtStep(9, 0)}

	c, err := NewController(cfg, gen, mustPatterns(vocab, cfg), vocab.EOSID())
	require.NoError(t, err)

	states, err := c.Run(context.Background(), [][]int{{901}, {902}, {903}}, 10)
	require.NoError(t, err)
	require.Len(t, states, 3)

	// Each request is driven alone through the full state machine.
	for _, call := range gen.calls {
		assert.True(t, call.PerRequest)
		assert.Len(t, call.InputIDs, 1)
	}
	for i, s := range states {
		assert.Equal(t, 10+i, s.RequestID)
		assert.Equal(t, StatusDone, s.Status)
		assert.GreaterOrEqual(t, s.ConsumedBudget(), cfg.MinBudget)
		assert.LessOrEqual(t, s.ConsumedBudget(), cfg.MaxBudget)
	}
}

func TestControllerPerRequestStallIsIsolated(t *testing.T) {
	vocab := newTestVocab()
	cfg := testConfig(30, 200)
	cfg.Mode = config.PerRequest

	// The middle request never produces a token; the other two finish.
	gen := &fakeGen{eosID: 99, program: func(seq []int, step int) int {
		if seq[0] == 902 {
			return -1
		}
		if step == 9 {
			return 99
		}
		return 1
	}}

	c, err := NewController(cfg, gen, mustPatterns(vocab, cfg), vocab.EOSID())
	require.NoError(t, err)

	states, err := c.Run(context.Background(), [][]int{{901}, {902}, {903}}, 0)
	require.Error(t, err)

	var serr *ProgressStalledError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, 1, serr.RequestID)

	require.Len(t, states, 2)
	assert.Equal(t, 0, states[0].RequestID)
	assert.Equal(t, 2, states[1].RequestID)
	for _, s := range states {
		assert.Equal(t, StatusDone, s.Status)
	}
}

func TestControllerRunPlain(t *testing.T) {
	vocab := newTestVocab()
	cfg := testConfig(30, 200)
	gen := &fakeGen{eosID: 99, program: eosAtStep(9, 0)}

	c, err := NewController(cfg, gen, mustPatterns(vocab, cfg), vocab.EOSID())
	require.NoError(t, err)

	states, err := c.RunPlain(context.Background(), [][]int{{5}}, 0)
	require.NoError(t, err)

	// A single round, no stop criteria, bounded by the maximum budget.
	require.Len(t, gen.calls, 1)
	assert.Nil(t, gen.calls[0].Stop)
	assert.Equal(t, cfg.MaxBudget, gen.calls[0].MaxNewTokens)

	s := states[0]
	assert.Equal(t, StatusDone, s.Status)
	assert.Equal(t, 10, s.ConsumedBudget())
	assert.Equal(t, 99, s.GeneratedTokens()[9])
}
