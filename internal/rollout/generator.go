package rollout

import (
	"context"

	"github.com/jbxnes/deepseek-s1/internal/sampling"
)

// Vocabulary is the tokenizer surface the rollout needs: per-token decoding
// for the pattern scan, string lookup for replacement tokens, and the special
// token ids.
type Vocabulary interface {
	// Decode returns the string form of a single token id.
	Decode(id int) string
	// LookupID maps a token string to its id.
	LookupID(token string) (int, bool)
	// Entries returns the full vocabulary as decoded string -> id.
	Entries() map[string]int
	EOSID() int
	PadID() int
}

// Request describes one generation round handed to the generator.
type Request struct {
	// InputIDs is the full per-request context, prompt plus any tokens
	// produced or spliced in earlier rounds.
	InputIDs      [][]int
	AttentionMask [][]int
	PositionIDs   [][]int

	// MaxNewTokens bounds the round.
	MaxNewTokens int

	// Stop, when non-nil, is evaluated after every newly produced token.
	// In a batch-synchronous round any true verdict halts the whole round;
	// with PerRequest set each request halts on its own verdict.
	Stop       StopCriteria
	PerRequest bool

	Sampling sampling.Params
	Logprobs bool
}

// Result is the generator's report for one round.
type Result struct {
	// Sequences holds the full per-request contexts including the new
	// tokens. Each must be at least as long as the submitted context.
	Sequences [][]int
	// Logprobs holds log-probabilities for the new tokens only, parallel to
	// the appended region of Sequences. Nil unless requested.
	Logprobs [][]float32
	// Finished marks requests that produced a natural end of sequence.
	Finished []bool
}

// Generator is the opaque autoregressive decoder the controller drives. Each
// call is a synchronous suspension point; the controller does no other work
// while a round is in flight.
type Generator interface {
	Generate(ctx context.Context, req *Request) (*Result, error)
}
