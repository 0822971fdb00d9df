package rollout

// Status is the lifecycle state of one in-flight request.
type Status int

const (
	// StatusActive marks a request before its first generation round.
	StatusActive Status = iota
	// StatusAwaitingBudget marks a request still below the minimum budget.
	StatusAwaitingBudget
	// StatusFinalizing marks a request that met the minimum budget and is
	// owed one unconstrained finishing round.
	StatusFinalizing
	// StatusDone marks a completed request whose buffers can be extracted.
	StatusDone
)

// SequenceState is the per-request record the controller mutates between
// generator rounds. Only the controller goroutine touches it.
type SequenceState struct {
	RequestID int

	// Tokens holds the prompt followed by everything generated or spliced.
	// The prompt region is immutable for the request's lifetime.
	Tokens        []int
	AttentionMask []int
	PositionIDs   []int

	// Logprobs is parallel to the generated region of Tokens, populated
	// only when scores were requested. Spliced tokens carry a zero score.
	Logprobs []float32

	Status Status

	numPromptTokens int
}

// NewSequenceState creates the record for one request with the prompt fully
// attended and positions counted from zero.
func NewSequenceState(requestID int, prompt []int) *SequenceState {
	s := &SequenceState{
		RequestID:       requestID,
		Tokens:          make([]int, len(prompt)),
		AttentionMask:   make([]int, len(prompt)),
		PositionIDs:     make([]int, len(prompt)),
		Status:          StatusActive,
		numPromptTokens: len(prompt),
	}
	copy(s.Tokens, prompt)
	for i := range prompt {
		s.AttentionMask[i] = 1
		s.PositionIDs[i] = i
	}
	return s
}

// NumPromptTokens returns the immutable prompt length.
func (s *SequenceState) NumPromptTokens() int { return s.numPromptTokens }

// PromptTokens returns the prompt region of the buffer.
func (s *SequenceState) PromptTokens() []int { return s.Tokens[:s.numPromptTokens] }

// GeneratedTokens returns everything after the prompt.
func (s *SequenceState) GeneratedTokens() []int { return s.Tokens[s.numPromptTokens:] }

// ConsumedBudget counts new tokens since the prompt. Prompt tokens are never
// counted, and splicing keeps this consistent because the bookkeeping arrays
// always track the buffer length.
func (s *SequenceState) ConsumedBudget() int { return len(s.Tokens) - s.numPromptTokens }

// Append extends the buffer with newly generated tokens and keeps the
// attention mask and position ids parallel.
func (s *SequenceState) Append(tokens []int, logprobs []float32) {
	for _, t := range tokens {
		s.Tokens = append(s.Tokens, t)
		s.AttentionMask = append(s.AttentionMask, 1)
		s.PositionIDs = append(s.PositionIDs, s.nextPosition())
	}
	if logprobs != nil {
		s.Logprobs = append(s.Logprobs, logprobs...)
	}
}

func (s *SequenceState) nextPosition() int {
	if len(s.PositionIDs) == 0 {
		return 0
	}
	return s.PositionIDs[len(s.PositionIDs)-1] + 1
}

// IsDone reports whether the request has completed its lifecycle.
func (s *SequenceState) IsDone() bool { return s.Status == StatusDone }
