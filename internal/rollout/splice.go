package rollout

import "fmt"

// SpliceTerminator overwrites the detected 3-token terminator at the tail of
// the sequence with the forced-continuation run. The run may be longer or
// shorter than three tokens; the buffer and its bookkeeping arrays shrink or
// grow together, and every appended position is attended. Consumed budget
// never decreases below the pre-splice length minus three.
func SpliceTerminator(s *SequenceState, ps *TerminatorPatternSet) error {
	if s.ConsumedBudget() < 3 {
		return fmt.Errorf("request %d: cannot splice terminator with %d generated tokens",
			s.RequestID, s.ConsumedBudget())
	}
	tail := Triple{s.Tokens[len(s.Tokens)-3], s.Tokens[len(s.Tokens)-2], s.Tokens[len(s.Tokens)-1]}
	if !ps.Matches(tail) {
		return fmt.Errorf("request %d: tail %v is not a known terminator", s.RequestID, tail)
	}
	spliceTail(s, 3, ps.ReplacementRun())
	return nil
}

// SpliceEOS overwrites a bare end-of-sequence token at the tail with the
// configured replacement token.
func SpliceEOS(s *SequenceState, ps *TerminatorPatternSet) error {
	if s.ConsumedBudget() < 1 {
		return fmt.Errorf("request %d: cannot splice eos with no generated tokens", s.RequestID)
	}
	spliceTail(s, 1, []int{ps.EOSReplacement()})
	return nil
}

// spliceTail drops the last n tokens and appends the replacement run, keeping
// the attention mask, position ids and any tracked logprobs parallel. Forced
// tokens carry a zero score.
func spliceTail(s *SequenceState, n int, run []int) {
	trackScores := len(s.Logprobs) == s.ConsumedBudget() && s.Logprobs != nil

	keep := len(s.Tokens) - n
	s.Tokens = s.Tokens[:keep]
	s.AttentionMask = s.AttentionMask[:keep]
	s.PositionIDs = s.PositionIDs[:keep]
	if trackScores {
		s.Logprobs = s.Logprobs[:keep-s.numPromptTokens]
	}

	for _, t := range run {
		s.Tokens = append(s.Tokens, t)
		s.AttentionMask = append(s.AttentionMask, 1)
		s.PositionIDs = append(s.PositionIDs, s.nextPosition())
		if trackScores {
			s.Logprobs = append(s.Logprobs, 0)
		}
	}
}
