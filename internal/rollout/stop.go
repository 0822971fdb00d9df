package rollout

// StopCriteria is an early-stop predicate the generator evaluates after each
// newly produced token. Implementations are pure functions over the provided
// sequences.
type StopCriteria interface {
	// ShouldStop returns one verdict per sequence.
	ShouldStop(seqs [][]int) []bool
}

type terminatorStop struct {
	patterns *TerminatorPatternSet
}

// NewTerminatorStop stops a sequence whose last three tokens realize the
// end-of-thinking marker.
func NewTerminatorStop(ps *TerminatorPatternSet) StopCriteria {
	return &terminatorStop{patterns: ps}
}

func (t *terminatorStop) ShouldStop(seqs [][]int) []bool {
	return MatchTails(seqs, t.patterns)
}

type eosStop struct {
	eosID int
}

// NewEOSStop stops a sequence whose final token is the end-of-sequence token.
func NewEOSStop(eosID int) StopCriteria {
	return &eosStop{eosID: eosID}
}

func (e *eosStop) ShouldStop(seqs [][]int) []bool {
	return MatchEOS(seqs, e.eosID)
}

type anyStop struct {
	criteria []StopCriteria
}

// CombineStops ORs several criteria together.
func CombineStops(criteria ...StopCriteria) StopCriteria {
	return &anyStop{criteria: criteria}
}

func (a *anyStop) ShouldStop(seqs [][]int) []bool {
	out := make([]bool, len(seqs))
	for _, c := range a.criteria {
		for i, v := range c.ShouldStop(seqs) {
			out[i] = out[i] || v
		}
	}
	return out
}
