package rollout

// MatchTails reports, for each sequence, whether its last three tokens are a
// known terminator realization. Sequences shorter than three tokens never
// match. Pure function over the provided token slices.
func MatchTails(seqs [][]int, ps *TerminatorPatternSet) []bool {
	out := make([]bool, len(seqs))
	for i, seq := range seqs {
		if len(seq) < 3 {
			continue
		}
		tail := Triple{seq[len(seq)-3], seq[len(seq)-2], seq[len(seq)-1]}
		out[i] = ps.Matches(tail)
	}
	return out
}

// MatchEOS reports, for each sequence, whether its final token is the
// end-of-sequence token.
func MatchEOS(seqs [][]int, eosID int) []bool {
	out := make([]bool, len(seqs))
	for i, seq := range seqs {
		if len(seq) == 0 {
			continue
		}
		out[i] = seq[len(seq)-1] == eosID
	}
	return out
}
