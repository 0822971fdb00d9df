package rollout

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/jbxnes/deepseek-s1/internal/config"
)

// Triple is one tokenized realization of the end-of-thinking marker.
type Triple [3]int

// TerminatorPatternSet holds every 3-token realization of the logical
// end-of-thinking marker for one tokenizer, plus the token runs spliced in
// when a terminator is intercepted. It is built once per tokenizer and
// immutable afterwards, so a single instance is safe to share across
// controllers.
type TerminatorPatternSet struct {
	middle   int
	patterns map[Triple]struct{}

	replacementRun []int
	eosReplacement int

	degraded bool
}

// BuildTerminatorPatternSet scans the vocabulary once and derives the pattern
// set. The marker can tokenize differently depending on surrounding context,
// so the set is the cross product of every token ending in the open fragment,
// the fixed middle token, and every token starting with the close fragment.
//
// An empty candidate set on either side is a degraded mode, not an error:
// Matches reports false for everything and only end-of-sequence interception
// remains active. The run proceeds with a warning.
func BuildTerminatorPatternSet(vocab Vocabulary, cfg *config.Config) (*TerminatorPatternSet, error) {
	ps := &TerminatorPatternSet{patterns: make(map[Triple]struct{})}

	run, err := lookupWords(vocab, cfg.ReplacementWords)
	if err != nil {
		return nil, fmt.Errorf("replacement run: %w", err)
	}
	ps.replacementRun = run

	eosRun, err := lookupWords(vocab, []string{cfg.EOSReplacementWord})
	if err != nil {
		return nil, fmt.Errorf("eos replacement: %w", err)
	}
	ps.eosReplacement = eosRun[0]

	middle, ok := vocab.LookupID(cfg.MiddleWord)
	if !ok {
		slog.Warn("terminator detection degraded: middle word not in vocabulary", "word", cfg.MiddleWord)
		ps.degraded = true
		return ps, nil
	}
	ps.middle = middle

	var prefixes, suffixes []int
	for token, id := range vocab.Entries() {
		if strings.HasSuffix(token, cfg.OpenFragment) {
			prefixes = append(prefixes, id)
		}
		if strings.HasPrefix(token, cfg.CloseFragment) {
			suffixes = append(suffixes, id)
		}
	}

	if len(prefixes) == 0 || len(suffixes) == 0 {
		slog.Warn("terminator detection degraded: no marker candidates in vocabulary",
			"open", cfg.OpenFragment, "close", cfg.CloseFragment,
			"prefixes", len(prefixes), "suffixes", len(suffixes))
		ps.degraded = true
		return ps, nil
	}

	for _, p := range prefixes {
		for _, s := range suffixes {
			ps.patterns[Triple{p, middle, s}] = struct{}{}
		}
	}

	slog.Debug("built terminator pattern set",
		"prefixes", len(prefixes), "suffixes", len(suffixes), "patterns", len(ps.patterns))
	return ps, nil
}

func lookupWords(vocab Vocabulary, words []string) ([]int, error) {
	ids := make([]int, 0, len(words))
	for _, w := range words {
		id, ok := vocab.LookupID(w)
		if !ok {
			return nil, fmt.Errorf("token %q not in vocabulary", w)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Matches reports whether the tail triple is a known terminator realization.
func (ps *TerminatorPatternSet) Matches(tail Triple) bool {
	if ps.degraded {
		return false
	}
	_, ok := ps.patterns[tail]
	return ok
}

// Degraded reports whether the vocabulary scan found no usable marker
// candidates, leaving only end-of-sequence interception active.
func (ps *TerminatorPatternSet) Degraded() bool { return ps.degraded }

// ReplacementRun returns the token run spliced over a detected terminator.
func (ps *TerminatorPatternSet) ReplacementRun() []int { return ps.replacementRun }

// EOSReplacement returns the token spliced over a bare end-of-sequence token.
func (ps *TerminatorPatternSet) EOSReplacement() int { return ps.eosReplacement }

// NumPatterns returns the size of the pattern set.
func (ps *TerminatorPatternSet) NumPatterns() int { return len(ps.patterns) }
