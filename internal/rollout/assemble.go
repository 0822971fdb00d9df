package rollout

import (
	"fmt"
	"sort"

	"gorgonia.org/tensor"
)

// BatchOutput is the assembled result of a rollout batch: dense, right-padded
// buffers in ascending request order.
type BatchOutput struct {
	// TokenIDs is an int64 [batch, length] matrix of full sequences
	// (prompt plus completion), right-padded with the pad token.
	TokenIDs *tensor.Dense
	// Logprobs is a float32 [batch, maxCompletion] matrix of per-token
	// scores for the generated region, zero-padded. Nil unless scores were
	// requested.
	Logprobs *tensor.Dense

	// RequestIDs, PromptLengths and Lengths describe each row, in the same
	// ascending request order as the matrix rows.
	RequestIDs    []int
	PromptLengths []int
	Lengths       []int
}

// Assemble restores submission order by request id, pads every sequence to
// the batch maximum and materializes the dense output buffers. Per-request
// mode may complete requests out of submission order, so the sort is
// mandatory.
func Assemble(states []*SequenceState, padID int, withLogprobs bool) (*BatchOutput, error) {
	if len(states) == 0 {
		return nil, fmt.Errorf("no sequences to assemble")
	}

	ordered := make([]*SequenceState, len(states))
	copy(ordered, states)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].RequestID < ordered[j].RequestID })

	maxLen := 0
	maxGen := 0
	for _, s := range ordered {
		if len(s.Tokens) > maxLen {
			maxLen = len(s.Tokens)
		}
		if s.ConsumedBudget() > maxGen {
			maxGen = s.ConsumedBudget()
		}
	}

	out := &BatchOutput{
		RequestIDs:    make([]int, len(ordered)),
		PromptLengths: make([]int, len(ordered)),
		Lengths:       make([]int, len(ordered)),
	}

	ids := make([]int64, len(ordered)*maxLen)
	for row, s := range ordered {
		out.RequestIDs[row] = s.RequestID
		out.PromptLengths[row] = s.NumPromptTokens()
		out.Lengths[row] = len(s.Tokens)

		base := row * maxLen
		for col := 0; col < maxLen; col++ {
			if col < len(s.Tokens) {
				ids[base+col] = int64(s.Tokens[col])
			} else {
				ids[base+col] = int64(padID)
			}
		}
	}
	out.TokenIDs = tensor.New(tensor.WithShape(len(ordered), maxLen), tensor.WithBacking(ids))

	if withLogprobs && maxGen > 0 {
		scores := make([]float32, len(ordered)*maxGen)
		for row, s := range ordered {
			base := row * maxGen
			copy(scores[base:base+maxGen], s.Logprobs)
		}
		out.Logprobs = tensor.New(tensor.WithShape(len(ordered), maxGen), tensor.WithBacking(scores))
	}

	return out, nil
}

// Row returns the unpadded token ids of one row of the assembled batch.
func (b *BatchOutput) Row(i int) ([]int, error) {
	if i < 0 || i >= len(b.Lengths) {
		return nil, fmt.Errorf("row %d out of range", i)
	}
	shape := b.TokenIDs.Shape()
	width := shape[1]
	data := b.TokenIDs.Data().([]int64)

	row := make([]int, b.Lengths[i])
	for j := range row {
		row[j] = int(data[i*width+j])
	}
	return row, nil
}

// Completion returns the unpadded generated region of one row.
func (b *BatchOutput) Completion(i int) ([]int, error) {
	row, err := b.Row(i)
	if err != nil {
		return nil, err
	}
	return row[b.PromptLengths[i]:], nil
}
