package sampling

import (
	"math"
	"math/rand"
	"sort"
)

// Params holds the sampling parameters threaded into every generation round.
type Params struct {
	Temperature float32
	TopP        float32
	TopK        int
	Seed        int64
}

// DefaultParams returns the sampling parameters used when the caller does not
// override them.
func DefaultParams() Params {
	return Params{
		Temperature: 0.7,
		TopP:        0.95,
		TopK:        50,
	}
}

// Sampler draws token ids from logit vectors.
type Sampler struct {
	rng *rand.Rand
}

// NewSampler creates a sampler. A seed of 0 leaves the source unseeded.
func NewSampler(seed int64) *Sampler {
	if seed == 0 {
		seed = rand.Int63()
	}
	return &Sampler{rng: rand.New(rand.NewSource(seed))}
}

// Sample applies temperature, top-k and top-p to logits and draws one token.
func (s *Sampler) Sample(logits []float32, p Params) int {
	work := make([]float32, len(logits))
	copy(work, logits)

	if p.Temperature > 0 {
		for i := range work {
			work[i] /= p.Temperature
		}
	}
	if p.TopK > 0 {
		topKFilter(work, p.TopK)
	}

	probs := Softmax(work)
	if p.TopP > 0 && p.TopP < 1 {
		probs = topPFilter(probs, p.TopP)
	}

	return s.sampleFromProbs(probs)
}

func topKFilter(logits []float32, k int) {
	if k <= 0 || k >= len(logits) {
		return
	}
	idx := make([]int, len(logits))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool { return logits[idx[i]] > logits[idx[j]] })
	thresh := logits[idx[k-1]]
	for i := range logits {
		if logits[i] < thresh {
			logits[i] = -1e30
		}
	}
}

func topPFilter(probs []float32, p float32) []float32 {
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool { return probs[idx[i]] > probs[idx[j]] })

	var cum float32
	cutoff := len(probs)
	for i, id := range idx {
		cum += probs[id]
		if cum >= p {
			cutoff = i + 1
			break
		}
	}

	var sum float32
	for i, id := range idx {
		if i >= cutoff {
			probs[id] = 0
		} else {
			sum += probs[id]
		}
	}
	if sum > 0 {
		inv := 1 / sum
		for i := range probs {
			probs[i] *= inv
		}
	}
	return probs
}

// Softmax computes probabilities from logits with max-subtraction for
// numerical stability.
func Softmax(logits []float32) []float32 {
	max := logits[0]
	for _, v := range logits {
		if v > max {
			max = v
		}
	}

	expVals := make([]float32, len(logits))
	var sum float32
	for i, v := range logits {
		e := float32(math.Exp(float64(v - max)))
		expVals[i] = e
		sum += e
	}
	for i := range expVals {
		expVals[i] /= sum
	}
	return expVals
}

func (s *Sampler) sampleFromProbs(probs []float32) int {
	r := s.rng.Float32()
	var cum float32
	for i, p := range probs {
		cum += p
		if r < cum {
			return i
		}
	}
	return len(probs) - 1
}

// Logprob returns the log-probability of token id under the softmax of logits.
func Logprob(logits []float32, id int) float32 {
	probs := Softmax(logits)
	if id < 0 || id >= len(probs) || probs[id] <= 0 {
		return float32(math.Inf(-1))
	}
	return float32(math.Log(float64(probs[id])))
}
