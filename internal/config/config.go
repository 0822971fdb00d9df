package config

import "fmt"

// ReservedMargin is the number of tokens held back from the maximum budget
// during the priming and forcing rounds. The finishing round runs inside this
// margin so the model can close out a response without immediately hitting
// the cap.
const ReservedMargin = 128

// SyncMode selects how stop decisions are shared across a batch.
type SyncMode int

const (
	// BatchSynchronous stops and resumes every request in a batch together.
	BatchSynchronous SyncMode = iota
	// PerRequest tracks each request to completion independently.
	PerRequest
)

func (m SyncMode) String() string {
	switch m {
	case BatchSynchronous:
		return "batch"
	case PerRequest:
		return "per-request"
	default:
		return fmt.Sprintf("SyncMode(%d)", int(m))
	}
}

// ParseSyncMode converts a mode name from the CLI into a SyncMode.
func ParseSyncMode(s string) (SyncMode, error) {
	switch s {
	case "batch":
		return BatchSynchronous, nil
	case "per-request":
		return PerRequest, nil
	default:
		return 0, fmt.Errorf("unknown sync mode %q", s)
	}
}

// Config holds the configuration for budget-forced rollouts.
type Config struct {
	// MinBudget is the minimum number of new tokens every request must
	// produce before it is allowed to terminate.
	MinBudget int
	// MaxBudget is the hard cap on new tokens per request. It must exceed
	// MinBudget by more than ReservedMargin.
	MaxBudget int

	Mode SyncMode

	// MicroBatchSize splits a rollout batch into independently driven
	// chunks. Zero means the whole batch is one chunk.
	MicroBatchSize int
	// Concurrency bounds how many micro-batches run at once.
	Concurrency int

	// Marker fragments used to derive terminator patterns from the
	// vocabulary. The middle word is resolved to a token id at build time.
	OpenFragment  string
	CloseFragment string
	MiddleWord    string

	// ReplacementWords are substituted for a detected terminator, in order.
	ReplacementWords []string
	// EOSReplacementWord is substituted for a bare end-of-sequence token.
	EOSReplacementWord string

	// Logprobs requests per-token log-probabilities from the generator.
	Logprobs bool

	Temperature float32
	TopP        float32
	TopK        int
	Seed        int64
}

// ConfigurationError reports budget bounds that violate the reserved-margin
// invariant. It is raised before any generation begins.
type ConfigurationError struct {
	MinBudget int
	MaxBudget int
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("budget margin too small: max budget %d must exceed min budget %d by more than %d",
		e.MaxBudget, e.MinBudget, ReservedMargin)
}

// Default returns a config with the marker and replacement surface of the
// Qwen-style end-of-thinking token and moderate sampling defaults.
func Default() *Config {
	return &Config{
		MinBudget:          256,
		MaxBudget:          1024,
		Mode:               BatchSynchronous,
		Concurrency:        1,
		OpenFragment:       "</",
		CloseFragment:      ">",
		MiddleWord:         "think",
		ReplacementWords:   []string{"\n", "Wait", ","},
		EOSReplacementWord: "\n",
		Temperature:        0.7,
		TopP:               0.95,
		TopK:               50,
	}
}

// New builds a config from Default plus options and validates it.
func New(opts ...Option) (*Config, error) {
	cfg := Default()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the budget invariants. It must pass before a controller
// makes any generation call.
func (c *Config) Validate() error {
	if c.MinBudget <= 0 {
		return fmt.Errorf("min budget must be positive, got %d", c.MinBudget)
	}
	if c.MaxBudget-c.MinBudget <= ReservedMargin {
		return &ConfigurationError{MinBudget: c.MinBudget, MaxBudget: c.MaxBudget}
	}
	if len(c.ReplacementWords) == 0 {
		return fmt.Errorf("replacement words must not be empty")
	}
	if c.EOSReplacementWord == "" {
		return fmt.Errorf("eos replacement word must not be empty")
	}
	if c.MicroBatchSize < 0 {
		return fmt.Errorf("micro batch size must not be negative, got %d", c.MicroBatchSize)
	}
	return nil
}

// Option is a function that modifies the config.
type Option func(*Config)

// WithBudgets sets the minimum and maximum token budgets.
func WithBudgets(min, max int) Option {
	return func(c *Config) { c.MinBudget, c.MaxBudget = min, max }
}

// WithSyncMode sets the batch synchronization mode.
func WithSyncMode(m SyncMode) Option {
	return func(c *Config) { c.Mode = m }
}

// WithMicroBatchSize sets the micro-batch chunk size.
func WithMicroBatchSize(n int) Option {
	return func(c *Config) { c.MicroBatchSize = n }
}

// WithConcurrency bounds concurrent micro-batches.
func WithConcurrency(n int) Option {
	return func(c *Config) { c.Concurrency = n }
}

// WithMarker sets the terminator marker fragments.
func WithMarker(open, middle, close string) Option {
	return func(c *Config) {
		c.OpenFragment = open
		c.MiddleWord = middle
		c.CloseFragment = close
	}
}

// WithReplacementWords sets the forced-continuation replacement run.
func WithReplacementWords(words ...string) Option {
	return func(c *Config) { c.ReplacementWords = words }
}

// WithEOSReplacementWord sets the bare end-of-sequence replacement.
func WithEOSReplacementWord(w string) Option {
	return func(c *Config) { c.EOSReplacementWord = w }
}

// WithLogprobs requests per-token log-probabilities.
func WithLogprobs(v bool) Option {
	return func(c *Config) { c.Logprobs = v }
}

// WithSampling sets the sampling surface passed to the generator.
func WithSampling(temperature, topP float32, topK int) Option {
	return func(c *Config) {
		c.Temperature = temperature
		c.TopP = topP
		c.TopK = topK
	}
}

// WithSeed seeds the generator for reproducible dry runs.
func WithSeed(seed int64) Option {
	return func(c *Config) { c.Seed = seed }
}
