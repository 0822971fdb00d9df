package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	deepseeks1 "github.com/jbxnes/deepseek-s1"
	"github.com/jbxnes/deepseek-s1/internal/config"
	"github.com/jbxnes/deepseek-s1/internal/dataset"
	"github.com/jbxnes/deepseek-s1/internal/rollout"
	"github.com/jbxnes/deepseek-s1/internal/simgen"
	"github.com/jbxnes/deepseek-s1/pkg/tokenizer"
)

type flags struct {
	modelPath   string
	datasetPath string

	minBudget  int
	maxBudget  int
	mode       string
	microBatch int
	conc       int

	temperature float32
	topP        float32
	topK        int
	seed        int64
	logprobs    bool
	noForcing   bool

	simTerminatorEvery int
	simEOSEvery        int

	verbose bool
}

func main() {
	var f flags

	root := &cobra.Command{
		Use:   "deepseek-s1 [prompt...]",
		Short: "Dry-run budget-forced rollouts against a simulated generator",
		Long: "Loads a tokenizer, derives the end-of-thinking terminator patterns from its\n" +
			"vocabulary, and drives budget-forced generation rounds against a seeded\n" +
			"simulated generator that periodically attempts to terminate.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, &f, args)
		},
	}

	root.Flags().StringVar(&f.modelPath, "model", "", "model directory containing tokenizer.json (required)")
	root.Flags().StringVar(&f.datasetPath, "dataset", "", "JSONL file of prompts; positional prompts are used otherwise")
	root.Flags().IntVar(&f.minBudget, "min-budget", 256, "minimum new tokens per request")
	root.Flags().IntVar(&f.maxBudget, "max-budget", 1024, "maximum new tokens per request")
	root.Flags().StringVar(&f.mode, "mode", "batch", "sync mode: batch or per-request")
	root.Flags().IntVar(&f.microBatch, "micro-batch-size", 0, "micro-batch chunk size (0 = whole batch)")
	root.Flags().IntVar(&f.conc, "concurrency", 1, "concurrent micro-batches")
	root.Flags().Float32Var(&f.temperature, "temperature", 0.7, "sampling temperature")
	root.Flags().Float32Var(&f.topP, "top-p", 0.95, "nucleus sampling probability mass")
	root.Flags().IntVar(&f.topK, "top-k", 50, "top-k sampling (0 = disabled)")
	root.Flags().Int64Var(&f.seed, "seed", 0, "simulation seed (0 = random)")
	root.Flags().BoolVar(&f.logprobs, "logprobs", false, "collect per-token log-probabilities")
	root.Flags().BoolVar(&f.noForcing, "no-forcing", false, "plain generation without budget forcing")
	root.Flags().IntVar(&f.simTerminatorEvery, "sim-terminator-interval", 50, "simulated termination attempt every n tokens (0 = never)")
	root.Flags().IntVar(&f.simEOSEvery, "sim-eos-interval", 0, "simulated bare eos every n tokens (0 = never)")
	root.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "debug logging")
	_ = root.MarkFlagRequired("model")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, f *flags, args []string) error {
	if f.verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	mode, err := config.ParseSyncMode(f.mode)
	if err != nil {
		return err
	}

	tok, err := tokenizer.Load(f.modelPath)
	if err != nil {
		return fmt.Errorf("load tokenizer: %w", err)
	}

	var prompts []string
	if f.datasetPath != "" {
		prompts, err = dataset.LoadPrompts(f.datasetPath)
		if err != nil {
			return err
		}
	} else if len(args) > 0 {
		prompts = args
	} else {
		return fmt.Errorf("provide --dataset or positional prompts")
	}

	gen := simgen.New(tok.VocabSize(), tok.EOSID(),
		simgen.WithSeed(f.seed),
		simgen.WithTerminatorRun(simTerminatorRun(tok)),
		simgen.WithTerminatorInterval(f.simTerminatorEvery),
		simgen.WithEOSInterval(f.simEOSEvery),
	)

	r, err := deepseeks1.New(gen, tok,
		config.WithBudgets(f.minBudget, f.maxBudget),
		config.WithSyncMode(mode),
		config.WithMicroBatchSize(f.microBatch),
		config.WithConcurrency(f.conc),
		config.WithSampling(f.temperature, f.topP, f.topK),
		config.WithSeed(f.seed),
		config.WithLogprobs(f.logprobs),
	)
	if err != nil {
		return err
	}
	if r.Degraded() {
		slog.Warn("terminator detection degraded for this vocabulary; only eos interception is active")
	}

	tokenized := make([][]int, len(prompts))
	for i, p := range prompts {
		ids, err := tok.Encode(p)
		if err != nil {
			return fmt.Errorf("encode prompt %d: %w", i, err)
		}
		tokenized[i] = ids
	}

	out, err := runBatch(cmd, r, tokenized, f.noForcing)
	if err != nil {
		return err
	}

	for i := range out.RequestIDs {
		completion, err := out.Completion(i)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "request %d: prompt %d tokens, completion %d tokens\n",
			out.RequestIDs[i], out.PromptLengths[i], len(completion))
	}
	shape := out.TokenIDs.Shape()
	fmt.Fprintf(cmd.OutOrStdout(), "assembled batch: %d x %d (pad %d)\n", shape[0], shape[1], tok.PadID())
	return nil
}

func runBatch(cmd *cobra.Command, r *deepseeks1.Rollout, prompts [][]int, plain bool) (*rollout.BatchOutput, error) {
	if plain {
		return r.Generate(cmd.Context(), prompts)
	}
	return r.GenerateBudgetForced(cmd.Context(), prompts)
}

// simTerminatorRun builds the 3-token termination attempt the simulator
// injects, from the same fragments the pattern scan matches. An incomplete
// vocabulary yields nil and the simulator only attempts bare eos.
func simTerminatorRun(tok *tokenizer.Tokenizer) []int {
	open, ok1 := tok.LookupID("</")
	middle, ok2 := tok.LookupID("think")
	close_, ok3 := tok.LookupID(">")
	if !ok1 || !ok2 || !ok3 {
		return nil
	}
	return []int{open, middle, close_}
}
