// Package mockbench simulates the bench CLI so the service can run end to
// end on machines without it.
package mockbench

import (
	"fmt"
	"os"
	"time"

	"github.com/Jeffail/gabs/v2"
	"github.com/eval-hub/bench-runner/internal/catalog"
	"github.com/eval-hub/bench-runner/internal/constants"
	"github.com/eval-hub/bench-runner/internal/runtimes/local"
	"github.com/eval-hub/bench-runner/pkg/api"
	"github.com/spf13/cobra"
)

const (
	// EnvDelay is the pause between simulated samples, a Go duration.
	EnvDelay = "BENCH_MOCK_DELAY"
	// EnvFail makes the run fail: "exit" exits nonzero, "pattern" prints a
	// provider error and still exits 0.
	EnvFail = "BENCH_MOCK_FAIL"

	defaultDelay = 500 * time.Millisecond
	defaultLimit = 10
)

// NewCommand returns the hidden mock-bench command tree.
func NewCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           constants.MockBenchCommand,
		Short:         "Simulates the bench CLI",
		Hidden:        true,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newEvalCommand(), newListCommand(), newDescribeCommand())
	return root
}

func newEvalCommand() *cobra.Command {
	config := &api.RunConfig{}
	cmd := &cobra.Command{
		Use:   "eval <benchmark>",
		Short: "Runs a simulated evaluation",
		Args:  cobra.ExactArgs(1),
	}
	apply := local.EvalFlags(cmd.Flags(), config)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		apply()
		config.Benchmark = args[0]
		delay, err := delayFromEnv()
		if err != nil {
			return err
		}
		return Eval(cmd, config, delay, os.Getenv(EnvFail))
	}
	return cmd
}

func delayFromEnv() (time.Duration, error) {
	value := os.Getenv(EnvDelay)
	if value == "" {
		return defaultDelay, nil
	}
	return time.ParseDuration(value)
}

// Eval prints the simulated run.
func Eval(cmd *cobra.Command, config *api.RunConfig, delay time.Duration, fail string) error {
	out := cmd.OutOrStdout()
	limit := defaultLimit
	if config.Limit != nil {
		limit = *config.Limit
	}

	fmt.Fprintln(out, "Starting mock benchmark run...")
	fmt.Fprintf(out, "Benchmark: %s\n", config.Benchmark)
	fmt.Fprintf(out, "Model: %s\n", config.Model)
	fmt.Fprintf(out, "Limit: %d\n", limit)
	fmt.Fprintln(out)

	for i := 1; i <= limit; i++ {
		fmt.Fprintf(out, "Processing sample %d/%d...\n", i, limit)
		if delay > 0 {
			time.Sleep(delay)
		}
	}
	fmt.Fprintln(out)

	switch fail {
	case "exit":
		fmt.Fprintln(cmd.ErrOrStderr(), "RuntimeError: mock benchmark crashed")
		return fmt.Errorf("mock benchmark failed")
	case "pattern":
		fmt.Fprintln(out, "NotFoundError: Error code: 404 - {'error': {'code': 'model_not_found'}}")
		return nil
	}

	fmt.Fprintln(out, "Run completed successfully!")
	fmt.Fprintln(out)

	results := gabs.New()
	_, _ = results.Set(config.Benchmark, "benchmark")
	_, _ = results.Set(config.Model, "model")
	_, _ = results.Set(0.85, "accuracy")
	_, _ = results.Set(limit, "total_samples")
	_, _ = results.Set(limit, "completed_samples")
	fmt.Fprintf(out, "RESULTS: %s\n", results.String())
	return nil
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Lists the available benchmarks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			benchmarks, err := catalog.StaticBenchmarks()
			if err != nil {
				return err
			}
			for _, b := range benchmarks {
				fmt.Fprintf(cmd.OutOrStdout(), "- %s: %s\n", b.Name, b.DescriptionShort)
			}
			return nil
		},
	}
}

func newDescribeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "describe <benchmark>",
		Short: "Describes a benchmark as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			benchmarks, err := catalog.StaticBenchmarks()
			if err != nil {
				return err
			}
			for _, b := range benchmarks {
				if b.Name != args[0] {
					continue
				}
				doc := gabs.New()
				_, _ = doc.Set(b.Name, "name")
				_, _ = doc.Set(b.Category, "category")
				_, _ = doc.Set(b.DescriptionShort, "description_short")
				_, _ = doc.Set(b.Description, "description")
				_, _ = doc.Set(b.Tags, "tags")
				fmt.Fprintln(cmd.OutOrStdout(), doc.String())
				return nil
			}
			return fmt.Errorf("unknown benchmark %s", args[0])
		},
	}
}
