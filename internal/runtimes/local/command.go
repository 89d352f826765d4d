package local

import (
	"fmt"
	"strconv"

	"github.com/eval-hub/bench-runner/pkg/api"
	"github.com/kballard/go-shellquote"
	"github.com/spf13/pflag"
)

const evalCommand = "eval"

// BuildArgs returns the bench arguments for a run. Flags are emitted in a
// fixed order and only when set, so the same config always gives the same
// arguments.
func BuildArgs(config *api.RunConfig) []string {
	args := []string{evalCommand, config.Benchmark, "--model", config.Model}
	if config.Limit != nil {
		args = append(args, "--limit", strconv.Itoa(*config.Limit))
	}
	if config.Temperature != nil {
		args = append(args, "--temperature", formatFloat(*config.Temperature))
	}
	if config.TopP != nil {
		args = append(args, "--top-p", formatFloat(*config.TopP))
	}
	if config.MaxTokens != nil {
		args = append(args, "--max-tokens", strconv.Itoa(*config.MaxTokens))
	}
	if config.Timeout != nil {
		args = append(args, "--timeout", strconv.Itoa(*config.Timeout))
	}
	if config.Epochs != nil {
		args = append(args, "--epochs", strconv.Itoa(*config.Epochs))
	}
	if config.MaxConnections != nil {
		args = append(args, "--max-connections", strconv.Itoa(*config.MaxConnections))
	}
	return args
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// EvalFlags registers the eval flags on fs. The mock bench uses the same set
// so both sides agree on the command line.
func EvalFlags(fs *pflag.FlagSet, config *api.RunConfig) func() {
	fs.StringVar(&config.Model, "model", "", "model to evaluate")
	limit := fs.Int("limit", 0, "number of samples")
	temperature := fs.Float64("temperature", 0, "sampling temperature")
	topP := fs.Float64("top-p", 0, "nucleus sampling")
	maxTokens := fs.Int("max-tokens", 0, "maximum tokens per response")
	timeout := fs.Int("timeout", 0, "request timeout in seconds")
	epochs := fs.Int("epochs", 0, "number of epochs")
	maxConnections := fs.Int("max-connections", 0, "concurrent model connections")

	// only flags that were given end up in the config
	return func() {
		if fs.Changed("limit") {
			config.Limit = limit
		}
		if fs.Changed("temperature") {
			config.Temperature = temperature
		}
		if fs.Changed("top-p") {
			config.TopP = topP
		}
		if fs.Changed("max-tokens") {
			config.MaxTokens = maxTokens
		}
		if fs.Changed("timeout") {
			config.Timeout = timeout
		}
		if fs.Changed("epochs") {
			config.Epochs = epochs
		}
		if fs.Changed("max-connections") {
			config.MaxConnections = maxConnections
		}
	}
}

// ParseCommandLine reverses CommandLine. Anything before the eval
// subcommand is the executable prefix and is ignored.
func ParseCommandLine(commandLine string) (*api.RunConfig, error) {
	words, err := shellquote.Split(commandLine)
	if err != nil {
		return nil, err
	}
	start := -1
	for i, word := range words {
		if word == evalCommand {
			start = i
			break
		}
	}
	if start < 0 || start+1 >= len(words) {
		return nil, fmt.Errorf("no %s subcommand in %q", evalCommand, commandLine)
	}

	config := &api.RunConfig{Benchmark: words[start+1]}
	fs := pflag.NewFlagSet(evalCommand, pflag.ContinueOnError)
	apply := EvalFlags(fs, config)
	if err := fs.Parse(words[start+2:]); err != nil {
		return nil, err
	}
	apply()
	return config, nil
}
