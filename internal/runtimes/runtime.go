package runtimes

import (
	"log/slog"

	"github.com/eval-hub/bench-runner/internal/abstractions"
	"github.com/eval-hub/bench-runner/internal/config"
	"github.com/eval-hub/bench-runner/internal/messages"
	"github.com/eval-hub/bench-runner/internal/runtimes/local"
	"github.com/eval-hub/bench-runner/internal/serviceerrors"
)

func NewLauncher(logger *slog.Logger, serviceConfig *config.Config) (abstractions.Launcher, error) {
	if serviceConfig == nil || serviceConfig.Runner == nil {
		return nil, serviceerrors.NewServiceError(messages.ConfigurationFailed, "Error", "the runner section is missing")
	}
	launcher, err := local.NewLauncher(logger, serviceConfig.Runner)
	if err != nil {
		return nil, err
	}
	logger.Info("Created the process launcher", "launcher", launcher.Name())
	return launcher, nil
}
