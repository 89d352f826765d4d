package handlers

import (
	"encoding/json"
	"errors"

	"github.com/eval-hub/bench-runner/internal/constants"
	"github.com/eval-hub/bench-runner/internal/eventbus"
	"github.com/eval-hub/bench-runner/internal/executioncontext"
	"github.com/eval-hub/bench-runner/internal/http_wrappers"
	"github.com/eval-hub/bench-runner/internal/messages"
	"github.com/eval-hub/bench-runner/pkg/api"
)

// HandleRunEvents handles GET /api/v1/runs/{run_id}/events as a server-sent
// event stream. The replay is written first, then live events until the
// terminal event, a lost subscription or the client going away.
func (h *Handlers) HandleRunEvents(ctx *executioncontext.ExecutionContext, r http_wrappers.RequestWrapper, w http_wrappers.ResponseWrapper) {
	runID, err := pathValue(r, constants.PATH_PARAMETER_RUN_ID)
	if err != nil {
		w.Error(err, ctx.RequestID)
		return
	}
	sub, err := h.runs.Subscribe(ctx.Ctx, runID)
	if err != nil {
		w.Error(err, ctx.RequestID)
		return
	}
	defer sub.Close()

	stream, err := w.EventStream()
	if err != nil {
		w.ErrorWithMessageCode(ctx.RequestID, messages.StreamingUnsupported)
		return
	}
	logger := ctx.Logger.With(constants.LOG_RUN_ID, runID)

	for _, event := range sub.Replay {
		if err := sendEvent(stream, event); err != nil {
			logger.Info("Event stream closed by the client", "error", err.Error())
			return
		}
	}
	for {
		select {
		case <-ctx.Ctx.Done():
			return
		case event, ok := <-sub.Events:
			if !ok {
				if errors.Is(sub.Err(), eventbus.ErrSubscriptionLost) {
					logger.Warn("Event subscription lost, asking the client to resubscribe")
					_ = sendEvent(stream, api.NewGapEvent(runID, sub.Err().Error()))
				}
				return
			}
			if err := sendEvent(stream, event); err != nil {
				logger.Info("Event stream closed by the client", "error", err.Error())
				return
			}
		}
	}
}

func sendEvent(stream http_wrappers.EventStream, event api.RunEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return stream.Send(string(event.Kind), data)
}
