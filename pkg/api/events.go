package api

import "time"

// EventKind names the events carried on a run's live channel
type EventKind string

const (
	EventStatus    EventKind = "status"
	EventLogLine   EventKind = "log_line"
	EventProgress  EventKind = "progress"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventCanceled  EventKind = "canceled"
	EventHeartbeat EventKind = "heartbeat"
	// EventGap tells an observer that live log lines were lost and it must resubscribe.
	EventGap EventKind = "gap"
)

// IsTerminal reports whether the event closes a run's stream.
func (k EventKind) IsTerminal() bool {
	return k == EventCompleted || k == EventFailed || k == EventCanceled
}

// Stream identifies one of the process output streams
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// Progress is an advisory snapshot parsed from the output. It never drives
// state transitions.
type Progress struct {
	Current    int     `json:"current"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
	Message    string  `json:"message,omitempty"`
}

// RunEvent is a single event on a run's channel. Which fields are set
// depends on Kind.
type RunEvent struct {
	Kind      EventKind `json:"kind"`
	RunID     string    `json:"run_id"`
	Timestamp time.Time `json:"timestamp"`
	Status    RunStatus `json:"status,omitempty"`
	Stream    Stream    `json:"stream,omitempty"`
	Seq       *int64    `json:"seq,omitempty"`
	Line      string    `json:"line,omitempty"`
	*Progress
	ExitCode   *int       `json:"exit_code,omitempty"`
	Error      string     `json:"error,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}

func NewStatusEvent(runID string, status RunStatus, at time.Time) RunEvent {
	return RunEvent{Kind: EventStatus, RunID: runID, Timestamp: at, Status: status}
}

func NewLogLineEvent(runID string, stream Stream, seq int64, line string) RunEvent {
	return RunEvent{Kind: EventLogLine, RunID: runID, Timestamp: time.Now().UTC(), Stream: stream, Seq: &seq, Line: line}
}

func NewProgressEvent(runID string, progress Progress) RunEvent {
	return RunEvent{Kind: EventProgress, RunID: runID, Timestamp: time.Now().UTC(), Progress: &progress}
}

func NewHeartbeatEvent(runID string) RunEvent {
	return RunEvent{Kind: EventHeartbeat, RunID: runID, Timestamp: time.Now().UTC()}
}

func NewGapEvent(runID string, reason string) RunEvent {
	return RunEvent{Kind: EventGap, RunID: runID, Timestamp: time.Now().UTC(), Reason: reason}
}

// NewTerminalEvent builds the closing event for a run in a terminal status.
// It returns false when the record is not terminal.
func NewTerminalEvent(record *RunRecord) (RunEvent, bool) {
	ev := RunEvent{RunID: record.RunID, FinishedAt: record.FinishedAt}
	if record.FinishedAt != nil {
		ev.Timestamp = *record.FinishedAt
	} else {
		ev.Timestamp = time.Now().UTC()
	}
	switch record.Status {
	case RunStatusCompleted:
		ev.Kind = EventCompleted
		ev.ExitCode = record.ExitCode
	case RunStatusFailed:
		ev.Kind = EventFailed
		ev.ExitCode = record.ExitCode
		ev.Error = record.Error
	case RunStatusCanceled:
		ev.Kind = EventCanceled
	default:
		return RunEvent{}, false
	}
	return ev, true
}
