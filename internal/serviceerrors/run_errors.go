package serviceerrors

import "fmt"

// SpawnError is returned when the benchmark process could not be started.
type SpawnError struct {
	Executable string
	Err        error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start %s: %s", e.Executable, e.Err.Error())
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

func NewSpawnError(executable string, err error) *SpawnError {
	return &SpawnError{Executable: executable, Err: err}
}
