package pipeline

import "fmt"

// ValidationError rejects input before any side effect.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// PartialFailureError reports an evaluation run that was created but could
// not be scored. The run is left finished with a failure note. TraceID is
// set for online runs, whose query trace stays persisted.
type PartialFailureError struct {
	RunID   int64
	TraceID *int64
	Kind    string
	Err     error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("%s evaluation run %d failed: %v", e.Kind, e.RunID, e.Err)
}

func (e *PartialFailureError) Unwrap() error {
	return e.Err
}

func failureNote(err error) string {
	return "Failed: " + err.Error()
}
