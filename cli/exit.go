package cli

import "fmt"

// ExitError carries a specific process exit code. Cobra's RunE returns
// this to signal the desired exit code to main.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

func exitError(code int, format string, args ...any) *ExitError {
	return &ExitError{Code: code, Message: fmt.Sprintf(format, args...)}
}

const (
	exitRuntime = 2
	exitConfig  = 5
)
