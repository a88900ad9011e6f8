package sandbox

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a build failure
type ErrorKind string

const (
	KindInvalidSource        ErrorKind = "invalid_source"
	KindCompile              ErrorKind = "compile"
	KindTimeout              ErrorKind = "timeout"
	KindResourceExceeded     ErrorKind = "resource_exceeded"
	KindBackpressure         ErrorKind = "backpressure"
	KindUnsupportedToolchain ErrorKind = "unsupported_toolchain"
)

// Sentinels matched by errors.Is against a *BuildError of the same kind
var (
	ErrBackpressure         = errors.New("build queue full")
	ErrTimeout              = errors.New("build timed out")
	ErrUnsupportedToolchain = errors.New("unsupported toolchain")
)

// BuildError is returned for every build that does not produce bytecode
type BuildError struct {
	Kind    ErrorKind
	Message string
	Log     *BuildLog
	Err     error
}

func (e *BuildError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// Is reports kind equality with the package sentinels
func (e *BuildError) Is(target error) bool {
	switch target {
	case ErrBackpressure:
		return e.Kind == KindBackpressure
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrUnsupportedToolchain:
		return e.Kind == KindUnsupportedToolchain
	}
	return false
}

func buildErr(kind ErrorKind, format string, args ...any) *BuildError {
	return &BuildError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AsBuildError extracts a *BuildError from err
func AsBuildError(err error) (*BuildError, bool) {
	var be *BuildError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}
