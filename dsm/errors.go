package dsm

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig marks bad input detected before any stage runs:
	// malformed ROI, unknown dataset or image, unreadable camera model.
	ErrConfig = errors.New("configuration error")

	// ErrGeometry marks numerical failures inside a stage.
	ErrGeometry = errors.New("geometric failure")

	// ErrIO marks workspace or artifact access failures.
	ErrIO = errors.New("i/o failure")
)

func configErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

func geometryErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrGeometry, fmt.Sprintf(format, args...))
}

func ioError(path string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrIO, path, err)
}

// StageError reports which pipeline stage failed. Unwrap yields the
// stage's own error unchanged.
type StageError struct {
	Experiment string
	Stage      string
	Err        error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Experiment, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
