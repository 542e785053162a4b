package model

import "errors"

// Sentinels for errors.Is matching across the error taxonomy.
var (
	ErrValidation = errors.New("validation error")
	ErrConfig     = errors.New("config error")
	ErrState      = errors.New("state error")
)

var (
	errMissingSymbol = errors.New("missing symbol")
	errBadPrice      = errors.New("price must be positive")
	errBadVolume     = errors.New("volume must be positive")
	errBadTimestamp  = errors.New("timestamp must be positive")
)

// ValidationError rejects a single input (trade, frame, row index).
// Always recoverable: the input is skipped and processing continues.
type ValidationError struct {
	Op  string
	Err error
}

func (e *ValidationError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ConfigError signals a programming or configuration mistake: bad interval,
// unknown indicator, invalid parameters. Fails fast at construction.
type ConfigError struct {
	Op  string
	Err error
}

func (e *ConfigError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *ConfigError) Unwrap() error { return e.Err }
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfig
}

// StateError reports an unusable persisted state (corrupt file, wrong
// format or version). The caller decides whether to re-warm or abort.
type StateError struct {
	Op  string
	Err error
}

func (e *StateError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *StateError) Unwrap() error { return e.Err }
func (e *StateError) Is(target error) bool {
	return target == ErrState
}

func NewValidationError(op string, err error) error { return &ValidationError{Op: op, Err: err} }
func NewConfigError(op string, err error) error     { return &ConfigError{Op: op, Err: err} }
func NewStateError(op string, err error) error      { return &StateError{Op: op, Err: err} }
