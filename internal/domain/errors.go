package domain

import (
	"errors"
	"fmt"
)

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// NetworkError represents a network-related error that may be retriable
type NetworkError struct {
	Op        string // Operation that failed (e.g., "connect", "read", "write")
	Err       error  // Underlying error
	Retriable bool   // Whether this error is retriable
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) IsRetriable() bool {
	return e.Retriable
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new retriable network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: true}
}

// NewFatalNetworkError creates a non-retriable network error
func NewFatalNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: false}
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// FetchError is a failed or malformed REST response. It is reported to the
// caller and never retried automatically.
type FetchError struct {
	Exchange Exchange
	Op       string // "ticker_info", "klines", "depth_snapshot", ...
	Status   int    // HTTP status, zero when the request never completed
	Err      error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: http %d: %v", e.Exchange, e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Exchange, e.Op, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func (e *FetchError) IsRetriable() bool {
	return false
}

// SequenceError describes a diff that could not be chained onto the book.
type SequenceError struct {
	Expected uint64 // pu the book required
	Got      uint64 // pu the diff carried
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("sequence gap: expected prev id %d, got %d", e.Expected, e.Got)
}

func (e *SequenceError) Unwrap() error {
	return ErrSequenceGap
}

var (
	// ErrConnectionFailed is returned when websocket connection fails. It's usually retriable.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrInvalidSymbol is returned when a symbol is not supported or malformed. Not retriable.
	ErrInvalidSymbol = errors.New("invalid symbol")

	// ErrUnsupported is returned when the venue does not offer a capability
	// for the requested market (e.g. open interest on spot).
	ErrUnsupported = errors.New("unsupported by exchange")

	// ErrRateLimited is returned when a request was refused by the local limiter
	// or the venue reported a limit violation.
	ErrRateLimited = errors.New("rate limited")

	// ErrBanned is returned when the venue reports the client IP as banned. Never retry.
	ErrBanned = errors.New("banned by exchange")

	// ErrSequenceGap is wrapped by SequenceError.
	ErrSequenceGap = errors.New("sequence gap")

	// ErrResync is returned from a session that ended to rebuild the book.
	ErrResync = errors.New("resync required")

	// ErrMalformed is returned when a payload cannot be decoded.
	ErrMalformed = errors.New("malformed payload")

	// ErrConfigNotFound is returned when configuration file is missing
	ErrConfigNotFound = errors.New("configuration not found")
)

