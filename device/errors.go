package device

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies fatal errors. None of them is retried; the run driver
// decides how to escalate.
type Kind int

const (
	KindUnknown Kind = iota
	KindResource
	KindConfiguration
	KindFormat
)

func (k Kind) String() string {
	switch k {
	case KindResource:
		return "resource"
	case KindConfiguration:
		return "configuration"
	case KindFormat:
		return "format"
	default:
		return "unknown"
	}
}

// Error is a classified failure from a device, library or configuration step
type Error struct {
	Kind Kind
	Op   string // operation, e.g. "Layer.ForwardPropagate"
	Rank int
	Code int // library status code when one exists
	Err  error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s error on rank %d", e.Op, e.Kind, e.Rank)
	if e.Code != 0 {
		msg += fmt.Sprintf(", status %d", e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of the first *Error in err's chain
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnknown
}

// ResourceError wraps an allocation or runtime failure
func (c *Context) ResourceError(op string, err error) error {
	return &Error{Kind: KindResource, Op: op, Rank: c.id, Err: err}
}

// ConfigError reports an unsupported configuration
func (c *Context) ConfigError(op string, format string, args ...interface{}) error {
	return &Error{Kind: KindConfiguration, Op: op, Rank: c.id, Err: errors.Errorf(format, args...)}
}

// FormatError reports a malformed or incomplete persisted input
func (c *Context) FormatError(op string, err error) error {
	return &Error{Kind: KindFormat, Op: op, Rank: c.id, Err: err}
}

// LibraryError reports a failed numeric-library call with its status code
func (c *Context) LibraryError(op string, code int, err error) error {
	return &Error{Kind: KindResource, Op: op, Rank: c.id, Code: code, Err: err}
}
