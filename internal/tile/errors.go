package tile

import (
	"errors"
	"fmt"
)

// ErrorKind classifies pipeline failures.
type ErrorKind int

const (
	Unknown ErrorKind = iota
	NetworkError
	DecodeError
	Timeout
	Cancelled
	QueueFull
	InvalidKey
	ParseError
)

func (k ErrorKind) String() string {
	switch k {
	case NetworkError:
		return "network_error"
	case DecodeError:
		return "decode_error"
	case Timeout:
		return "timeout"
	case Cancelled:
		return "cancelled"
	case QueueFull:
		return "queue_full"
	case InvalidKey:
		return "invalid_key"
	case ParseError:
		return "parse_error"
	default:
		return "unknown"
	}
}

// Error is a classified failure, optionally tied to a tile key.
// Offset is only meaningful for ParseError.
type Error struct {
	Kind   ErrorKind
	Key    Key
	Offset int64
	Err    error
}

func (e *Error) Error() string {
	var msg string
	switch {
	case e.Kind == ParseError:
		msg = fmt.Sprintf("%s at offset %d", e.Kind, e.Offset)
	case e.Key != (Key{}):
		msg = fmt.Sprintf("%s for tile %s", e.Kind, e.Key)
	default:
		msg = e.Kind.String()
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors of the same kind, so errors.Is(err, ErrTimeout) works for
// any wrapped timeout.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Key == (Key{}) && t.Err == nil
}

var (
	ErrNetwork   = &Error{Kind: NetworkError}
	ErrDecode    = &Error{Kind: DecodeError}
	ErrTimeout   = &Error{Kind: Timeout}
	ErrCancelled = &Error{Kind: Cancelled}
	ErrQueueFull = &Error{Kind: QueueFull}
	ErrInvalid   = &Error{Kind: InvalidKey}
	ErrParse     = &Error{Kind: ParseError}
)

// Errorf builds a classified error for key.
func Errorf(kind ErrorKind, key Key, format string, args ...any) error {
	return &Error{Kind: kind, Key: key, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err. An error that already carries a kind keeps it.
func Wrap(kind ErrorKind, key Key, err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	return &Error{Kind: kind, Key: key, Err: err}
}

// KindOf reports the kind of err, or Unknown.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return Unknown
}
