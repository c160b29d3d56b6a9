package errdefs

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindConfiguration Kind = 0x3001
	KindData          Kind = 0x3002
	KindResource      Kind = 0x3003
)

// NoIndex marks a frame or instance position that does not apply.
const NoIndex = -1

var (
	ErrConfiguration = errors.New("configuration error")
	ErrData          = errors.New("data error")
	ErrResource      = errors.New("resource error")
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindData:
		return "data"
	case KindResource:
		return "resource"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error carries the failing operation plus frame/instance context.
// Configuration and resource errors are fatal for a run; data errors
// can be skipped by the caller.
type Error struct {
	Kind     Kind
	Op       string
	Frame    int
	Instance int
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	if e.Frame != NoIndex {
		msg += fmt.Sprintf(" (frame %d", e.Frame)
		if e.Instance != NoIndex {
			msg += fmt.Sprintf(", instance %d", e.Instance)
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	switch target {
	case ErrConfiguration:
		return e.Kind == KindConfiguration
	case ErrData:
		return e.Kind == KindData
	case ErrResource:
		return e.Kind == KindResource
	}
	return false
}

func Configurationf(op string, format string, args ...any) error {
	return &Error{Kind: KindConfiguration, Op: op, Frame: NoIndex, Instance: NoIndex, Err: fmt.Errorf(format, args...)}
}

func Data(op string, frame, instance int, err error) error {
	return &Error{Kind: KindData, Op: op, Frame: frame, Instance: instance, Err: err}
}

func Dataf(op string, frame, instance int, format string, args ...any) error {
	return Data(op, frame, instance, fmt.Errorf(format, args...))
}

func Resource(op string, err error) error {
	return &Error{Kind: KindResource, Op: op, Frame: NoIndex, Instance: NoIndex, Err: err}
}

// KindOf returns the kind of the first classified error in the chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsFatal reports whether err must stop the whole run.
func IsFatal(err error) bool {
	return errors.Is(err, ErrConfiguration) || errors.Is(err, ErrResource)
}
