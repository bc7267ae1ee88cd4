// Package execerr classifies execution failures so the orchestrator can decide
// what the caller sees and what is propagated to the hosting layer.
package execerr

import (
	"errors"
	"fmt"
)

// Kind tags an error with how it must be handled.
type Kind int

const (
	// KindInfrastructure failures are logged in full, shown to the caller as a
	// generic message and propagated.
	KindInfrastructure Kind = iota
	// KindUser failures carry a message that is safe to show verbatim.
	KindUser
	// KindConfig is an operator misconfiguration (assignment without image...).
	KindConfig
	// KindGone is an expected teardown race and is swallowed.
	KindGone
	// KindFatal is a protocol violation by the engine. Never recovered.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindInfrastructure:
		return "infrastructure"
	case KindUser:
		return "user"
	case KindConfig:
		return "config"
	case KindGone:
		return "gone"
	case KindFatal:
		return "fatal"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	if e.Message == "" {
		return e.Err.Error()
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func User(format string, args ...any) *Error {
	return &Error{Kind: KindUser, Message: fmt.Sprintf(format, args...)}
}

func Config(format string, args ...any) *Error {
	return &Error{Kind: KindConfig, Message: fmt.Sprintf(format, args...)}
}

func Fatal(err error, format string, args ...any) *Error {
	return &Error{Kind: KindFatal, Message: fmt.Sprintf(format, args...), Err: err}
}

func Wrap(err error, kind Kind, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first classified error in the chain.
// Unclassified errors count as infrastructure failures.
func KindOf(err error) Kind {
	var k kinded
	if errors.As(err, &k) {
		return k.ExecKind()
	}
	return KindInfrastructure
}

// UserMessage returns the text a caller may see for err, and whether err is a
// user-facing failure at all.
func UserMessage(err error) (string, bool) {
	if KindOf(err) != KindUser {
		return "", false
	}
	var e *Error
	if errors.As(err, &e) && e.Kind == KindUser {
		return e.Message, true
	}
	return err.Error(), true
}

type kinded interface {
	ExecKind() Kind
}

func (e *Error) ExecKind() Kind { return e.Kind }
