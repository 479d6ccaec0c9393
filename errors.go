package dynlib

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"
)

// Kind categorizes an Error so callers can pick a fallback strategy without
// parsing messages.
type Kind string

const (
	KindLoad             Kind = "load"
	KindExtraction       Kind = "extraction"
	KindUnresolvedSymbol Kind = "unresolved_symbol"
	KindUnboundMethod    Kind = "unbound_method"
	KindStaleHandle      Kind = "stale_handle"
	KindNativeCall       Kind = "native_call"
)

// Sentinels for errors.Is. Any *Error with the same Kind matches.
var (
	ErrLoad             = &Error{Kind: KindLoad}
	ErrExtraction       = &Error{Kind: KindExtraction}
	ErrUnresolvedSymbol = &Error{Kind: KindUnresolvedSymbol}
	ErrUnboundMethod    = &Error{Kind: KindUnboundMethod}
	ErrStaleHandle      = &Error{Kind: KindStaleHandle}
	ErrNativeCall       = &Error{Kind: KindNativeCall}
)

// Attempt records one candidate tried while loading a library.
type Attempt struct {
	Candidate Candidate
	Err       error
}

func (a Attempt) String() string {
	return fmt.Sprintf("%s (%s): %v", a.Candidate.Path, a.Candidate.Source, a.Err)
}

// Error is the error type returned by every operation in this package.
type Error struct {
	Kind     Kind
	Name     string // logical library name or method name
	Symbol   string
	Path     string
	Detail   string
	Cause    error
	Attempts []Attempt
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("dynlib: ")
	b.WriteString(string(e.Kind))
	if e.Name != "" {
		b.WriteString(" ")
		b.WriteString(fmt.Sprintf("%q", e.Name))
	}
	if e.Symbol != "" {
		b.WriteString(" symbol ")
		b.WriteString(fmt.Sprintf("%q", e.Symbol))
	}
	if e.Path != "" {
		b.WriteString(" at ")
		b.WriteString(e.Path)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if len(e.Attempts) > 0 {
		b.WriteString("; tried:")
		for _, a := range e.Attempts {
			b.WriteString("\n\t")
			b.WriteString(a.String())
		}
	}
	if e.Cause != nil && len(e.Attempts) == 0 {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

func loadError(name string, attempts []Attempt) *Error {
	var cause error
	for _, a := range attempts {
		cause = multierr.Append(cause, a.Err)
	}
	detail := "no candidate location could be loaded"
	if len(attempts) == 0 {
		detail = "no candidate locations"
	}
	return &Error{Kind: KindLoad, Name: name, Detail: detail, Cause: cause, Attempts: attempts}
}

func extractionError(locator, path, detail string, cause error) *Error {
	return &Error{Kind: KindExtraction, Name: locator, Path: path, Detail: detail, Cause: cause}
}

func unresolvedSymbolError(lib *Library, symbol string, cause error) *Error {
	return &Error{Kind: KindUnresolvedSymbol, Name: lib.Name(), Path: lib.Path(), Symbol: symbol, Cause: cause}
}

func unboundMethodError(method, symbol string) *Error {
	return &Error{Kind: KindUnboundMethod, Name: method, Symbol: symbol, Detail: "optional symbol was not resolved at bind time"}
}

func staleHandleError(lib *Library) *Error {
	return &Error{Kind: KindStaleHandle, Name: lib.Name(), Path: lib.Path(), Detail: "library has been unloaded"}
}

func nativeCallError(method, detail string, cause error) *Error {
	return &Error{Kind: KindNativeCall, Name: method, Detail: detail, Cause: cause}
}

// AttemptErrors flattens the per-candidate errors of a load failure.
func AttemptErrors(err error) []error {
	var e *Error
	if !errors.As(err, &e) || e.Kind != KindLoad {
		return nil
	}
	return multierr.Errors(e.Cause)
}
