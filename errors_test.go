package dynlib

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorIs(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &Error{Kind: KindUnresolvedSymbol, Name: "libc", Symbol: "nope"})
	if !errors.Is(err, ErrUnresolvedSymbol) {
		t.Error("kind not matched through wrapping")
	}
	if errors.Is(err, ErrLoad) {
		t.Error("different kind matched")
	}
	var e *Error
	if !errors.As(err, &e) || e.Symbol != "nope" {
		t.Errorf("errors.As = %+v", e)
	}
}

func TestLoadErrorMessage(t *testing.T) {
	attempts := []Attempt{
		{Candidate: Candidate{Path: "/a/libx.so", Source: SourceNamed}, Err: errors.New("no such file")},
		{Candidate: Candidate{Path: "libx.so", Source: SourceDefault}, Err: errors.New("cannot open shared object")},
	}
	err := loadError("x", attempts)
	msg := err.Error()
	for _, want := range []string{`"x"`, "/a/libx.so", "no such file", "cannot open shared object"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q lacks %q", msg, want)
		}
	}
	if got := AttemptErrors(err); len(got) != 2 {
		t.Errorf("AttemptErrors = %v", got)
	}
	if AttemptErrors(errors.New("plain")) != nil {
		t.Error("AttemptErrors on a plain error")
	}
	if empty := loadError("y", nil); !strings.Contains(empty.Error(), "no candidate locations") {
		t.Errorf("empty message = %q", empty.Error())
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := extractionError("native/x/libx.so", "/tmp/libx.so", "truncated copy", cause)
	if !errors.Is(err, cause) {
		t.Error("cause not reachable")
	}
	if !strings.Contains(err.Error(), "disk full") {
		t.Errorf("message = %q", err.Error())
	}
}
