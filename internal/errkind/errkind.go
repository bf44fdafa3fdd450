// Package errkind holds the closed error taxonomy shared by the runtime.
// Every error surfaced to clients or events carries exactly one Kind from
// this set; constructing an unknown kind panics.
package errkind

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"strings"
)

// Kind is an error_type code.
type Kind string

// Phase groups kinds by where they occur.
type Phase string

const (
	PhaseLoad    Phase = "model.load"
	PhaseRequest Phase = "generation.request"
	PhaseRuntime Phase = "generation.runtime"
	PhaseInfra   Phase = "infra"
)

const (
	FileNotFound       Kind = "file-not-found"
	ChecksumMismatch   Kind = "checksum-mismatch"
	IncompatibleFormat Kind = "incompatible-format"
	InitTimeout        Kind = "init-timeout"
	ProviderInternal   Kind = "provider-internal"

	InvalidParams   Kind = "invalid-params"
	ContextOverflow Kind = "context-overflow"
	SafetyFiltered  Kind = "safety-filtered"

	ProviderError Kind = "provider-error"
	OOM           Kind = "oom"
	Timeout       Kind = "timeout"
	Aborted       Kind = "aborted"
	StreamBroken  Kind = "stream-broken"

	EventHandlerError     Kind = "event-handler-error"
	ConfigInvalid         Kind = "config-invalid"
	ConfigOutOfRange      Kind = "config-out-of-range"
	RuntimeError          Kind = "runtime-error"
	UserAbort             Kind = "user_abort"
	ToolPayloadParseError Kind = "tool_payload_parse_error"
	ToolPayloadTooLarge   Kind = "tool_payload_too_large"
	UnknownID             Kind = "unknown-id"
)

var phaseOf = map[Kind]Phase{
	FileNotFound: PhaseLoad, ChecksumMismatch: PhaseLoad, IncompatibleFormat: PhaseLoad,
	InitTimeout: PhaseLoad, ProviderInternal: PhaseLoad,
	InvalidParams: PhaseRequest, ContextOverflow: PhaseRequest, SafetyFiltered: PhaseRequest,
	ProviderError: PhaseRuntime, OOM: PhaseRuntime, Timeout: PhaseRuntime, Aborted: PhaseRuntime,
	StreamBroken: PhaseRuntime,
	EventHandlerError: PhaseInfra, ConfigInvalid: PhaseInfra, ConfigOutOfRange: PhaseInfra,
	RuntimeError: PhaseInfra, UserAbort: PhaseInfra, ToolPayloadParseError: PhaseInfra,
	ToolPayloadTooLarge: PhaseInfra, UnknownID: PhaseInfra,
}

// Valid reports whether s names a kind in the taxonomy.
func Valid(s string) bool {
	_, ok := phaseOf[Kind(s)]
	return ok
}

// MustKind converts s to a Kind and panics when it is outside the taxonomy.
func MustKind(s string) Kind {
	if !Valid(s) {
		panic(fmt.Sprintf("errkind: unknown error_type %q (not in taxonomy)", s))
	}
	return Kind(s)
}

// PhaseOf returns the phase a kind belongs to.
func PhaseOf(k Kind) Phase { return phaseOf[MustKind(string(k))] }

// Error is a classified error.
type Error struct {
	Kind  Kind
	Phase Phase
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// StatusCode maps the kind to an HTTP status for the API layer.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case InvalidParams, ContextOverflow, SafetyFiltered, ToolPayloadParseError, ToolPayloadTooLarge:
		return http.StatusBadRequest
	case FileNotFound, UnknownID:
		return http.StatusNotFound
	case InitTimeout, Timeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// New builds a classified error with a message.
func New(k Kind, msg string) error {
	return &Error{Kind: MustKind(string(k)), Phase: phaseOf[k], Msg: msg}
}

// Newf is New with formatting.
func Newf(k Kind, format string, args ...any) error {
	return New(k, fmt.Sprintf(format, args...))
}

// Wrap classifies err as k, keeping it as the cause.
func Wrap(k Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: MustKind(string(k)), Phase: phaseOf[k], Msg: msg, Err: err}
}

// Of returns the kind carried by err, if any.
func Of(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	var k kinded
	if errors.As(err, &k) && Valid(string(k.Kind())) {
		return k.Kind(), true
	}
	return "", false
}

// kinded is implemented by package-local error types that belong to a kind.
type kinded interface {
	error
	Kind() Kind
}

// Is reports whether err carries kind k.
func Is(err error, k Kind) bool {
	got, ok := Of(err)
	return ok && got == k
}

// Classify maps err to a kind deterministically given the phase it occurred in.
func Classify(err error, phase Phase) Kind {
	if err == nil {
		return ""
	}
	if k, ok := Of(err); ok {
		return k
	}
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		if phase == PhaseLoad {
			return InitTimeout
		}
		return Timeout
	case errors.Is(err, context.Canceled):
		return Aborted
	case errors.Is(err, fs.ErrNotExist):
		return FileNotFound
	}
	switch phase {
	case PhaseLoad:
		if strings.Contains(msg, "not found") || strings.Contains(msg, "no such file") {
			return FileNotFound
		}
		return ProviderInternal
	case PhaseRequest:
		return InvalidParams
	case PhaseRuntime:
		switch {
		case strings.Contains(msg, "abort") || strings.Contains(msg, "cancel"):
			return Aborted
		case strings.Contains(msg, "timeout"):
			return Timeout
		case strings.Contains(msg, "out of memory") || strings.Contains(msg, "cuda"):
			return OOM
		}
		return ProviderError
	}
	return RuntimeError
}
