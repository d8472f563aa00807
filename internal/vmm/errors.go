package vmm

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies hypervisor errors.
type Kind int

const (
	// KindConfiguration is a bad kernel/initrd parameter, reported before
	// any process is touched.
	KindConfiguration Kind = iota + 1
	// KindAlreadyRunning is a start on a live instance.
	KindAlreadyRunning
	// KindNotRunning is a reboot or migrate on a dead instance.
	KindNotRunning
	// KindLaunchFailure is a failed launch or a process that died right after.
	KindLaunchFailure
	// KindIOFailure is any failed read, write or removal of instance state.
	KindIOFailure
	// KindProtocolFailure is a failed monitor relay or an unparsable reply.
	KindProtocolFailure
	// KindMigrationFailure is a guest-reported failed or cancelled migration.
	KindMigrationFailure
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindAlreadyRunning:
		return "already_running"
	case KindNotRunning:
		return "not_running"
	case KindLaunchFailure:
		return "launch_failure"
	case KindIOFailure:
		return "io_failure"
	case KindProtocolFailure:
		return "protocol_failure"
	case KindMigrationFailure:
		return "migration_failure"
	default:
		return "unknown"
	}
}

// Error is returned by every Hypervisor operation that fails.
type Error struct {
	Kind     Kind
	Instance string
	Msg      string
	// Output is captured process output, when there is any.
	Output string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Instance != "" {
		fmt.Fprintf(&b, "instance %s: ", e.Instance)
	}
	if e.Msg != "" {
		b.WriteString(e.Msg)
	} else {
		b.WriteString(e.Kind.String())
	}
	if e.Output != "" {
		fmt.Fprintf(&b, " (output: %s)", strings.TrimSpace(e.Output))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotRunning)
// works for every not-running error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrConfiguration    = &Error{Kind: KindConfiguration}
	ErrAlreadyRunning   = &Error{Kind: KindAlreadyRunning}
	ErrNotRunning       = &Error{Kind: KindNotRunning}
	ErrLaunchFailure    = &Error{Kind: KindLaunchFailure}
	ErrIOFailure        = &Error{Kind: KindIOFailure}
	ErrProtocolFailure  = &Error{Kind: KindProtocolFailure}
	ErrMigrationFailure = &Error{Kind: KindMigrationFailure}
)

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

func errorf(kind Kind, instance string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Instance: instance, Msg: fmt.Sprintf(format, args...), Err: err}
}
