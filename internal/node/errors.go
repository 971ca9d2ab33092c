package node

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers and for the remote retry loop.
type Kind int

const (
	KindUnknown Kind = iota
	// KindNotFound: the node identifier does not resolve.
	KindNotFound
	// KindLocked: the node is reserved by another owner.
	KindLocked
	// KindNotLocked: release attempted on an unreserved node.
	KindNotLocked
	// KindInvalidState: malformed or unrecognized target state.
	KindInvalidState
	// KindTransitionConflict: a transition is already in flight.
	KindTransitionConflict
	// KindAssociated: blocked by a live instance association.
	KindAssociated
	// KindTransient: service unavailable, connection refused or conflict.
	KindTransient
	// KindAuthFailure: credential rejected by the backend.
	KindAuthFailure
	// KindFatal: retry budget exhausted or unrecoverable backend error.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NodeNotFound"
	case KindLocked:
		return "NodeLocked"
	case KindNotLocked:
		return "NodeNotLocked"
	case KindInvalidState:
		return "InvalidState"
	case KindTransitionConflict:
		return "TransitionConflict"
	case KindAssociated:
		return "NodeAssociated"
	case KindTransient:
		return "TransientBackendFailure"
	case KindAuthFailure:
		return "AuthFailure"
	case KindFatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// Retryable reports whether a remote call failing with this kind may be
// attempted again.
func (k Kind) Retryable() bool {
	return k == KindTransient
}

// HTTPStatus maps the kind to the status code a request router reports.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindNotFound:
		return http.StatusNotFound
	case KindLocked, KindTransitionConflict, KindAssociated:
		return http.StatusConflict
	case KindNotLocked, KindInvalidState:
		return http.StatusBadRequest
	case KindTransient:
		return http.StatusServiceUnavailable
	case KindAuthFailure:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// Error is the error type returned by the conductor core.
type Error struct {
	Kind Kind
	// Node is the identifier the caller used, when known.
	Node string
	// Method and Attempts are set on errors from the remote client.
	Method   string
	Attempts int

	Msg string
	Err error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries kind k.
func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// NotFound returns a KindNotFound error for the identifier.
func NotFound(id string) error {
	return &Error{Kind: KindNotFound, Node: id, Msg: fmt.Sprintf("node %s could not be found", id)}
}

// Locked returns a KindLocked error naming the current holder.
func Locked(id, holder string) error {
	return &Error{Kind: KindLocked, Node: id, Msg: fmt.Sprintf("node %s is locked by host %s, please retry after the current operation is completed", id, holder)}
}

// NotLocked returns a KindNotLocked error.
func NotLocked(id, owner string) error {
	return &Error{Kind: KindNotLocked, Node: id, Msg: fmt.Sprintf("node %s found not to be locked on release by %s", id, owner)}
}

// InvalidState returns a KindInvalidState error with a formatted reason.
func InvalidState(id, format string, args ...any) error {
	return &Error{Kind: KindInvalidState, Node: id, Msg: fmt.Sprintf(format, args...)}
}

// TransitionConflict returns a KindTransitionConflict error with a formatted reason.
func TransitionConflict(id, format string, args ...any) error {
	return &Error{Kind: KindTransitionConflict, Node: id, Msg: fmt.Sprintf(format, args...)}
}

// Associated returns a KindAssociated error naming the instance.
func Associated(id, instance string) error {
	return &Error{Kind: KindAssociated, Node: id, Msg: fmt.Sprintf("node %s is associated with instance %s", id, instance)}
}
