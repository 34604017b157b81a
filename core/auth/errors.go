package auth

import (
	"context"
	"fmt"
	"net"

	"github.com/pkg/errors"

	"github.com/tekpounou/platform/core/user"
)

// ErrorKind classifies store failures so callers can show the right message.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindInvalidInput
	KindInvalidCredentials
	KindNetworkFailure
	KindNotAuthenticated
	KindBackendInconsistency
	KindEmailTaken
	KindAccountInactive
)

var kindNames = map[ErrorKind]string{
	KindUnknown:              "unknown",
	KindInvalidInput:         "invalid_input",
	KindInvalidCredentials:   "invalid_credentials",
	KindNetworkFailure:       "network_failure",
	KindNotAuthenticated:     "not_authenticated",
	KindBackendInconsistency: "backend_inconsistency",
	KindEmailTaken:           "email_taken",
	KindAccountInactive:      "account_inactive",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Message is the text shown to the user for this kind of failure.
func (k ErrorKind) Message() string {
	switch k {
	case KindInvalidInput:
		return "Please check the highlighted fields."
	case KindInvalidCredentials:
		return "Invalid email or password."
	case KindNetworkFailure:
		return "Could not reach the server. Please try again."
	case KindNotAuthenticated:
		return "You need to sign in first."
	case KindBackendInconsistency:
		return "Your account could not be set up completely. Please contact support."
	case KindEmailTaken:
		return "An account with this email already exists."
	case KindAccountInactive:
		return "This account has been deactivated."
	default:
		return "Something went wrong. Please try again."
	}
}

var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrAccountInactive  = errors.New("account deactivated")
	ErrNoSession        = errors.New("identity backend returned no session")
)

// Error is returned by every Store action that fails.
type Error struct {
	Op   string
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a Store error, KindUnknown for anything else.
func KindOf(err error) ErrorKind {
	var aErr *Error
	if errors.As(err, &aErr) {
		return aErr.Kind
	}
	return KindUnknown
}

func newError(op string, kind ErrorKind, err error) error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// classify maps backend and repository failures to an ErrorKind.
func classify(err error) ErrorKind {
	var netErr net.Error
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return KindInvalidCredentials
	case errors.Is(err, ErrEmailTaken):
		return KindEmailTaken
	case errors.Is(err, ErrRejected):
		return KindInvalidInput
	case errors.Is(err, ErrNotAuthenticated):
		return KindNotAuthenticated
	case errors.Is(err, ErrAccountInactive):
		return KindAccountInactive
	case errors.Is(err, user.ErrNotFound), errors.Is(err, user.ErrProfileNotFound):
		return KindBackendInconsistency
	case errors.Is(err, ErrUnavailable), errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr):
		return KindNetworkFailure
	default:
		return KindUnknown
	}
}
