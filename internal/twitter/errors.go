package twitter

import (
	"errors"
	"fmt"
)

// UserNotFoundError reports a per-username miss from the batched lookup
// endpoint. It is terminal for that username and never retried.
type UserNotFoundError struct {
	Username string
	Detail   string
}

func (e *UserNotFoundError) Error() string {
	return fmt.Sprintf("twitter: user %q not found: %s", e.Username, e.Detail)
}

// UserSuspendedError reports a username that resolved to a suspended account.
type UserSuspendedError struct {
	Username string
	Detail   string
}

func (e *UserSuspendedError) Error() string {
	return fmt.Sprintf("twitter: user %q suspended: %s", e.Username, e.Detail)
}

// RequestFailedError is the terminal failure of an endpoint call after the
// retry cap, naming the endpoint and the last observed status code.
type RequestFailedError struct {
	Endpoint   Endpoint
	StatusCode int
	Attempts   int
}

func (e *RequestFailedError) Error() string {
	return fmt.Sprintf("twitter: %s failed after %d attempts, last status %d", e.Endpoint, e.Attempts, e.StatusCode)
}

var (
	// ErrAccountFull means every list of an account is at its member
	// ceiling and the account cannot create more lists.
	ErrAccountFull = errors.New("twitter: bot account has no list capacity")
	// ErrNotListMember guards removals against the wrong list.
	ErrNotListMember = errors.New("twitter: user is not a member of this list")
	// ErrClientClosed means the client was shut down and no longer
	// dispatches requests.
	ErrClientClosed = errors.New("twitter: client is closed")
	// ErrMembershipNotConfirmed means the platform did not confirm an
	// add-member call; the member is re-queued.
	ErrMembershipNotConfirmed = errors.New("twitter: platform did not confirm list membership")
)

// SubscriptionErrorReason classifies terminal subscription failures.
type SubscriptionErrorReason string

const (
	ReasonInvalidUsername SubscriptionErrorReason = "invalid-username"
	ReasonUserSuspended   SubscriptionErrorReason = "user-suspended"
	ReasonUnknown         SubscriptionErrorReason = "unknown"
)

// ClassifySubscriptionError maps an error from user resolution to the
// subscription failure taxonomy.
func ClassifySubscriptionError(err error) SubscriptionErrorReason {
	var notFound *UserNotFoundError
	var suspended *UserSuspendedError
	switch {
	case errors.As(err, &notFound):
		return ReasonInvalidUsername
	case errors.As(err, &suspended):
		return ReasonUserSuspended
	default:
		return ReasonUnknown
	}
}
