package remote

import "errors"

// Permanent failure modes. Anything else coming out of a Client call is
// treated as transient (timeouts, connection resets, 5xx) and retried by the
// queue processor up to its ceiling.
var (
	// ErrConversationNotFound means the conversation was deleted remotely.
	ErrConversationNotFound = errors.New("remote: conversation not found")

	// ErrPermissionDenied means the caller may not write to the conversation.
	ErrPermissionDenied = errors.New("remote: permission denied")
)

// Retriable reports whether an error from a Client call is worth retrying.
// A transport timeout is indistinguishable from a lost response and counts
// as retriable; the idempotent Send makes that safe.
func Retriable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrConversationNotFound) && !errors.Is(err, ErrPermissionDenied)
}
