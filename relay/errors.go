package relay

import "errors"

var (
	// ErrNetwork indicates a transient transport failure (connection
	// refused, timeout, 5xx). Callers may retry with backoff.
	ErrNetwork = errors.New("relay: network failure")

	// ErrNotAvailableYet indicates the requested key material has not
	// propagated to the relay yet. Callers retry a bounded number of times.
	ErrNotAvailableYet = errors.New("relay: not available yet")

	// ErrForbidden indicates the relay refused the operation for this
	// caller, e.g. a member sync from a non-member.
	ErrForbidden = errors.New("relay: forbidden")

	// ErrServerRejected indicates the relay rejected the request as
	// malformed or rate limited. Not retryable.
	ErrServerRejected = errors.New("relay: request rejected")
)
