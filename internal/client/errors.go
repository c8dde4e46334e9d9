package client

import "errors"

var (
	// ErrNotAuthenticated is returned for application sends attempted
	// before the connection is usable. Never silently dropped.
	ErrNotAuthenticated = errors.New("client: not authenticated")

	// ErrConnectionLost rejects pending requests when the socket closes.
	ErrConnectionLost = errors.New("client: connection lost")

	// ErrSendFailed wraps a transport-level write failure.
	ErrSendFailed = errors.New("client: send failed")

	// ErrMaxRetriesExceeded means the configured reconnect cap ran out.
	ErrMaxRetriesExceeded = errors.New("client: max retries exceeded")

	// ErrCommandCancelled is returned when a request's context is
	// cancelled, e.g. the session was torn down mid-command.
	ErrCommandCancelled = errors.New("client: command cancelled")

	// ErrRequestTimeout fires a pending request's 30s deadline.
	ErrRequestTimeout = errors.New("client: request timeout")

	// ErrRequestExpired rejects entries removed by the stale sweep.
	ErrRequestExpired = errors.New("client: request expired")

	// ErrNoCredentials means connect was called with nothing to offer.
	ErrNoCredentials = errors.New("client: no credentials")

	// ErrAuthRejected is the auth.error outcome of a connect attempt.
	ErrAuthRejected = errors.New("client: authentication rejected")
)
