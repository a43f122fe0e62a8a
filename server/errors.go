package server

import "errors"

var (
	// ErrLaunch means the backend process could not be started.
	ErrLaunch = errors.New("backend launch failed")

	// ErrHandshake means the backend did not complete initialize/initialized.
	ErrHandshake = errors.New("backend handshake failed")

	// ErrTransport means reading from or writing to a backend stream failed.
	ErrTransport = errors.New("backend transport failed")

	// ErrBackendUnavailable means the owning backend is not Ready.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrParse means a backend response could not be decoded.
	ErrParse = errors.New("malformed backend response")

	ErrRouteNotFound = errors.New("tool not found")

	// ErrDuplicateRequestID means the id is already outstanding on that backend.
	ErrDuplicateRequestID = errors.New("request id already in flight")

	// ErrTimeout means the backend did not answer within the call timeout.
	ErrTimeout = errors.New("backend call timed out")
)
