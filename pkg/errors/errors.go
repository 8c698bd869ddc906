package relayerrors

import "errors"

// Sentinel errors shared by the store, the dispatcher and the gatekeeper.
// The websocket layer maps these onto the wire error taxonomy.
var (
	ErrBadRequest         = errors.New("bad request")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrNotFound           = errors.New("not found")
	ErrTokenExpired       = errors.New("token expired")
	ErrTokenInvalid       = errors.New("token invalid")
	ErrPersistence        = errors.New("persistence failure")
	ErrAlreadyExists      = errors.New("already exists")
	ErrServiceUnavailable = errors.New("service unavailable")
)
