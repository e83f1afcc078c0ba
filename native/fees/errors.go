package fees

import "errors"

var (
	ErrNilState                = errors.New("fees: state not configured")
	ErrUnauthorized            = errors.New("fees: unauthorized caller")
	ErrNotInitialized          = errors.New("fees: tracker not initialized")
	ErrAlreadyInitialized      = errors.New("fees: tracker already initialized")
	ErrExceedsBound            = errors.New("fees: rate exceeds bound")
	ErrInvalidAmount           = errors.New("fees: invalid amount")
	ErrInsufficientEntitlement = errors.New("fees: claim exceeds entitlement")
)
