package units

import (
	"encoding/hex"
	"errors"
)

var (
	ErrNilState              = errors.New("units: state not configured")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrAlreadyExists         = errors.New("already exists")
	ErrAlreadyInitialized    = errors.New("units: already initialized")
	ErrNotInitialized        = errors.New("units: not initialized")
	ErrNotFound              = errors.New("not found")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrInsufficientBalance   = errors.New("units: insufficient balance")
	ErrInsufficientAllowance = errors.New("units: insufficient allowance")
	ErrRecipientRejected     = errors.New("units: recipient rejected by policy")
)

func addrHex(addr [20]byte) string {
	return hex.EncodeToString(addr[:])
}
