package domain

import "errors"

var (
	// ErrInvalidToken is returned when a connection token does not exist (or was already used).
	ErrInvalidToken = errors.New("invalid connection token")
	// ErrTokenExpired is returned when a connection token exists but its TTL has passed.
	ErrTokenExpired = errors.New("connection token expired")
	// ErrAlreadyConnected is returned when a chat identity is already bound to an account.
	ErrAlreadyConnected = errors.New("chat identity already connected")
	// ErrAccountNotFound is returned when no member or administrator matches.
	ErrAccountNotFound = errors.New("account not found")
	// ErrPaymentNotFound is returned when a payment id does not resolve.
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrPermissionDenied is returned when a non-administrator attempts an admin action.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrTransport wraps a failed delivery to one messaging recipient.
	ErrTransport = errors.New("messaging transport failure")
	// ErrUpstream wraps a failed call to the token validation API.
	ErrUpstream = errors.New("upstream api failure")
	// ErrConflict is returned when a compare-and-swap lost against a concurrent writer.
	ErrConflict = errors.New("concurrent update conflict")
)
