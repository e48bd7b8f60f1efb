package service

import "errors"

var (
	ErrSessionNotFound   = errors.New("payment session not found")
	ErrSessionTerminal   = errors.New("payment session already terminal")
	ErrSessionActive     = errors.New("payment session still active")
	ErrSessionNotStarted = errors.New("payment session not started")
	ErrIdentityRequired  = errors.New("payment identity required for channel")
	ErrHostUnavailable   = errors.New("miniprogram host unavailable")
	ErrFallbackFailed    = errors.New("native fallback failed")
	ErrEventInvalid      = errors.New("session event invalid")
	ErrClaimNotFound     = errors.New("guest claim not found")
	ErrPackageInvalid    = errors.New("package info invalid")
)
