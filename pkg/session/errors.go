// Copyright 2024-2026 Aiku AI

package session

import (
	"errors"
	"fmt"
)

// Reason classifies why an account failed to reach the active state.
type Reason int

const (
	// ReasonConfig means the device or token files could not be loaded.
	ReasonConfig Reason = iota
	ReasonTokenLoginFailed
	// ReasonWrongCredential means the cached token belongs to another uin.
	ReasonWrongCredential
	ReasonTimeout
)

func (r Reason) String() string {
	switch r {
	case ReasonConfig:
		return "config error"
	case ReasonTokenLoginFailed:
		return "token login failed"
	case ReasonWrongCredential:
		return "wrong credential"
	case ReasonTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// LoginError is the per-account failure surfaced by the session manager.
type LoginError struct {
	Account int64
	Reason  Reason
	Err     error
}

func (e *LoginError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("account %d: %s", e.Account, e.Reason)
	}
	return fmt.Sprintf("account %d: %s: %v", e.Account, e.Reason, e.Err)
}

func (e *LoginError) Unwrap() error {
	return e.Err
}

// IsReason reports whether err is a [*LoginError] with the given reason.
func IsReason(err error, reason Reason) bool {
	var loginErr *LoginError
	return errors.As(err, &loginErr) && loginErr.Reason == reason
}
