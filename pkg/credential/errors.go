// Copyright 2024-2026 Aiku AI

package credential

import (
	"errors"
	"fmt"
)

// Kind names the credential file an error refers to.
type Kind int

const (
	KindClient Kind = iota
	KindDevice
	KindToken
)

func (k Kind) String() string {
	switch k {
	case KindClient:
		return "client"
	case KindDevice:
		return "device"
	case KindToken:
		return "token"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Operation names what was being done when a credential error occurred.
type Operation int

const (
	OpRead Operation = iota
	OpWrite
	OpNotFound
	OpSerialization
	OpDeserialization
)

func (o Operation) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpNotFound:
		return "not found"
	case OpSerialization:
		return "serialization"
	case OpDeserialization:
		return "deserialization"
	default:
		return fmt.Sprintf("operation(%d)", int(o))
	}
}

// ConfigError is returned by every function in this package.
type ConfigError struct {
	Kind   Kind
	Op     Operation
	Detail string
	Err    error
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("%s config: %s failed", e.Kind, e.Op)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func newError(kind Kind, op Operation, detail string, err error) *ConfigError {
	return &ConfigError{Kind: kind, Op: op, Detail: detail, Err: err}
}

// IsOperation reports whether err is a [*ConfigError] for the given operation.
func IsOperation(err error, op Operation) bool {
	var cfgErr *ConfigError
	return errors.As(err, &cfgErr) && cfgErr.Op == op
}
