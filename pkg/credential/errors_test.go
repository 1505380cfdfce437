// Copyright 2024-2026 Aiku AI

package credential

import (
	"errors"
	"io/fs"
	"strings"
	"testing"
)

func asConfigError(err error, target **ConfigError) bool {
	return errors.As(err, target)
}

func TestConfigErrorMessage(t *testing.T) {
	t.Parallel()
	err := newError(KindDevice, OpRead, "/tmp/x", fs.ErrPermission)
	msg := err.Error()
	for _, want := range []string{"device", "read", "/tmp/x", "permission denied"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q should contain %q", msg, want)
		}
	}
	if !errors.Is(err, fs.ErrPermission) {
		t.Error("ConfigError should unwrap to the cause")
	}
}

func TestIsOperation(t *testing.T) {
	t.Parallel()
	err := newError(KindToken, OpNotFound, "", nil)
	if !IsOperation(err, OpNotFound) {
		t.Error("IsOperation should match the operation")
	}
	if IsOperation(err, OpRead) {
		t.Error("IsOperation should not match a different operation")
	}
	if IsOperation(errors.New("plain"), OpNotFound) {
		t.Error("IsOperation should not match a non-config error")
	}
}
