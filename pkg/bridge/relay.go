// Copyright 2024-2026 Aiku AI

package bridge

import (
	"strings"

	"github.com/aiku/qqbridge/pkg/hub"
)

// relayText prefixes the bridged text with its author so readers on the
// other side know who spoke.
func relayText(c hub.Content) string {
	name := strings.TrimSpace(c.SenderName)
	if name == "" {
		name = c.SenderID
	}
	if name == "" {
		return c.Text
	}
	return "[" + name + "] " + c.Text
}
