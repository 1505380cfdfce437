// Copyright 2024-2026 Aiku AI

package hub

import (
	"fmt"
	"time"
)

// Kind distinguishes new messages from changes to earlier ones.
type Kind int

const (
	KindMessage Kind = iota
	KindEdit
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindEdit:
		return "edit"
	case KindDelete:
		return "delete"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Content is the platform-neutral body of a bridged message.
type Content struct {
	Text       string
	SenderName string
	SenderID   string
}

// Event is one inbound platform event on its way to sibling adapters. It is
// passed by value so every sibling receives its own copy.
type Event struct {
	Origin          string
	MessageID       string
	ConversationKey string
	Kind            Kind
	// TargetID is the origin platform id of the message an edit or delete
	// refers to.
	TargetID      string
	CorrelationID string
	Payload       Content
	Timestamp     time.Time
}
