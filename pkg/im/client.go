// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package im defines the contract between the bridge and an IM protocol
// stack. The stack itself lives out of process or in another module; the
// bridge only ever talks to it through [Client].
package im

import (
	"context"
	"time"

	"github.com/aiku/qqbridge/pkg/credential"
)

// LoginResult is the outcome of a token login. Success means the client
// holds a live session; otherwise Reason carries the remote explanation.
type LoginResult struct {
	Success bool
	Reason  string
}

// EventKind distinguishes the inbound events the bridge relays.
type EventKind int

const (
	EventGroupMessage EventKind = iota
	EventGroupRecall
)

// Event is one inbound event from an IM account's receive stream.
type Event struct {
	Kind       EventKind
	Account    int64
	Group      int64
	MessageID  string
	SenderID   int64
	SenderName string
	Text       string
	Time       time.Time
}

// Client is a connection to one IM account.
type Client interface {
	// Account returns the uin the client was dialed for.
	Account() int64
	// TokenLogin restores a session from a cached token.
	TokenLogin(ctx context.Context, token *credential.Token) (LoginResult, error)
	// AfterLogin runs the post-login handshake (contact sync, status).
	AfterLogin(ctx context.Context) error
	// CurrentToken exports the token of the live session for persistence.
	CurrentToken(ctx context.Context) (*credential.Token, error)
	// SendGroupMessage posts text to a group and returns the message id.
	SendGroupMessage(ctx context.Context, group int64, text string) (string, error)
	// Recall withdraws a message previously sent by this account.
	Recall(ctx context.Context, group int64, messageID string) error
	// Receive opens the inbound event stream. The channel is closed when
	// ctx is done; transport drops are reconnected internally.
	Receive(ctx context.Context) (<-chan Event, error)
	// Close releases the connection.
	Close() error
}

// Dialer creates unauthenticated clients. Dialing must not log in; the
// session manager decides when a login is attempted.
type Dialer interface {
	Dial(ctx context.Context, account credential.AccountConfig, device *credential.Device) (Client, error)
}

// DialerFunc adapts a function to [Dialer].
type DialerFunc func(ctx context.Context, account credential.AccountConfig, device *credential.Device) (Client, error)

func (f DialerFunc) Dial(ctx context.Context, account credential.AccountConfig, device *credential.Device) (Client, error) {
	return f(ctx, account, device)
}
