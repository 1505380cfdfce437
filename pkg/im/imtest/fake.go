// Copyright 2024-2026 Aiku AI

// Package imtest provides in-memory IM clients for tests.
package imtest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/aiku/qqbridge/pkg/credential"
	"github.com/aiku/qqbridge/pkg/im"
)

// SentMessage is a group message captured by [Client].
type SentMessage struct {
	Group int64
	Text  string
	ID    string
}

// Recall is a recall request captured by [Client].
type Recall struct {
	Group     int64
	MessageID string
}

// Client is a scriptable [im.Client]. Zero-value hooks succeed.
type Client struct {
	ID int64

	// LoginFunc overrides TokenLogin when set.
	LoginFunc     func(ctx context.Context, token *credential.Token) (im.LoginResult, error)
	AfterLoginErr error
	CurrentFunc   func(ctx context.Context) (*credential.Token, error)
	SendErr       error
	RecallErr     error

	mu       sync.Mutex
	calls    []string
	sent     []SentMessage
	recalls  []Recall
	closed   bool
	nextID   int
	events   chan im.Event
	received bool
}

// NewClient returns a client for account id whose event stream can be fed
// with [Client.Push].
func NewClient(id int64) *Client {
	return &Client{ID: id, events: make(chan im.Event, 16)}
}

func (c *Client) record(call string) {
	c.mu.Lock()
	c.calls = append(c.calls, call)
	c.mu.Unlock()
}

func (c *Client) Account() int64 { return c.ID }

func (c *Client) TokenLogin(ctx context.Context, token *credential.Token) (im.LoginResult, error) {
	c.record("TokenLogin")
	if c.LoginFunc != nil {
		return c.LoginFunc(ctx, token)
	}
	return im.LoginResult{Success: true}, nil
}

func (c *Client) AfterLogin(ctx context.Context) error {
	c.record("AfterLogin")
	return c.AfterLoginErr
}

func (c *Client) CurrentToken(ctx context.Context) (*credential.Token, error) {
	c.record("CurrentToken")
	if c.CurrentFunc != nil {
		return c.CurrentFunc(ctx)
	}
	return nil, errors.New("no token")
}

func (c *Client) SendGroupMessage(ctx context.Context, group int64, text string) (string, error) {
	c.record("SendGroupMessage")
	if c.SendErr != nil {
		return "", c.SendErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := strconv.Itoa(c.nextID)
	c.sent = append(c.sent, SentMessage{Group: group, Text: text, ID: id})
	return id, nil
}

func (c *Client) Recall(ctx context.Context, group int64, messageID string) error {
	c.record("Recall")
	if c.RecallErr != nil {
		return c.RecallErr
	}
	c.mu.Lock()
	c.recalls = append(c.recalls, Recall{Group: group, MessageID: messageID})
	c.mu.Unlock()
	return nil
}

func (c *Client) Receive(ctx context.Context) (<-chan im.Event, error) {
	c.record("Receive")
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.events == nil {
		c.events = make(chan im.Event, 16)
	}
	if c.received {
		return nil, fmt.Errorf("account %d: already receiving", c.ID)
	}
	c.received = true
	return c.events, nil
}

// Push delivers an event to the receiver.
func (c *Client) Push(evt im.Event) {
	c.mu.Lock()
	if c.events == nil {
		c.events = make(chan im.Event, 16)
	}
	events := c.events
	c.mu.Unlock()
	events <- evt
}

func (c *Client) Close() error {
	c.record("Close")
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// Calls returns the method names invoked so far, in order.
func (c *Client) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// Sent returns the captured group messages.
func (c *Client) Sent() []SentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SentMessage(nil), c.sent...)
}

// Recalls returns the captured recall requests.
func (c *Client) Recalls() []Recall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Recall(nil), c.recalls...)
}

// Closed reports whether Close was called.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Dialer hands out pre-registered clients and counts dials per account.
type Dialer struct {
	mu      sync.Mutex
	clients map[int64]*Client
	dials   map[int64]int
	devices map[int64]*credential.Device
}

// NewDialer returns a dialer serving the given clients.
func NewDialer(clients ...*Client) *Dialer {
	d := &Dialer{
		clients: make(map[int64]*Client),
		dials:   make(map[int64]int),
		devices: make(map[int64]*credential.Device),
	}
	for _, c := range clients {
		d.clients[c.ID] = c
	}
	return d
}

func (d *Dialer) Dial(ctx context.Context, acc credential.AccountConfig, device *credential.Device) (im.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials[acc.ID]++
	d.devices[acc.ID] = device
	client, ok := d.clients[acc.ID]
	if !ok {
		return nil, fmt.Errorf("account %d: unreachable", acc.ID)
	}
	return client, nil
}

// Dials returns how many times account id was dialed.
func (d *Dialer) Dials(id int64) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[id]
}

// Device returns the device passed on the last dial of account id.
func (d *Dialer) Device(id int64) *credential.Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.devices[id]
}

var _ im.Client = (*Client)(nil)
var _ im.Dialer = (*Dialer)(nil)
