// Copyright 2024-2026 Aiku AI

package sidecar

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/aiku/qqbridge/pkg/im"
)

const eventBuffer = 64

var errAlreadyReceiving = errors.New("event stream already open")

// Receive opens the inbound event stream. The stream reconnects with
// exponential backoff until ctx is done or the client is closed, at which
// point the channel is closed.
func (c *Client) Receive(ctx context.Context) (<-chan im.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("client closed")
	}
	if c.receiving {
		return nil, errAlreadyReceiving
	}
	c.receiving = true
	ctx, c.stop = context.WithCancel(ctx)

	events := make(chan im.Event, eventBuffer)
	go c.receiveLoop(ctx, events)
	return events, nil
}

func (c *Client) streamURL() (string, error) {
	u, err := url.Parse(httpToWS(c.cfg.Endpoint) + "/message")
	if err != nil {
		return "", fmt.Errorf("invalid endpoint: %w", err)
	}
	u.RawQuery = url.Values{
		"verifyKey":  {c.cfg.VerifyKey},
		"sessionKey": {c.session},
		"qq":         {strconv.FormatInt(c.account.ID, 10)},
	}.Encode()
	return u.String(), nil
}

func (c *Client) receiveLoop(ctx context.Context, events chan<- im.Event) {
	defer close(events)
	backoff := c.cfg.MinBackoff
	for {
		connected, err := c.stream(ctx, events)
		if ctx.Err() != nil {
			return
		}
		if connected {
			backoff = c.cfg.MinBackoff
		}
		c.log.Warn().Err(err).Dur("retry_in", backoff).Msg("Event stream disconnected, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, c.cfg.MaxBackoff)
	}
}

// stream runs one websocket connection until it fails. connected reports
// whether the handshake succeeded.
func (c *Client) stream(ctx context.Context, events chan<- im.Event) (connected bool, err error) {
	wsURL, err := c.streamURL()
	if err != nil {
		return false, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return false, fmt.Errorf("dial event stream: %w", err)
	}
	defer conn.Close()
	c.log.Debug().Msg("Event stream connected")

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read event stream: %w", err)
		}
		evt, ok := parseEvent(c.account.ID, frame)
		if !ok {
			c.log.Trace().Str("frame", string(frame)).Msg("Ignoring event frame")
			continue
		}
		select {
		case events <- evt:
		case <-ctx.Done():
			return true, ctx.Err()
		}
	}
}

// parseEvent converts a stream frame into an [im.Event]. Frames may carry
// the event directly or wrapped in a "data" envelope.
func parseEvent(account int64, frame []byte) (im.Event, bool) {
	if !gjson.ValidBytes(frame) {
		return im.Event{}, false
	}
	root := gjson.ParseBytes(frame)
	if data := root.Get("data"); data.IsObject() {
		root = data
	}

	switch root.Get("type").String() {
	case "GroupMessage":
		evt := im.Event{
			Kind:       im.EventGroupMessage,
			Account:    account,
			Group:      root.Get("sender.group.id").Int(),
			SenderID:   root.Get("sender.id").Int(),
			SenderName: root.Get("sender.memberName").String(),
		}
		var text strings.Builder
		for _, part := range root.Get("messageChain").Array() {
			switch part.Get("type").String() {
			case "Source":
				evt.MessageID = part.Get("id").String()
				evt.Time = time.Unix(part.Get("time").Int(), 0)
			case "Plain":
				text.WriteString(part.Get("text").String())
			case "At":
				text.WriteString(part.Get("display").String())
			case "Face":
				text.WriteString("[" + part.Get("name").String() + "]")
			case "Image":
				text.WriteString("[image]")
			}
		}
		evt.Text = text.String()
		if evt.MessageID == "" || evt.Group == 0 {
			return im.Event{}, false
		}
		return evt, true
	case "GroupRecallEvent":
		evt := im.Event{
			Kind:      im.EventGroupRecall,
			Account:   account,
			Group:     root.Get("group.id").Int(),
			MessageID: root.Get("messageId").String(),
			SenderID:  root.Get("authorId").Int(),
			Time:      time.Unix(root.Get("time").Int(), 0),
		}
		if evt.MessageID == "" || evt.Group == 0 {
			return im.Event{}, false
		}
		return evt, true
	default:
		return im.Event{}, false
	}
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}
