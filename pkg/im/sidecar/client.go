// Copyright 2024-2026 Aiku AI

// Package sidecar implements [im.Client] on top of an out-of-process IM
// protocol stack exposing an HTTP API for requests and a websocket stream
// for inbound events.
package sidecar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/aiku/qqbridge/pkg/credential"
	"github.com/aiku/qqbridge/pkg/im"
)

const (
	maxResponseSize = 1 << 20

	defaultRequestTimeout = 30 * time.Second
	defaultMinBackoff     = time.Second
	defaultMaxBackoff     = 30 * time.Second
)

// Config describes how to reach the sidecar.
type Config struct {
	Endpoint   string
	VerifyKey  string
	HTTPClient *http.Client
	// MinBackoff and MaxBackoff bound the event stream reconnect delay.
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// APIError is a non-zero status code returned by the sidecar.
type APIError struct {
	Path string
	Code int64
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: code %d: %s", e.Path, e.Code, e.Msg)
}

// Dialer opens sidecar sessions. It implements [im.Dialer].
type Dialer struct {
	cfg Config
	log zerolog.Logger
}

func NewDialer(cfg Config, log zerolog.Logger) *Dialer {
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = defaultMinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = max(defaultMaxBackoff, cfg.MinBackoff)
	}
	return &Dialer{cfg: cfg, log: log.With().Str("component", "im_sidecar").Logger()}
}

// Dial verifies against the sidecar and allocates a session for the
// account. It does not log the account in.
func (d *Dialer) Dial(ctx context.Context, acc credential.AccountConfig, device *credential.Device) (im.Client, error) {
	c := &Client{
		cfg:     d.cfg,
		account: acc,
		device:  device,
		log:     d.log.With().Int64("account", acc.ID).Logger(),
	}
	resp, err := c.call(ctx, http.MethodPost, "/verify", map[string]any{"verifyKey": d.cfg.VerifyKey})
	if err != nil {
		return nil, err
	}
	c.session = resp.Get("session").String()
	if c.session == "" {
		return nil, errors.New("verify: empty session key")
	}
	if _, err := c.call(ctx, http.MethodPost, "/bind", map[string]any{"sessionKey": c.session, "qq": acc.ID}); err != nil {
		return nil, err
	}
	return c, nil
}

// Client is one account's session on the sidecar.
type Client struct {
	cfg     Config
	account credential.AccountConfig
	device  *credential.Device
	session string
	log     zerolog.Logger

	mu        sync.Mutex
	receiving bool
	stop      context.CancelFunc
	closed    bool
}

func (c *Client) Account() int64 {
	return c.account.ID
}

func (c *Client) TokenLogin(ctx context.Context, token *credential.Token) (im.LoginResult, error) {
	_, err := c.call(ctx, http.MethodPost, "/login/token", map[string]any{
		"sessionKey": c.session,
		"qq":         c.account.ID,
		"protocol":   c.account.Protocol,
		"device":     c.device,
		"token":      token,
	})
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return im.LoginResult{Success: false, Reason: apiErr.Msg}, nil
		}
		return im.LoginResult{}, err
	}
	return im.LoginResult{Success: true}, nil
}

func (c *Client) AfterLogin(ctx context.Context) error {
	_, err := c.call(ctx, http.MethodPost, "/login/after", map[string]any{"sessionKey": c.session, "qq": c.account.ID})
	return err
}

func (c *Client) CurrentToken(ctx context.Context) (*credential.Token, error) {
	q := url.Values{"sessionKey": {c.session}, "qq": {strconv.FormatInt(c.account.ID, 10)}}
	resp, err := c.call(ctx, http.MethodGet, "/token?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	data := resp.Get("data")
	if !data.IsObject() {
		return nil, errors.New("token: missing data")
	}
	var token credential.Token
	if err := json.Unmarshal([]byte(data.Raw), &token); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return &token, nil
}

func (c *Client) SendGroupMessage(ctx context.Context, group int64, text string) (string, error) {
	resp, err := c.call(ctx, http.MethodPost, "/sendGroupMessage", map[string]any{
		"sessionKey": c.session,
		"target":     group,
		"messageChain": []map[string]string{
			{"type": "Plain", "text": text},
		},
	})
	if err != nil {
		return "", err
	}
	id := resp.Get("messageId")
	if !id.Exists() {
		return "", errors.New("sendGroupMessage: missing messageId")
	}
	return id.String(), nil
}

func (c *Client) Recall(ctx context.Context, group int64, messageID string) error {
	id, err := strconv.ParseInt(messageID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid message id %q: %w", messageID, err)
	}
	_, err = c.call(ctx, http.MethodPost, "/recall", map[string]any{
		"sessionKey": c.session,
		"target":     group,
		"messageId":  id,
	})
	return err
}

// Close stops the event stream and releases the sidecar session.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	stop := c.stop
	c.mu.Unlock()
	if stop != nil {
		stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.call(ctx, http.MethodPost, "/release", map[string]any{"sessionKey": c.session, "qq": c.account.ID})
	return err
}

// call performs one API request and returns the parsed response, turning a
// non-zero "code" into an [*APIError].
func (c *Client) call(ctx context.Context, method, path string, body any) (gjson.Result, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return gjson.Result{}, fmt.Errorf("encode %s request: %w", path, err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.Endpoint+path, reader)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("build %s request: %w", path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%s: read response: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return gjson.Result{}, fmt.Errorf("%s: unexpected status %d", path, resp.StatusCode)
	}
	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, fmt.Errorf("%s: invalid JSON response", path)
	}
	parsed := gjson.ParseBytes(raw)
	if code := parsed.Get("code").Int(); code != 0 {
		return parsed, &APIError{Path: pathOnly(path), Code: code, Msg: parsed.Get("msg").String()}
	}
	return parsed, nil
}

func pathOnly(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}

var (
	_ im.Client = (*Client)(nil)
	_ im.Dialer = (*Dialer)(nil)
)
