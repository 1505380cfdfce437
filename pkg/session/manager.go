// Copyright 2024-2026 Aiku AI

package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/qqbridge/pkg/credential"
	"github.com/aiku/qqbridge/pkg/im"
)

// DefaultAuthTimeout bounds a single account's login sequence.
const DefaultAuthTimeout = 60 * time.Second

// State is a step of the per-account login state machine.
type State int

const (
	StateStart State = iota
	StateLoadDevice
	StateLoadToken
	StateAuthenticate
	StateActive
	StateFailed
	// StateDisabled marks accounts with auto_login turned off.
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateLoadDevice:
		return "load-device"
	case StateLoadToken:
		return "load-token"
	case StateAuthenticate:
		return "authenticate"
	case StateActive:
		return "active"
	case StateFailed:
		return "failed"
	case StateDisabled:
		return "disabled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// AccountStatus is a snapshot of one account's state.
type AccountStatus struct {
	ID       int64
	Protocol credential.Protocol
	State    State
	Err      error
	Since    time.Time
}

// Options tunes a Manager.
type Options struct {
	AuthTimeout time.Duration
}

// Manager runs the login state machine for every configured IM account.
type Manager struct {
	root    string
	dialer  im.Dialer
	timeout time.Duration
	log     zerolog.Logger

	mu       sync.Mutex
	accounts map[int64]*AccountStatus
}

// NewManager creates a manager reading credentials under root.
func NewManager(root string, dialer im.Dialer, log zerolog.Logger, opts Options) *Manager {
	timeout := opts.AuthTimeout
	if timeout <= 0 {
		timeout = DefaultAuthTimeout
	}
	return &Manager{
		root:     root,
		dialer:   dialer,
		timeout:  timeout,
		log:      log.With().Str("component", "session").Logger(),
		accounts: make(map[int64]*AccountStatus),
	}
}

// LoginAll attempts every account concurrently and returns once all of them
// have either become active or failed. Failed accounts are logged and left
// out of the result; they are not retried.
func (m *Manager) LoginAll(ctx context.Context, accounts []credential.AccountConfig) map[int64]im.Client {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		active = make(map[int64]im.Client, len(accounts))
	)
	for _, acc := range accounts {
		if !acc.AutoLogin {
			m.setState(acc, StateDisabled, nil)
			m.log.Info().Int64("account", acc.ID).Msg("Auto login disabled, skipping account")
			continue
		}
		wg.Add(1)
		go func(acc credential.AccountConfig) {
			defer wg.Done()
			client, err := m.Login(ctx, acc)
			if err != nil {
				return
			}
			mu.Lock()
			active[acc.ID] = client
			mu.Unlock()
		}(acc)
	}
	wg.Wait()

	m.log.Info().
		Int("configured", len(accounts)).
		Int("active", len(active)).
		Msg("Account login finished")
	return active
}

// Login runs the state machine for a single account, bounded by the
// configured authentication timeout.
func (m *Manager) Login(ctx context.Context, acc credential.AccountConfig) (im.Client, error) {
	log := m.log.With().Int64("account", acc.ID).Str("protocol", acc.Protocol.String()).Logger()
	m.setState(acc, StateStart, nil)
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	type result struct {
		client im.Client
		err    error
	}
	done := make(chan result, 1)
	go func() {
		client, err := m.attempt(ctx, acc, log)
		done <- result{client, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			m.setState(acc, StateFailed, res.err)
			log.Error().Err(res.err).Msg("Account login failed")
			return nil, res.err
		}
		m.setState(acc, StateActive, nil)
		log.Info().Msg("Account logged in")
		return res.client, nil
	case <-ctx.Done():
		// The attempt may still finish later; make sure a late client is not leaked.
		go func() {
			if res := <-done; res.client != nil {
				_ = res.client.Close()
			}
		}()
		err := &LoginError{Account: acc.ID, Reason: ReasonTimeout, Err: ctx.Err()}
		m.setState(acc, StateFailed, err)
		log.Error().Err(err).Dur("timeout", m.timeout).Msg("Account login timed out")
		return nil, err
	}
}

func (m *Manager) attempt(ctx context.Context, acc credential.AccountConfig, log zerolog.Logger) (im.Client, error) {
	dir := credential.AccountDir(m.root, acc.ID)

	m.advance(acc, StateLoadDevice)
	device, err := credential.LoadDevice(dir)
	if err != nil {
		return nil, &LoginError{Account: acc.ID, Reason: ReasonConfig, Err: err}
	}

	m.advance(acc, StateLoadToken)
	token, err := credential.LoadToken(dir)
	if err != nil {
		return nil, &LoginError{Account: acc.ID, Reason: ReasonConfig, Err: err}
	}

	m.advance(acc, StateAuthenticate)
	if err := checkTokenOwner(acc.ID, token); err != nil {
		return nil, err
	}

	client, err := m.dialer.Dial(ctx, acc, device)
	if err != nil {
		return nil, classify(ctx, acc.ID, fmt.Errorf("dial: %w", err))
	}
	if err := m.authenticate(ctx, acc.ID, client, token, dir, log); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// checkTokenOwner guards against one account's cached token authenticating
// another account's client.
func checkTokenOwner(account int64, token *credential.Token) error {
	if token.UIN != account {
		return &LoginError{
			Account: account,
			Reason:  ReasonWrongCredential,
			Err:     fmt.Errorf("token belongs to uin %d", token.UIN),
		}
	}
	return nil
}

func (m *Manager) authenticate(ctx context.Context, account int64, client im.Client, token *credential.Token, dir string, log zerolog.Logger) error {
	res, err := client.TokenLogin(ctx, token)
	if err != nil {
		return classify(ctx, account, err)
	}
	if !res.Success {
		return &LoginError{Account: account, Reason: ReasonTokenLoginFailed, Err: errors.New(res.Reason)}
	}

	if err := client.AfterLogin(ctx); err != nil {
		log.Warn().Err(err).Msg("Post-login handshake failed")
	}
	m.persistToken(ctx, client, dir, log)
	return nil
}

// persistToken stores the refreshed session token. Failures are logged only:
// the in-memory session stays usable and the previous file remains valid.
func (m *Manager) persistToken(ctx context.Context, client im.Client, dir string, log zerolog.Logger) {
	token, err := client.CurrentToken(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to export refreshed token")
		return
	}
	if err := credential.SaveToken(dir, token); err != nil {
		log.Error().Err(err).Msg("Failed to persist refreshed token")
		return
	}
	log.Debug().Msg("Refreshed token saved")
}

func classify(ctx context.Context, account int64, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return &LoginError{Account: account, Reason: ReasonTimeout, Err: err}
	}
	return &LoginError{Account: account, Reason: ReasonTokenLoginFailed, Err: err}
}

// Relogin repeats token authentication on an already registered client. It
// is only triggered by an operator; the manager never retries on its own.
func (m *Manager) Relogin(ctx context.Context, account int64, client im.Client) error {
	acc := m.accountConfig(account)
	log := m.log.With().Int64("account", account).Str("trigger", "relogin").Logger()
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	dir := credential.AccountDir(m.root, account)
	m.setState(acc, StateLoadToken, nil)
	token, err := credential.LoadToken(dir)
	if err != nil {
		err = &LoginError{Account: account, Reason: ReasonConfig, Err: err}
	} else {
		m.setState(acc, StateAuthenticate, nil)
		err = checkTokenOwner(account, token)
		if err == nil {
			err = m.authenticate(ctx, account, client, token, dir, log)
		}
	}
	if err != nil {
		m.setState(acc, StateFailed, err)
		log.Error().Err(err).Msg("Relogin failed")
		return err
	}
	m.setState(acc, StateActive, nil)
	log.Info().Msg("Relogin succeeded")
	return nil
}

func (m *Manager) accountConfig(id int64) credential.AccountConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	if status, ok := m.accounts[id]; ok {
		return credential.AccountConfig{ID: id, Protocol: status.Protocol, AutoLogin: true}
	}
	return credential.DefaultAccountConfig(id)
}

func (m *Manager) setState(acc credential.AccountConfig, state State, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[acc.ID] = &AccountStatus{
		ID:       acc.ID,
		Protocol: acc.Protocol,
		State:    state,
		Err:      err,
		Since:    time.Now(),
	}
}

// advance moves an in-flight attempt to its next step. An attempt that
// already timed out is left in its failed state.
func (m *Manager) advance(acc credential.AccountConfig, state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.accounts[acc.ID]; ok && cur.State == StateFailed {
		return
	}
	m.accounts[acc.ID] = &AccountStatus{ID: acc.ID, Protocol: acc.Protocol, State: state, Since: time.Now()}
}

// State returns the status of one account.
func (m *Manager) State(id int64) (AccountStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status, ok := m.accounts[id]
	if !ok {
		return AccountStatus{}, false
	}
	return *status, true
}

// States returns the status of every known account ordered by id.
func (m *Manager) States() []AccountStatus {
	m.mu.Lock()
	out := make([]AccountStatus, 0, len(m.accounts))
	for _, status := range m.accounts {
		out = append(out, *status)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
