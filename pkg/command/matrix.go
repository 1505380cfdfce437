// Copyright 2024-2026 Aiku AI

package command

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/qqbridge/pkg/format"
)

// MatrixConfig selects the management room commands are read from.
type MatrixConfig struct {
	Homeserver  string
	UserID      id.UserID
	AccessToken string
	RoomID      id.RoomID
	// Admins may issue commands. Messages from anyone else are ignored.
	Admins []id.UserID
}

// MatrixFrontend reads commands from a Matrix management room and answers
// with notices.
type MatrixFrontend struct {
	cfg    MatrixConfig
	client *mautrix.Client
	log    zerolog.Logger
	// Events older than this were sent before startup and are skipped.
	started time.Time
}

func NewMatrixFrontend(cfg MatrixConfig, log zerolog.Logger) (*MatrixFrontend, error) {
	if cfg.RoomID == "" {
		return nil, errors.New("matrix command room is not configured")
	}
	client, err := mautrix.NewClient(cfg.Homeserver, cfg.UserID, cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("create matrix client: %w", err)
	}
	return &MatrixFrontend{
		cfg:     cfg,
		client:  client,
		log:     log.With().Str("component", "cmd_matrix").Logger(),
		started: time.Now(),
	}, nil
}

// Run syncs with the homeserver until ctx is done.
func (m *MatrixFrontend) Run(ctx context.Context, d *Dispatcher) error {
	syncer := mautrix.NewDefaultSyncer()
	syncer.OnSync(m.client.DontProcessOldEvents)
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		m.handleMessage(ctx, d, evt)
	})
	m.client.Syncer = syncer

	m.log.Info().Str("room_id", m.cfg.RoomID.String()).Msg("Listening for commands")
	err := m.client.SyncWithContext(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("matrix sync: %w", err)
}

func (m *MatrixFrontend) isAdmin(user id.UserID) bool {
	return slices.Contains(m.cfg.Admins, user)
}

func (m *MatrixFrontend) handleMessage(ctx context.Context, d *Dispatcher, evt *event.Event) {
	if evt.RoomID != m.cfg.RoomID || evt.Sender == m.cfg.UserID {
		return
	}
	if time.UnixMilli(evt.Timestamp).Before(m.started) {
		return
	}
	content := evt.Content.AsMessage()
	if content == nil || content.MsgType != event.MsgText {
		return
	}
	req, err := Parse(content.Body)
	if errors.Is(err, ErrNotCommand) {
		return
	}

	log := m.log.With().Str("sender", evt.Sender.String()).Str("event_id", evt.ID.String()).Logger()
	if !m.isAdmin(evt.Sender) {
		log.Warn().Msg("Ignoring command from non-admin")
		return
	}

	var reply Reply
	if err != nil {
		reply = errorReply(err)
	} else {
		log.Info().Stringer("verb", req.Verb).Msg("Executing command")
		reply = d.Execute(ctx, req)
	}
	if reply.Err != nil {
		log.Warn().Err(reply.Err).Msg("Command failed")
	}
	if _, err := m.client.SendMessageEvent(ctx, m.cfg.RoomID, event.EventMessage, format.Notice(reply.Text)); err != nil {
		log.Error().Err(err).Msg("Failed to send command reply")
	}
}
