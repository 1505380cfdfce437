// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/qqbridge/pkg/format"
	"github.com/aiku/qqbridge/pkg/hub"
)

// NameMattermost is the hub name of the guild-chat adapter.
const NameMattermost = "mattermost"

const (
	minReconnectDelay = time.Second
	maxReconnectDelay = time.Minute
)

// MattermostConfig holds the bot credentials for the guild side.
type MattermostConfig struct {
	ServerURL string
	Token     string
	// BotPrefix marks usernames of other bridge bots whose posts are ignored.
	BotPrefix string
}

// MattermostAdapter relays between linked Mattermost channels and the hub.
type MattermostAdapter struct {
	cfg   MattermostConfig
	hub   *hub.Hub
	links *Links
	log   zerolog.Logger

	client   *model.Client4
	wsClient *model.WebSocketClient
	userID   string
}

func NewMattermostAdapter(cfg MattermostConfig, h *hub.Hub, links *Links, log zerolog.Logger) *MattermostAdapter {
	client := model.NewAPIv4Client(cfg.ServerURL)
	client.SetToken(cfg.Token)
	return &MattermostAdapter{
		cfg:    cfg,
		hub:    h,
		links:  links,
		log:    log.With().Str("component", "mm_adapter").Logger(),
		client: client,
	}
}

// Run verifies the bot session, attaches to the hub and relays until ctx is
// done. A dropped websocket is reconnected with backoff.
func (m *MattermostAdapter) Run(ctx context.Context) error {
	m.log.Info().Str("server_url", m.cfg.ServerURL).Msg("Connecting to Mattermost")
	me, _, err := m.client.GetMe(ctx, "")
	if err != nil {
		return fmt.Errorf("verify mattermost session: %w", err)
	}
	m.userID = me.Id
	m.log.Info().Str("user_id", me.Id).Str("username", me.Username).Msg("Authenticated")

	reg, err := m.hub.Attach(NameMattermost)
	if err != nil {
		return err
	}
	defer m.hub.Detach(NameMattermost)

	if err := m.connectWebSocket(); err != nil {
		return err
	}
	defer func() {
		if m.wsClient != nil {
			m.wsClient.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-m.wsClient.EventChannel:
			if !ok {
				m.log.Warn().Msg("WebSocket event channel closed, reconnecting")
				if err := m.reconnect(ctx); err != nil {
					return nil
				}
				continue
			}
			if evt != nil {
				m.handleEvent(evt)
			}
		case evt, ok := <-reg.Inbound():
			if !ok {
				return errors.New("detached from hub")
			}
			m.handleHubEvent(ctx, evt)
		}
	}
}

func (m *MattermostAdapter) connectWebSocket() error {
	wsURL := httpToWS(m.cfg.ServerURL)
	wsClient, err := model.NewWebSocketClient4(wsURL, m.client.AuthToken)
	if err != nil {
		return fmt.Errorf("failed to create websocket client: %w", err)
	}
	wsClient.Listen()
	m.wsClient = wsClient
	m.log.Info().Str("ws_url", wsURL).Msg("WebSocket connected")
	return nil
}

// reconnect retries the websocket until it succeeds or ctx is done.
func (m *MattermostAdapter) reconnect(ctx context.Context) error {
	m.wsClient.Close()
	delay := minReconnectDelay
	for {
		err := m.connectWebSocket()
		if err == nil {
			return nil
		}
		m.log.Error().Err(err).Dur("retry_in", delay).Msg("Failed to reconnect WebSocket")
		select {
		case <-ctx.Done():
			m.wsClient = nil
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, maxReconnectDelay)
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

// handleEvent publishes post events from linked channels to the hub.
func (m *MattermostAdapter) handleEvent(evt *model.WebSocketEvent) {
	var kind hub.Kind
	switch evt.EventType() {
	case model.WebsocketEventPosted:
		kind = hub.KindMessage
	case model.WebsocketEventPostEdited:
		kind = hub.KindEdit
	case model.WebsocketEventPostDeleted:
		kind = hub.KindDelete
	default:
		m.log.Trace().Str("event_type", string(evt.EventType())).Msg("Unhandled event type")
		return
	}

	post, err := m.parsePostEvent(evt)
	if err != nil {
		m.log.Error().Err(err).Msg("Failed to parse post event")
		return
	}
	if post == nil {
		return
	}
	link, ok := m.links.ByChannel(post.ChannelId)
	if !ok {
		return
	}

	senderName, _ := evt.GetData()["sender_name"].(string)
	senderName = strings.TrimPrefix(senderName, "@")
	out := hub.Event{
		Origin:          NameMattermost,
		MessageID:       post.Id,
		ConversationKey: link.Name,
		Kind:            kind,
		Payload: hub.Content{
			Text:       format.Plain(post.Message),
			SenderName: senderName,
			SenderID:   post.UserId,
		},
		Timestamp: time.UnixMilli(post.CreateAt),
	}
	if kind != hub.KindMessage {
		out.TargetID = post.Id
	}
	m.hub.Publish(out)
}

// parsePostEvent extracts a post from a websocket event, applying all echo
// prevention layers. Returns (nil, nil) to skip silently.
func (m *MattermostAdapter) parsePostEvent(evt *model.WebSocketEvent) (*model.Post, error) {
	postJSON, ok := evt.GetData()["post"].(string)
	if !ok {
		return nil, fmt.Errorf("%s event missing post data", evt.EventType())
	}

	var post model.Post
	if err := json.Unmarshal([]byte(postJSON), &post); err != nil {
		return nil, fmt.Errorf("failed to unmarshal post: %w", err)
	}

	// Echo prevention: skip own posts.
	if post.UserId == m.userID {
		return nil, nil
	}

	// Echo prevention: skip non-default post types (system messages).
	if post.Type != "" && post.Type != model.PostTypeDefault {
		return nil, nil
	}

	// Echo prevention: skip posts from other bridge bots.
	senderName, _ := evt.GetData()["sender_name"].(string)
	senderName = strings.TrimPrefix(senderName, "@")
	if senderName != "" && isBridgeUsername(senderName, m.cfg.BotPrefix) {
		m.log.Debug().
			Str("post_id", post.Id).
			Str("username", senderName).
			Msg("Skipping bridge username post (echo prevention)")
		return nil, nil
	}

	return &post, nil
}

// isBridgeUsername reports whether a username belongs to a bridge bot.
func isBridgeUsername(username, botPrefix string) bool {
	switch {
	case username == "qqbridge":
		return true
	case strings.HasPrefix(username, "qq_"):
		return true
	case botPrefix != "" && strings.HasPrefix(username, botPrefix):
		return true
	default:
		return false
	}
}

func (m *MattermostAdapter) handleHubEvent(ctx context.Context, evt hub.Event) {
	log := m.log.With().
		Str("origin", evt.Origin).
		Str("conversation", evt.ConversationKey).
		Str("correlation_id", evt.CorrelationID).
		Logger()

	link, ok := m.links.ByName(evt.ConversationKey)
	if !ok {
		log.Debug().Msg("No link for conversation, dropping event")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	if evt.Kind == hub.KindMessage {
		created, _, err := m.client.CreatePost(ctx, &model.Post{
			ChannelId: link.Channel,
			Message:   relayText(evt.Payload),
		})
		if err != nil {
			log.Error().Err(err).Msg("Failed to create post")
			return
		}
		if err := m.hub.ReportDelivery(evt.CorrelationID, NameMattermost, created.Id); err != nil {
			log.Debug().Err(err).Msg("Delivery not correlated")
		}
		return
	}

	postID, ok := m.hub.PlatformID(evt.CorrelationID, NameMattermost)
	if !ok {
		log.Debug().Stringer("kind", evt.Kind).Msg("No post for correlation, dropping event")
		return
	}
	switch evt.Kind {
	case hub.KindEdit:
		text := relayText(evt.Payload)
		if _, _, err := m.client.PatchPost(ctx, postID, &model.PostPatch{Message: &text}); err != nil {
			log.Error().Err(err).Str("post_id", postID).Msg("Failed to edit post")
		}
	case hub.KindDelete:
		if _, err := m.client.DeletePost(ctx, postID); err != nil {
			log.Error().Err(err).Str("post_id", postID).Msg("Failed to delete post")
		}
	}
}
