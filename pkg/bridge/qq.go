// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/qqbridge/pkg/hub"
	"github.com/aiku/qqbridge/pkg/im"
)

// NameQQ is the hub name of the IM adapter.
const NameQQ = "qq"

const sendTimeout = 30 * time.Second

// QQAdapter relays between the linked IM groups and the hub.
type QQAdapter struct {
	hub   *hub.Hub
	links *Links
	log   zerolog.Logger
}

func NewQQAdapter(h *hub.Hub, links *Links, log zerolog.Logger) *QQAdapter {
	return &QQAdapter{
		hub:   h,
		links: links,
		log:   log.With().Str("component", "qq_adapter").Logger(),
	}
}

// qqMessageID builds the hub-wide id of an IM message. IM message ids are
// only unique within a group.
func qqMessageID(group int64, id string) string {
	return strconv.FormatInt(group, 10) + ":" + id
}

func parseQQMessageID(platformID string) (group int64, id string, err error) {
	groupPart, id, ok := strings.Cut(platformID, ":")
	if !ok || id == "" {
		return 0, "", fmt.Errorf("malformed message id %q", platformID)
	}
	group, err = strconv.ParseInt(groupPart, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed message id %q: %w", platformID, err)
	}
	return group, id, nil
}

// Run attaches to the hub and relays until ctx is done. It returns an error
// if none of the linked accounts is logged in or an event stream ends.
func (a *QQAdapter) Run(ctx context.Context) error {
	reg, err := a.hub.Attach(NameQQ)
	if err != nil {
		return err
	}
	defer a.hub.Detach(NameQQ)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	streamErr := make(chan error, 1)
	started := 0
	for _, account := range a.links.Accounts() {
		client, err := a.hub.LookupClient(account)
		if err != nil {
			a.log.Warn().Int64("account", account).Msg("Linked account is not logged in, its links are inactive")
			continue
		}
		events, err := client.Receive(ctx)
		if err != nil {
			a.log.Error().Err(err).Int64("account", account).Msg("Failed to open event stream")
			continue
		}
		started++
		go a.receiveLoop(ctx, account, events, streamErr)
	}
	if started == 0 {
		return errors.New("no linked IM account is available")
	}
	a.log.Info().Int("accounts", started).Msg("IM adapter started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-streamErr:
			return err
		case evt, ok := <-reg.Inbound():
			if !ok {
				return errors.New("detached from hub")
			}
			a.handleHubEvent(ctx, evt)
		}
	}
}

func (a *QQAdapter) receiveLoop(ctx context.Context, account int64, events <-chan im.Event, streamErr chan<- error) {
	for evt := range events {
		a.handleIMEvent(evt)
	}
	if ctx.Err() != nil {
		return
	}
	select {
	case streamErr <- fmt.Errorf("event stream of account %d ended", account):
	default:
	}
}

func (a *QQAdapter) handleIMEvent(evt im.Event) {
	link, ok := a.links.ByGroup(evt.Account, evt.Group)
	if !ok {
		return
	}
	// Echo prevention: skip what the bridge account itself sent.
	if evt.SenderID == evt.Account {
		return
	}

	id := qqMessageID(evt.Group, evt.MessageID)
	switch evt.Kind {
	case im.EventGroupMessage:
		a.hub.Publish(hub.Event{
			Origin:          NameQQ,
			MessageID:       id,
			ConversationKey: link.Name,
			Kind:            hub.KindMessage,
			Payload: hub.Content{
				Text:       evt.Text,
				SenderName: evt.SenderName,
				SenderID:   strconv.FormatInt(evt.SenderID, 10),
			},
			Timestamp: evt.Time,
		})
	case im.EventGroupRecall:
		a.hub.Publish(hub.Event{
			Origin:          NameQQ,
			MessageID:       id,
			ConversationKey: link.Name,
			Kind:            hub.KindDelete,
			TargetID:        id,
			Timestamp:       evt.Time,
		})
	}
}

func (a *QQAdapter) handleHubEvent(ctx context.Context, evt hub.Event) {
	log := a.log.With().
		Str("origin", evt.Origin).
		Str("conversation", evt.ConversationKey).
		Str("correlation_id", evt.CorrelationID).
		Logger()

	link, ok := a.links.ByName(evt.ConversationKey)
	if !ok {
		log.Debug().Msg("No link for conversation, dropping event")
		return
	}
	client, err := a.hub.LookupClient(link.Account)
	if err != nil {
		log.Warn().Err(err).Msg("Linked account unavailable, dropping event")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	switch evt.Kind {
	case hub.KindMessage:
		id, err := client.SendGroupMessage(ctx, link.Group, relayText(evt.Payload))
		if err != nil {
			log.Error().Err(err).Msg("Failed to send group message")
			return
		}
		if err := a.hub.ReportDelivery(evt.CorrelationID, NameQQ, qqMessageID(link.Group, id)); err != nil {
			log.Debug().Err(err).Msg("Delivery not correlated")
		}
	case hub.KindEdit:
		log.Debug().Msg("IM side cannot edit messages, dropping edit")
	case hub.KindDelete:
		platformID, ok := a.hub.PlatformID(evt.CorrelationID, NameQQ)
		if !ok {
			log.Debug().Msg("No IM message for correlation, dropping delete")
			return
		}
		group, id, err := parseQQMessageID(platformID)
		if err != nil {
			log.Warn().Err(err).Msg("Cannot recall message")
			return
		}
		if err := client.Recall(ctx, group, id); err != nil {
			log.Error().Err(err).Str("message_id", platformID).Msg("Failed to recall message")
		}
	}
}
