// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/qqbridge/pkg/hub"
	"github.com/aiku/qqbridge/pkg/im"
	"github.com/aiku/qqbridge/pkg/im/imtest"
)

func newQQFixture(t *testing.T) (*QQAdapter, *hub.Hub, *imtest.Client) {
	t.Helper()
	client := imtest.NewClient(1001)
	h := newTestHub(map[int64]im.Client{1001: client})
	return NewQQAdapter(h, testLinks(t), zerolog.Nop()), h, client
}

func TestQQHandleIMEventPublishesMessage(t *testing.T) {
	t.Parallel()
	a, h, _ := newQQFixture(t)
	sink := attachSink(t, h, "sink")

	a.handleIMEvent(im.Event{
		Kind:       im.EventGroupMessage,
		Account:    1001,
		Group:      555,
		MessageID:  "42",
		SenderID:   2002,
		SenderName: "alice",
		Text:       "hello",
		Time:       time.Unix(1700000000, 0),
	})

	evt := nextEvent(t, sink)
	if evt.Origin != NameQQ || evt.Kind != hub.KindMessage {
		t.Errorf("got origin %q kind %v", evt.Origin, evt.Kind)
	}
	if evt.MessageID != "555:42" {
		t.Errorf("MessageID: got %q, want %q", evt.MessageID, "555:42")
	}
	if evt.ConversationKey != "lobby" {
		t.Errorf("ConversationKey: got %q, want %q", evt.ConversationKey, "lobby")
	}
	if evt.Payload.Text != "hello" || evt.Payload.SenderName != "alice" || evt.Payload.SenderID != "2002" {
		t.Errorf("Payload: got %+v", evt.Payload)
	}
	if evt.CorrelationID == "" {
		t.Error("expected a correlation id")
	}
}

func TestQQHandleIMEventSkipsOwnAndUnlinked(t *testing.T) {
	t.Parallel()
	a, h, _ := newQQFixture(t)
	sink := attachSink(t, h, "sink")

	a.handleIMEvent(im.Event{Kind: im.EventGroupMessage, Account: 1001, Group: 555, MessageID: "1", SenderID: 1001, Text: "echo"})
	a.handleIMEvent(im.Event{Kind: im.EventGroupMessage, Account: 1001, Group: 999, MessageID: "2", SenderID: 7, Text: "elsewhere"})
	expectNoEvent(t, sink)
}

func TestQQRecallBecomesDelete(t *testing.T) {
	t.Parallel()
	a, h, _ := newQQFixture(t)
	sink := attachSink(t, h, "sink")

	a.handleIMEvent(im.Event{Kind: im.EventGroupMessage, Account: 1001, Group: 555, MessageID: "9", SenderID: 7, Text: "oops"})
	msg := nextEvent(t, sink)

	a.handleIMEvent(im.Event{Kind: im.EventGroupRecall, Account: 1001, Group: 555, MessageID: "9", SenderID: 7})
	del := nextEvent(t, sink)
	if del.Kind != hub.KindDelete {
		t.Fatalf("Kind: got %v, want delete", del.Kind)
	}
	if del.CorrelationID != msg.CorrelationID {
		t.Errorf("CorrelationID: got %q, want %q", del.CorrelationID, msg.CorrelationID)
	}
}

func TestQQRecallWithoutCorrelationDropped(t *testing.T) {
	t.Parallel()
	a, h, _ := newQQFixture(t)
	sink := attachSink(t, h, "sink")

	a.handleIMEvent(im.Event{Kind: im.EventGroupRecall, Account: 1001, Group: 555, MessageID: "404", SenderID: 7})
	expectNoEvent(t, sink)
}

// publishFromGuild publishes a guild message and returns it as the IM
// adapter's inbound queue would see it.
func publishFromGuild(t *testing.T, h *hub.Hub, postID, text string) hub.Event {
	t.Helper()
	inbox := attachSink(t, h, NameQQ)
	defer h.Detach(NameQQ)
	h.Publish(hub.Event{
		Origin:          NameMattermost,
		MessageID:       postID,
		ConversationKey: "lobby",
		Kind:            hub.KindMessage,
		Payload:         hub.Content{Text: text, SenderName: "bob"},
	})
	return nextEvent(t, inbox)
}

func TestQQHandleHubEventSendsAndReports(t *testing.T) {
	t.Parallel()
	a, h, client := newQQFixture(t)
	evt := publishFromGuild(t, h, "post-1", "hi there")

	a.handleHubEvent(context.Background(), evt)

	sent := client.Sent()
	if len(sent) != 1 {
		t.Fatalf("Sent: got %d messages, want 1", len(sent))
	}
	if sent[0].Group != 555 || sent[0].Text != "[bob] hi there" {
		t.Errorf("Sent: got %+v", sent[0])
	}
	got, ok := h.Resolve(NameMattermost, "post-1", NameQQ)
	if !ok || got != "555:"+sent[0].ID {
		t.Errorf("Resolve: got %q, %v, want %q", got, ok, "555:"+sent[0].ID)
	}
}

func TestQQHandleHubEventRecallsOnDelete(t *testing.T) {
	t.Parallel()
	a, h, client := newQQFixture(t)
	evt := publishFromGuild(t, h, "post-2", "soon gone")
	a.handleHubEvent(context.Background(), evt)

	a.handleHubEvent(context.Background(), hub.Event{
		Origin:          NameMattermost,
		MessageID:       "post-2",
		ConversationKey: "lobby",
		Kind:            hub.KindDelete,
		TargetID:        "post-2",
		CorrelationID:   evt.CorrelationID,
	})

	recalls := client.Recalls()
	if len(recalls) != 1 {
		t.Fatalf("Recalls: got %d, want 1", len(recalls))
	}
	if recalls[0].Group != 555 || recalls[0].MessageID != client.Sent()[0].ID {
		t.Errorf("Recall: got %+v", recalls[0])
	}
}

func TestQQHandleHubEventDropsEditAndUnknown(t *testing.T) {
	t.Parallel()
	a, h, client := newQQFixture(t)
	evt := publishFromGuild(t, h, "post-3", "first")
	a.handleHubEvent(context.Background(), evt)

	edit := evt
	edit.Kind = hub.KindEdit
	edit.Payload.Text = "second"
	a.handleHubEvent(context.Background(), edit)

	a.handleHubEvent(context.Background(), hub.Event{
		Origin:          NameMattermost,
		ConversationKey: "lobby",
		Kind:            hub.KindDelete,
		CorrelationID:   "never-delivered",
	})
	a.handleHubEvent(context.Background(), hub.Event{
		Origin:          NameMattermost,
		ConversationKey: "unknown",
		Kind:            hub.KindMessage,
		Payload:         hub.Content{Text: "lost"},
	})

	if sent := client.Sent(); len(sent) != 1 {
		t.Errorf("Sent: got %d messages, want 1", len(sent))
	}
	if recalls := client.Recalls(); len(recalls) != 0 {
		t.Errorf("Recalls: got %d, want 0", len(recalls))
	}
}

func TestQQHandleHubEventSendFailure(t *testing.T) {
	t.Parallel()
	a, h, client := newQQFixture(t)
	client.SendErr = errors.New("offline")
	evt := publishFromGuild(t, h, "post-4", "nobody hears")

	a.handleHubEvent(context.Background(), evt)

	if _, ok := h.Resolve(NameMattermost, "post-4", NameQQ); ok {
		t.Error("failed send must not be correlated")
	}
}

func TestQQRunWithoutClients(t *testing.T) {
	t.Parallel()
	h := newTestHub(nil)
	a := NewQQAdapter(h, testLinks(t), zerolog.Nop())

	err := a.Run(context.Background())
	if err == nil {
		t.Fatal("expected an error when no linked account is logged in")
	}
	// The registration must be released on the error path.
	if _, err := h.Attach(NameQQ); err != nil {
		t.Errorf("Attach after failed Run: %v", err)
	}
}

func TestQQRunRelaysBothWays(t *testing.T) {
	t.Parallel()
	a, h, client := newQQFixture(t)
	sink := attachSink(t, h, NameMattermost)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	waitFor(t, "adapter attach", func() bool {
		for _, name := range h.Adapters() {
			if name == NameQQ {
				return true
			}
		}
		return false
	})

	client.Push(im.Event{Kind: im.EventGroupMessage, Account: 1001, Group: 555, MessageID: "5", SenderID: 9, SenderName: "carol", Text: "from qq"})
	evt := nextEvent(t, sink)
	if evt.Payload.Text != "from qq" {
		t.Errorf("relayed text: got %q", evt.Payload.Text)
	}

	h.Publish(hub.Event{
		Origin:          NameMattermost,
		MessageID:       "post-9",
		ConversationKey: "lobby",
		Kind:            hub.KindMessage,
		Payload:         hub.Content{Text: "from guild", SenderName: "dave"},
	})
	waitFor(t, "group message", func() bool { return len(client.Sent()) == 1 })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
