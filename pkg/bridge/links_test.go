// Copyright 2024-2026 Aiku AI

package bridge

import (
	"strings"
	"testing"

	"github.com/aiku/qqbridge/pkg/hub"
)

func TestNewLinks(t *testing.T) {
	t.Parallel()
	links, err := NewLinks([]Link{
		{Name: "lobby", Account: 2, Group: 100, Channel: "ch-lobby"},
		{Name: "dev", Account: 1, Group: 200, Channel: "ch-dev"},
		{Name: "ops", Account: 2, Group: 300, Channel: "ch-ops"},
	})
	if err != nil {
		t.Fatalf("NewLinks: %v", err)
	}
	if links.Len() != 3 {
		t.Errorf("Len: got %d, want 3", links.Len())
	}
	if link, ok := links.ByGroup(2, 300); !ok || link.Name != "ops" {
		t.Errorf("ByGroup(2, 300): got %+v, %v", link, ok)
	}
	if _, ok := links.ByGroup(1, 300); ok {
		t.Error("ByGroup must match the account too")
	}
	if link, ok := links.ByChannel("ch-dev"); !ok || link.Group != 200 {
		t.Errorf("ByChannel: got %+v, %v", link, ok)
	}
	if accounts := links.Accounts(); len(accounts) != 2 || accounts[0] != 1 || accounts[1] != 2 {
		t.Errorf("Accounts: got %v, want [1 2]", accounts)
	}
}

func TestNewLinksRejectsInvalid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		links []Link
		want  string
	}{
		{"missing channel", []Link{{Name: "a", Account: 1, Group: 1}}, "required"},
		{"duplicate name", []Link{
			{Name: "a", Account: 1, Group: 1, Channel: "x"},
			{Name: "a", Account: 1, Group: 2, Channel: "y"},
		}, "duplicate name"},
		{"duplicate group", []Link{
			{Name: "a", Account: 1, Group: 1, Channel: "x"},
			{Name: "b", Account: 1, Group: 1, Channel: "y"},
		}, "already linked"},
		{"duplicate channel", []Link{
			{Name: "a", Account: 1, Group: 1, Channel: "x"},
			{Name: "b", Account: 2, Group: 1, Channel: "x"},
		}, "already linked"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewLinks(tt.links)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("got %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestQQMessageID(t *testing.T) {
	t.Parallel()
	id := qqMessageID(555, "77")
	if id != "555:77" {
		t.Fatalf("qqMessageID: got %q", id)
	}
	group, msg, err := parseQQMessageID(id)
	if err != nil || group != 555 || msg != "77" {
		t.Errorf("parseQQMessageID: got %d, %q, %v", group, msg, err)
	}
	for _, bad := range []string{"", "77", "x:1", "5:"} {
		if _, _, err := parseQQMessageID(bad); err == nil {
			t.Errorf("parseQQMessageID(%q) should fail", bad)
		}
	}
}

func TestRelayText(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   hub.Content
		want string
	}{
		{"named", hub.Content{Text: "hi", SenderName: "alice", SenderID: "1"}, "[alice] hi"},
		{"id fallback", hub.Content{Text: "hi", SenderID: "1"}, "[1] hi"},
		{"anonymous", hub.Content{Text: "hi"}, "hi"},
	}
	for _, tt := range tests {
		if got := relayText(tt.in); got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, got, tt.want)
		}
	}
}
