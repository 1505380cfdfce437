// Copyright 2024-2026 Aiku AI

// Package bridge contains the platform adapters that move messages between
// the hub and the IM and guild-chat networks.
package bridge

import (
	"errors"
	"fmt"
	"sort"
)

// Link pairs an IM group, reached through one account, with a guild channel.
// The link name is used as the hub conversation key.
type Link struct {
	Name    string `yaml:"name"`
	Account int64  `yaml:"account"`
	Group   int64  `yaml:"group"`
	Channel string `yaml:"channel"`
}

type groupKey struct {
	account int64
	group   int64
}

// Links indexes the configured links for lookups from either side.
type Links struct {
	byName    map[string]Link
	byGroup   map[groupKey]Link
	byChannel map[string]Link
}

// NewLinks validates links and builds the indexes. Names, IM groups and
// guild channels must each be unique.
func NewLinks(links []Link) (*Links, error) {
	l := &Links{
		byName:    make(map[string]Link, len(links)),
		byGroup:   make(map[groupKey]Link, len(links)),
		byChannel: make(map[string]Link, len(links)),
	}
	var errs []error
	for i, link := range links {
		if link.Name == "" || link.Account == 0 || link.Group == 0 || link.Channel == "" {
			errs = append(errs, fmt.Errorf("link %d: name, account, group and channel are required", i))
			continue
		}
		if _, ok := l.byName[link.Name]; ok {
			errs = append(errs, fmt.Errorf("link %q: duplicate name", link.Name))
			continue
		}
		key := groupKey{link.Account, link.Group}
		if other, ok := l.byGroup[key]; ok {
			errs = append(errs, fmt.Errorf("link %q: group %d of account %d already linked by %q", link.Name, link.Group, link.Account, other.Name))
			continue
		}
		if other, ok := l.byChannel[link.Channel]; ok {
			errs = append(errs, fmt.Errorf("link %q: channel %s already linked by %q", link.Name, link.Channel, other.Name))
			continue
		}
		l.byName[link.Name] = link
		l.byGroup[key] = link
		l.byChannel[link.Channel] = link
	}
	return l, errors.Join(errs...)
}

func (l *Links) ByName(name string) (Link, bool) {
	link, ok := l.byName[name]
	return link, ok
}

func (l *Links) ByGroup(account, group int64) (Link, bool) {
	link, ok := l.byGroup[groupKey{account, group}]
	return link, ok
}

func (l *Links) ByChannel(channel string) (Link, bool) {
	link, ok := l.byChannel[channel]
	return link, ok
}

// Accounts returns the distinct IM accounts used by links, in order.
func (l *Links) Accounts() []int64 {
	seen := make(map[int64]bool)
	var ids []int64
	for _, link := range l.byName {
		if !seen[link.Account] {
			seen[link.Account] = true
			ids = append(ids, link.Account)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (l *Links) Len() int {
	return len(l.byName)
}
