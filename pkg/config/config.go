// Copyright 2024-2026 Aiku AI

// Package config loads the bridge configuration.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/aiku/qqbridge/pkg/bridge"
	"github.com/aiku/qqbridge/pkg/correlate"
	"github.com/aiku/qqbridge/pkg/hub"
	"github.com/aiku/qqbridge/pkg/session"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config is the whole bridge configuration.
type Config struct {
	CredentialsDir string        `yaml:"credentials_dir"`
	AuthTimeout    time.Duration `yaml:"auth_timeout"`

	Hub         HubConfig         `yaml:"hub"`
	Correlation CorrelationConfig `yaml:"correlation"`
	IM          IMConfig          `yaml:"im"`
	Mattermost  MattermostConfig  `yaml:"mattermost"`
	Command     CommandConfig     `yaml:"command"`
	Links       []bridge.Link     `yaml:"links"`

	Logging zeroconfig.Config `yaml:"logging"`

	links *bridge.Links `yaml:"-"`
}

type HubConfig struct {
	InboundBuffer int `yaml:"inbound_buffer"`
}

type CorrelationConfig struct {
	MaxRecords    int           `yaml:"max_records"`
	MaxAge        time.Duration `yaml:"max_age"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// HistoryPath enables the SQLite correlation archive when set.
	HistoryPath string `yaml:"history_path"`
}

type IMConfig struct {
	Endpoint  string `yaml:"endpoint"`
	VerifyKey string `yaml:"verify_key"`
}

type MattermostConfig struct {
	ServerURL string `yaml:"server_url"`
	Token     string `yaml:"token"`
	// BotPrefix is a username prefix for echo prevention. Any Mattermost
	// username starting with this prefix is treated as a bridge-managed bot
	// and its posts are not relayed to the IM side. Leave empty to disable
	// prefix-based filtering.
	BotPrefix string `yaml:"bot_prefix"`
}

type CommandConfig struct {
	Admins       []string     `yaml:"admins"`
	AdminAPIAddr string       `yaml:"admin_api_addr"`
	Matrix       MatrixConfig `yaml:"matrix"`
}

type MatrixConfig struct {
	Homeserver  string `yaml:"homeserver"`
	UserID      string `yaml:"user_id"`
	AccessToken string `yaml:"access_token"`
	RoomID      string `yaml:"room_id"`
}

// Enabled reports whether a management room is configured.
func (m MatrixConfig) Enabled() bool {
	return m.RoomID != ""
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess fills defaults and validates the configuration.
func (c *Config) PostProcess() error {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = session.DefaultAuthTimeout
	}
	if c.Hub.InboundBuffer <= 0 {
		c.Hub.InboundBuffer = hub.DefaultInboundBuffer
	}
	if c.Correlation.MaxRecords <= 0 {
		c.Correlation.MaxRecords = correlate.DefaultMaxRecords
	}
	if c.Correlation.MaxAge <= 0 {
		c.Correlation.MaxAge = correlate.DefaultMaxAge
	}
	if c.Correlation.SweepInterval <= 0 {
		c.Correlation.SweepInterval = correlate.DefaultSweepInterval
	}

	var errs []error
	if c.CredentialsDir == "" {
		errs = append(errs, errors.New("credentials_dir is required"))
	}
	if c.IM.Endpoint == "" {
		errs = append(errs, errors.New("im.endpoint is required"))
	}
	if c.Mattermost.ServerURL == "" || c.Mattermost.Token == "" {
		errs = append(errs, errors.New("mattermost.server_url and mattermost.token are required"))
	}
	if m := c.Command.Matrix; m.Enabled() && (m.Homeserver == "" || m.UserID == "" || m.AccessToken == "") {
		errs = append(errs, errors.New("command.matrix needs homeserver, user_id and access_token when room_id is set"))
	}
	links, err := bridge.NewLinks(c.Links)
	if err != nil {
		errs = append(errs, fmt.Errorf("links: %w", err))
	} else if links.Len() == 0 {
		errs = append(errs, errors.New("at least one link is required"))
	}
	c.links = links
	return errors.Join(errs...)
}

// BridgeLinks returns the links indexed by PostProcess.
func (c *Config) BridgeLinks() *bridge.Links {
	return c.links
}

// Logger builds the root logger from the logging block.
func (c *Config) Logger() (*zerolog.Logger, error) {
	return c.Logging.Compile()
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "credentials_dir")
	helper.Copy(up.Str, "auth_timeout")
	helper.Copy(up.Int, "hub", "inbound_buffer")
	helper.Copy(up.Int, "correlation", "max_records")
	helper.Copy(up.Str, "correlation", "max_age")
	helper.Copy(up.Str, "correlation", "sweep_interval")
	helper.Copy(up.Str, "correlation", "history_path")
	helper.Copy(up.Str, "im", "endpoint")
	helper.Copy(up.Str, "im", "verify_key")
	helper.Copy(up.Str, "mattermost", "server_url")
	helper.Copy(up.Str, "mattermost", "token")
	helper.Copy(up.Str, "mattermost", "bot_prefix")
	helper.Copy(up.List, "command", "admins")
	helper.Copy(up.Str, "command", "admin_api_addr")
	helper.Copy(up.Str, "command", "matrix", "homeserver")
	helper.Copy(up.Str, "command", "matrix", "user_id")
	helper.Copy(up.Str, "command", "matrix", "access_token")
	helper.Copy(up.Str, "command", "matrix", "room_id")
	helper.Copy(up.List, "links")
	helper.Copy(up.Map, "logging")
}

// Upgrader merges a user config onto the embedded example.
func Upgrader() *up.StructUpgrader {
	return &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Blocks: [][]string{
			{"hub"},
			{"correlation"},
			{"im"},
			{"mattermost"},
			{"command"},
			{"links"},
			{"logging"},
		},
		Base: ExampleConfig,
	}
}

// Load reads path, upgrades it against the example config and post-processes
// the result. With save set, the upgraded file is written back.
func Load(path string, save bool) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file: %w", err)
	}
	data, _, err := up.Do(path, save, Upgrader())
	if err != nil {
		return nil, fmt.Errorf("upgrade config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
