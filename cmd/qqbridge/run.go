// Copyright 2024-2026 Aiku AI

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/qqbridge/pkg/bridge"
	"github.com/aiku/qqbridge/pkg/command"
	"github.com/aiku/qqbridge/pkg/config"
	"github.com/aiku/qqbridge/pkg/correlate"
	"github.com/aiku/qqbridge/pkg/credential"
	"github.com/aiku/qqbridge/pkg/history"
	"github.com/aiku/qqbridge/pkg/hub"
	"github.com/aiku/qqbridge/pkg/im/sidecar"
	"github.com/aiku/qqbridge/pkg/session"
	"github.com/aiku/qqbridge/pkg/supervisor"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Log in the QQ accounts and run the bridge (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath, !opts.noUpdate)
			if err != nil {
				return err
			}
			logp, err := cfg.Logger()
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runBridge(ctx, cfg, *logp)
		},
	}
}

func runBridge(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	log.Info().Str("version", Tag).Str("commit", Commit).Msg("Starting qqbridge")

	accounts, err := loadAccounts(cfg.CredentialsDir, log)
	if err != nil {
		return fmt.Errorf("reconcile accounts: %w", err)
	}

	dialer := sidecar.NewDialer(sidecar.Config{Endpoint: cfg.IM.Endpoint, VerifyKey: cfg.IM.VerifyKey}, log)
	sessions := session.NewManager(cfg.CredentialsDir, dialer, log, session.Options{AuthTimeout: cfg.AuthTimeout})
	registry := hub.NewRegistry(sessions.LoginAll(ctx, accounts))
	defer func() {
		if err := registry.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close IM clients")
		}
	}()
	log.Info().Int("active", registry.Len()).Int("configured", len(accounts)).Msg("Account logins finished")

	corrOpts := correlate.Options{
		MaxRecords: cfg.Correlation.MaxRecords,
		MaxAge:     cfg.Correlation.MaxAge,
	}
	if path := cfg.Correlation.HistoryPath; path != "" {
		store, err := history.Open(ctx, path)
		if err != nil {
			return fmt.Errorf("open correlation history: %w", err)
		}
		defer store.Close()
		corrOpts.Archive = store
	}
	corr := correlate.New(log, corrOpts)
	defer corr.Close()
	if corrOpts.Archive != nil {
		restored, err := corr.Restore(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to restore correlations")
		} else {
			log.Info().Int("restored", restored).Msg("Restored correlations")
		}
	}

	h := hub.New(log, registry, corr, hub.Options{
		InboundBuffer: cfg.Hub.InboundBuffer,
		Sessions:      sessions,
	})
	links := cfg.BridgeLinks()

	frontends, err := commandFrontends(cfg.Command, log)
	if err != nil {
		return err
	}

	qq := bridge.NewQQAdapter(h, links, log)
	mm := bridge.NewMattermostAdapter(bridge.MattermostConfig{
		ServerURL: cfg.Mattermost.ServerURL,
		Token:     cfg.Mattermost.Token,
		BotPrefix: cfg.Mattermost.BotPrefix,
	}, h, links, log)
	cmdAdapter := command.NewAdapter(h, log, frontends...)

	err = supervisor.Run(ctx, log,
		supervisor.Task{Name: bridge.NameQQ, Run: qq.Run},
		supervisor.Task{Name: bridge.NameMattermost, Run: mm.Run},
		supervisor.Task{Name: command.Name, Run: cmdAdapter.Run},
		supervisor.Task{Name: "janitor", Run: func(ctx context.Context) error {
			return corr.RunJanitor(ctx, cfg.Correlation.SweepInterval)
		}},
	)
	if errors.Is(err, supervisor.ErrStopped) {
		log.Info().Msg("Shutting down")
		return nil
	}
	return err
}

// loadAccounts reconciles clients.json. An unreadable or malformed file is
// left untouched and every account directory is bridged with defaults.
func loadAccounts(root string, log zerolog.Logger) ([]credential.AccountConfig, error) {
	accounts, synthesized, err := credential.Reconcile(root)
	if err == nil {
		log.Info().Int("accounts", len(accounts)).Int("synthesized", synthesized).Msg("Loaded account list")
		return accounts, nil
	}
	var cfgErr *credential.ConfigError
	if !errors.As(err, &cfgErr) || cfgErr.Kind != credential.KindClient ||
		(cfgErr.Op != credential.OpRead && cfgErr.Op != credential.OpDeserialization) {
		return nil, err
	}
	log.Warn().Err(err).Msg("Unusable clients.json, falling back to account directory defaults")
	accounts, dirErr := credential.DirectoryDefaults(root)
	if dirErr != nil {
		return nil, errors.Join(err, dirErr)
	}
	log.Info().Int("accounts", len(accounts)).Msg("Loaded account list from directories")
	return accounts, nil
}

func commandFrontends(cfg config.CommandConfig, log zerolog.Logger) ([]command.Frontend, error) {
	var frontends []command.Frontend
	if cfg.Matrix.Enabled() {
		admins := make([]id.UserID, len(cfg.Admins))
		for i, admin := range cfg.Admins {
			admins[i] = id.UserID(admin)
		}
		fe, err := command.NewMatrixFrontend(command.MatrixConfig{
			Homeserver:  cfg.Matrix.Homeserver,
			UserID:      id.UserID(cfg.Matrix.UserID),
			AccessToken: cfg.Matrix.AccessToken,
			RoomID:      id.RoomID(cfg.Matrix.RoomID),
			Admins:      admins,
		}, log)
		if err != nil {
			return nil, err
		}
		frontends = append(frontends, fe)
	}
	if cfg.AdminAPIAddr != "" {
		frontends = append(frontends, command.NewAdminAPI(cfg.AdminAPIAddr, log))
	}
	return frontends, nil
}
