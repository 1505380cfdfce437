// Copyright 2024-2026 Aiku AI

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	noUpdate   bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "qqbridge",
		Short:         "A QQ-Mattermost group chat bridge",
		Long:          "qqbridge logs in the configured QQ accounts from cached session tokens and relays messages, edits and deletions between linked QQ groups and Mattermost channels.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "config.yaml", "path to the bridge config file")
	rootCmd.PersistentFlags().BoolVarP(&opts.noUpdate, "no-update", "n", false, "don't write the upgraded config back to disk")

	run := newRunCmd(opts)
	rootCmd.RunE = run.RunE
	rootCmd.AddCommand(
		run,
		newReconcileCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "qqbridge %s (commit %s, built %s)\n", Tag, Commit, BuildTime)
			return err
		},
	}
}
