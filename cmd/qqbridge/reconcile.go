// Copyright 2024-2026 Aiku AI

package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aiku/qqbridge/pkg/config"
	"github.com/aiku/qqbridge/pkg/credential"
)

func newReconcileCmd(opts *rootOptions) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Add default entries to clients.json for new account directories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dir == "" {
				cfg, err := config.Load(opts.configPath, false)
				if err != nil {
					return err
				}
				dir = cfg.CredentialsDir
			}
			accounts, synthesized, err := credential.Reconcile(dir)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ACCOUNT\tPROTOCOL\tAUTO LOGIN")
			for _, acc := range accounts {
				fmt.Fprintf(w, "%d\t%s\t%t\n", acc.ID, acc.Protocol, acc.AutoLogin)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%d accounts, %d added\n", len(accounts), synthesized)
			return err
		},
	}
	cmd.Flags().StringVar(&dir, "credentials-dir", "", "credential directory to reconcile instead of the one in the config")
	return cmd
}
