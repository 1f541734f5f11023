// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/absmach/fluxipc/auth"
	"github.com/absmach/fluxipc/config"
	"github.com/spf13/cobra"
)

var credentialsFile string

// openStore loads the credentials file named by --file or the configuration.
// A missing file yields an empty store.
func openStore() (*auth.Authenticator, string, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, "", err
	}
	path := credentialsFile
	if path == "" {
		path = cfg.Auth.CredentialsFile
	}
	if path == "" {
		return nil, "", errors.New("no credentials file: set --file or auth.credentials_file")
	}

	a := auth.New(true, auth.WithIterations(cfg.Auth.Iterations), auth.WithLogger(slog.Default()))
	if err := a.LoadFile(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, "", err
	}
	return a, path, nil
}

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage principals in the credentials file",
	}
	cmd.PersistentFlags().StringVarP(&credentialsFile, "file", "f", "", "Credentials file (defaults to auth.credentials_file)")

	var password string
	var admin bool
	add := &cobra.Command{
		Use:   "add <principal>",
		Short: "Add or update a principal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				return errors.New("--password is required")
			}
			a, path, err := openStore()
			if err != nil {
				return err
			}
			if err := a.AddCredentials(args[0], password, admin); err != nil {
				return err
			}
			if err := a.SaveFile(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "principal %q saved to %s\n", args[0], path)
			return nil
		},
	}
	add.Flags().StringVarP(&password, "password", "p", "", "Password of the principal")
	add.Flags().BoolVar(&admin, "admin", false, "Grant queue and topic management")

	remove := &cobra.Command{
		Use:   "remove <principal>",
		Short: "Remove a principal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, path, err := openStore()
			if err != nil {
				return err
			}
			if !a.Exists(args[0]) {
				return fmt.Errorf("unknown principal %q", args[0])
			}
			a.RemoveCredentials(args[0])
			return a.SaveFile(path)
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List principals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, _, err := openStore()
			if err != nil {
				return err
			}
			for _, p := range a.Principals() {
				role := "user"
				if a.IsAdmin(p) {
					role = "admin"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", p, role)
			}
			return nil
		},
	}

	cmd.AddCommand(add, remove, list)
	return cmd
}

func newACLCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "acl",
		Short: "Manage queue and topic access in the credentials file",
	}
	cmd.PersistentFlags().StringVarP(&credentialsFile, "file", "f", "", "Credentials file (defaults to auth.credentials_file)")

	set := &cobra.Command{
		Use:   "set <queue|topic> <subject> <principal> <READ|WRITE|READ_WRITE|DENY>",
		Short: "Grant a principal access to a subject; '*' matches every principal",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			access, err := auth.ParseAccess(args[3])
			if err != nil {
				return err
			}
			a, path, err := openStore()
			if err != nil {
				return err
			}
			switch args[0] {
			case "queue":
				err = a.SetQueueAccess(args[1], args[2], access)
			case "topic":
				err = a.SetTopicAccess(args[1], args[2], access)
			default:
				err = fmt.Errorf("unknown subject kind %q", args[0])
			}
			if err != nil {
				return err
			}
			return a.SaveFile(path)
		},
	}

	remove := &cobra.Command{
		Use:   "remove <queue|topic> <subject> <principal>",
		Short: "Remove a principal's entry for a subject",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, path, err := openStore()
			if err != nil {
				return err
			}
			switch args[0] {
			case "queue":
				a.RemoveQueueAccess(args[1], args[2])
			case "topic":
				a.RemoveTopicAccess(args[1], args[2])
			default:
				return fmt.Errorf("unknown subject kind %q", args[0])
			}
			return a.SaveFile(path)
		},
	}

	cmd.AddCommand(set, remove)
	return cmd
}
