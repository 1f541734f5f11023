// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"time"

	"github.com/absmach/fluxipc/client"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var (
		uri       string
		principal string
		password  string
		encrypt   bool
		pool      bool
		timeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the status of a running server as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := client.NewOptions().
				SetURI(uri).
				SetCredentials(principal, password).
				SetEncryption(encrypt).
				SetConnectTimeout(timeout).
				SetRequestTimeout(timeout).
				SetBreaker(1, timeout)
			c, err := client.New(opts)
			if err != nil {
				return err
			}
			defer c.Close()
			if err := c.Open(cmd.Context()); err != nil {
				return err
			}

			var status map[string]any
			if pool {
				status, err = c.ThreadPoolStatistics(cmd.Context())
			} else {
				status, err = c.ServerStatus(cmd.Context())
			}
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(status)
		},
	}
	cmd.Flags().StringVarP(&uri, "uri", "u", client.DefaultURI, "Server URI")
	cmd.Flags().StringVar(&principal, "principal", "", "Principal")
	cmd.Flags().StringVar(&password, "password", "", "Password")
	cmd.Flags().BoolVar(&encrypt, "encrypt", false, "Request an encrypted session")
	cmd.Flags().BoolVar(&pool, "pool", false, "Print connection pool statistics instead")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Connect and request timeout")
	return cmd
}
