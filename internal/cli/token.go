// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/ioko18/magflow-erp-sub003/config"
	"github.com/ioko18/magflow-erp-sub003/httpapi"
)

// TokenOptions holds flags for the token command.
type TokenOptions struct {
	*RootOptions
	Operator string
	Role     string
	TTL      time.Duration
}

// NewTokenCommand creates the token command.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TokenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:          "token",
		Short:        "Mint an operator JWT for the sync API",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			if cfg.Server.JWTSecret == "" {
				return fmt.Errorf("server.jwt_secret is required (or set MAGFLOW_JWT_SECRET)")
			}

			jwtAuth := httpapi.NewJWTAuth(cfg.Server.JWTSecret, slog.New(slog.NewTextHandler(io.Discard, nil)))
			token, err := jwtAuth.GenerateToken(opts.Operator, opts.Role, opts.TTL)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Operator, "operator", "", "operator identifier (goes in the 'sub' claim)")
	cmd.Flags().StringVar(&opts.Role, "role", "operator", "role claim")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("operator")

	return cmd
}
