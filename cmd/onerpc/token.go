package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mnehpets/onerpc/auth"
	"github.com/mnehpets/onerpc/internal/config"
)

func newTokenCmd() *cobra.Command {
	var (
		email string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token SUBJECT",
		Short: "Issue a bearer token signed with ONERPC_JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(envFiles(cmd)...)
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return errors.New("ONERPC_JWT_SECRET is not set")
			}
			v, err := auth.NewHMACVerifier([]byte(cfg.JWTSecret), cfg.JWTIssuer)
			if err != nil {
				return err
			}
			tok, err := v.Issue(args[0], email, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "email claim")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
