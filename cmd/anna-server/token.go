package main

import (
	"errors"
	"fmt"
	"time"

	"anna/internal/auth"
	"anna/internal/config"

	"github.com/spf13/cobra"
)

func newTokenCommand(opts *cliOptions) *cobra.Command {
	var (
		userID string
		email  string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed development token for jwt auth mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if cfg.Auth.Mode != config.AuthModeJWT {
				return fmt.Errorf("tokens can only be issued in %q auth mode", config.AuthModeJWT)
			}
			if userID == "" {
				return errors.New("--user is required")
			}
			issuer, err := auth.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Audience)
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(userID, email, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "Subject (user id) of the token")
	cmd.Flags().StringVar(&email, "email", "", "Optional email claim")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	return cmd
}
