package main

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/coursehub/backend/internal/auth"
)

type tokenOutput struct {
	Token     string    `json:"token"`
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func newTokenCommand(ctx *commandContext) *cobra.Command {
	var email string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a bearer token for local development",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if cfg.IsProduction() {
				return errors.New("refusing to mint tokens in production")
			}
			if ttl <= 0 {
				ttl = cfg.Auth.TokenTTL.Duration
			}

			token, expiresAt, err := auth.NewService(cfg.Auth.JWTSecret, ttl).IssueAccessToken(args[0], email)
			if err != nil {
				return err
			}
			out := tokenOutput{Token: token, UserID: args[0], ExpiresAt: expiresAt}
			return emit(cmd, ctx, out,
				[]string{"User", "Expires", "Token"},
				[][]string{{out.UserID, out.ExpiresAt.Format(time.RFC3339), out.Token}},
				nil)
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Email claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (defaults to the configured TTL)")
	return cmd
}
