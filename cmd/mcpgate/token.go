package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vikashloomba/mcpgate/pkg/auth"
	"github.com/vikashloomba/mcpgate/pkg/ledger"
)

var errNoJWTKeys = errors.New("token issue requires auth.jwt_private_key and auth.jwt_public_key")

func newTokenCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue JWT bearer tokens",
	}
	cmd.AddCommand(newTokenIssueCmd(a))
	return cmd
}

func newTokenIssueCmd(a *app) *cobra.Command {
	var (
		accountID string
		ttl       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Sign a JWT for an account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.Auth.JWTPrivateKey == "" {
				return errNoJWTKeys
			}
			mgr, err := auth.NewJWTManager(a.cfg.Auth.JWTPrivateKey, a.cfg.Auth.JWTPublicKey, a.cfg.Auth.JWTTTL.Std())
			if err != nil {
				return err
			}
			return a.withStore(cmd.Context(), func(store ledger.Store) error {
				acct, err := store.GetAccount(cmd.Context(), accountID)
				if err != nil {
					return err
				}
				token, exp, err := mgr.IssueToken(acct.ID, acct.Name, ttl)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), token)
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.Format(time.RFC3339))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "account id")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime; zero uses auth.jwt_ttl")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}
