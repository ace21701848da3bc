package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vikashloomba/mcpgate/pkg/auth"
	"github.com/vikashloomba/mcpgate/pkg/ledger"
)

func newAccountsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage billed accounts",
	}
	cmd.AddCommand(
		newAccountsCreateCmd(a),
		newAccountsListCmd(a),
	)
	return cmd
}

func newAccountsCreateCmd(a *app) *cobra.Command {
	var (
		name    string
		credits float64
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an account with a starting balance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if credits < 0 {
				return fmt.Errorf("--credits must not be negative")
			}
			return a.withStore(cmd.Context(), func(store ledger.Store) error {
				acct, err := store.CreateAccount(cmd.Context(), name, ledger.FromCredits(credits))
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", acct.ID, acct.Name, ledger.FromCredits(credits))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "account display name")
	cmd.Flags().Float64Var(&credits, "credits", 0, "starting balance in credits")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newAccountsListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List accounts with balances and call counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStore(cmd.Context(), func(store ledger.Store) error {
				accounts, err := store.ListAccounts(cmd.Context())
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(tw, "ID\tNAME\tBALANCE\tSPENT\tCALLS")
				for _, acct := range accounts {
					_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", acct.ID, acct.Name, acct.Balance, acct.TotalSpent, acct.TotalCalls)
				}
				return tw.Flush()
			})
		},
	}
}

func newKeysCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys",
	}
	cmd.AddCommand(newKeysCreateCmd(a))
	return cmd
}

func newKeysCreateCmd(a *app) *cobra.Command {
	var accountID, label string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key for an account and print it once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStore(cmd.Context(), func(store ledger.Store) error {
				if _, err := store.GetAccount(cmd.Context(), accountID); err != nil {
					return err
				}
				key, meta, err := auth.IssueAPIKey(cmd.Context(), store, accountID, label)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), key)
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "key %s issued for %s; store it now, it cannot be shown again\n", meta.ID, accountID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "account id")
	cmd.Flags().StringVar(&label, "label", "", "free-form label for the key")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func newCreditsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Adjust account balances",
	}
	cmd.AddCommand(newCreditsAddCmd(a))
	return cmd
}

func newCreditsAddCmd(a *app) *cobra.Command {
	var (
		accountID string
		amount    float64
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Credit an account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			amt := ledger.FromCredits(amount)
			if amt <= 0 {
				return fmt.Errorf("--amount must be positive")
			}
			return a.withStore(cmd.Context(), func(store ledger.Store) error {
				bal, err := store.Credit(cmd.Context(), accountID, amt)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\tbalance %s\n", accountID, bal.Balance)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "account id")
	cmd.Flags().Float64Var(&amount, "amount", 0, "credits to add")
	_ = cmd.MarkFlagRequired("account")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}
