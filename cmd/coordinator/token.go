package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/policy-hub/coordinator/internal/auth"
)

var (
	tokenCmd = &cobra.Command{
		Use:   "token",
		Short: "Manage API tokens",
	}

	tokenCreateCmd = &cobra.Command{
		Use:   "create",
		Short: "Issue a token and print its secret",
		RunE:  runTokenCreate,
	}

	tokenRevokeCmd = &cobra.Command{
		Use:   "revoke <prefix>",
		Short: "Revoke a token by prefix",
		Args:  cobra.ExactArgs(1),
		RunE:  runTokenRevoke,
	}

	tokenListCmd = &cobra.Command{
		Use:   "list",
		Short: "List tokens",
		RunE:  runTokenList,
	}

	tokenCluster     string
	tokenOrg         string
	tokenScopes      []string
	tokenDescription string
	tokenTTL         time.Duration
)

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenCreateCmd, tokenRevokeCmd, tokenListCmd)

	tokenCreateCmd.Flags().StringVar(&tokenCluster, "cluster", "", "Cluster the token is bound to; empty issues an organization token")
	tokenCreateCmd.Flags().StringVar(&tokenOrg, "org", "", "Organization of the token")
	tokenCreateCmd.Flags().StringSliceVar(&tokenScopes, "scope", auth.KnownScopes, "Scopes granted to the token")
	tokenCreateCmd.Flags().StringVar(&tokenDescription, "description", "", "Free-form description")
	tokenCreateCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "Token lifetime; zero never expires")
	_ = tokenCreateCmd.MarkFlagRequired("org")
}

func runTokenCreate(cmd *cobra.Command, _ []string) error {
	store, clk, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	secret, token, err := auth.IssueToken(cmd.Context(), store, auth.IssueRequest{
		ClusterID:      tokenCluster,
		OrganizationID: tokenOrg,
		Scopes:         tokenScopes,
		Description:    tokenDescription,
		TTL:            tokenTTL,
	}, clk.Now())
	if err != nil {
		return fmt.Errorf("failed to issue token: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Token %s issued with scopes %s\n", token.Prefix, strings.Join(token.Scopes, ","))
	fmt.Fprintln(cmd.OutOrStdout(), secret)
	return nil
}

func runTokenRevoke(cmd *cobra.Command, args []string) error {
	store, clk, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.RevokeToken(cmd.Context(), args[0], clk.Now()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Token %s revoked\n", args[0])
	return nil
}

func runTokenList(cmd *cobra.Command, _ []string) error {
	store, _, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	tokens, err := store.ListTokens(cmd.Context())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PREFIX\tCLUSTER\tORG\tSCOPES\tCREATED\tSTATE")
	for _, t := range tokens {
		state := "active"
		switch {
		case t.RevokedAt != nil:
			state = "revoked"
		case t.ExpiresAt != nil && t.ExpiresAt.Before(time.Now()):
			state = "expired"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			t.Prefix, t.ClusterID, t.OrganizationID, strings.Join(t.Scopes, ","),
			t.CreatedAt.Format(time.RFC3339), state)
	}
	return w.Flush()
}
