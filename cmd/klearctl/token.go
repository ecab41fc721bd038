package main

import (
	"encoding/json"
	"fmt"

	"github.com/ksred/klear-broker/internal/auth"
	"github.com/ksred/klear-broker/internal/config"
	"github.com/spf13/cobra"
)

// newTokenCmd signs a caller token with the service's JWT secret, for
// operators testing as a given user.
func newTokenCmd(root *rootOptions) *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a caller JWT for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return err
			}
			token, err := auth.NewService(cfg.Security).IssueToken(userID)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(token, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id carried in the token")
	cmd.MarkFlagRequired("user")
	return cmd
}
