package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dgellow/fin-auth/internal/authclient"
)

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke the saved session and forget it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			creds, err := authclient.LoadCredentials(cfg.Home)
			if errors.Is(err, authclient.ErrNoCredentials) {
				fmt.Fprintln(cmd.OutOrStdout(), "Not signed in")
				return nil
			}
			if err != nil {
				return err
			}

			if err := client.Logout(cmd.Context(), creds.RefreshToken); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: could not revoke session: %v\n", err)
			}
			if err := authclient.DeleteCredentials(cfg.Home); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
			return nil
		},
	}
}
