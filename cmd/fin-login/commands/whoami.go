package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dgellow/fin-auth/internal/authclient"
)

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "whoami",
		Aliases: []string{"status"},
		Short:   "Show the signed-in user",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			creds, err := freshCredentials(cmd.Context())
			if errors.Is(err, authclient.ErrNoCredentials) {
				fmt.Fprintln(cmd.OutOrStdout(), "Not signed in")
				return nil
			}
			if err != nil {
				return err
			}

			user, err := client.Me(cmd.Context(), creds.AccessToken)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s <%s> via %s\n", user.Name, user.Email, user.Provider)
			return nil
		},
	}
}

// freshCredentials loads saved credentials, rotating the tokens when the
// access token is about to expire.
func freshCredentials(ctx context.Context) (*authclient.Credentials, error) {
	creds, err := authclient.LoadCredentials(cfg.Home)
	if err != nil {
		return nil, err
	}
	if !creds.AccessExpired(time.Now()) {
		return creds, nil
	}

	tokens, err := client.Refresh(ctx, creds.RefreshToken)
	if err != nil {
		var apiErr *authclient.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == 401 {
			_ = authclient.DeleteCredentials(cfg.Home)
			return nil, fmt.Errorf("session expired, run fin-login login: %w", authclient.ErrNoCredentials)
		}
		return nil, fmt.Errorf("refresh session: %w", err)
	}

	creds = authclient.CredentialsFrom(cfg.APIBase, tokens)
	if err := authclient.SaveCredentials(cfg.Home, creds); err != nil {
		return nil, fmt.Errorf("save credentials: %w", err)
	}
	return creds, nil
}
