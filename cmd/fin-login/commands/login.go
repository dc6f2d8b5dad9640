package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dgellow/fin-auth/internal/authclient"
	"github.com/dgellow/fin-auth/internal/handshake"
	"github.com/dgellow/fin-auth/internal/login"
	"github.com/dgellow/fin-auth/internal/popup"
)

// screen is the area the login window is centred on; a terminal has no
// window of its own to centre on.
var screen = handshake.Geometry{OuterWidth: 1440, OuterHeight: 900}

func loginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Open a browser window and sign in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			exe := cfg.Browser
			if exe == "" {
				var err error
				if exe, err = popup.FindBrowser(); err != nil {
					return fmt.Errorf("%w; set FIN_LOGIN_BROWSER or --browser", err)
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Opening %s sign-in window...\n", cfg.Provider)
			tokens, err := login.Run(cmd.Context(), login.Options{
				Client:   client,
				Provider: cfg.Provider,
				Browser:  exe,
				Geometry: screen,
				Timeout:  cfg.Timeout,
			})
			if err != nil {
				return describe(err)
			}

			if err := authclient.SaveCredentials(cfg.Home, authclient.CredentialsFrom(cfg.APIBase, tokens)); err != nil {
				return fmt.Errorf("save credentials: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s\n", tokens.User.Email)
			return nil
		},
	}

	cmd.Flags().StringVar(&provider, "provider", "", "identity provider: google or github (default $FIN_LOGIN_PROVIDER or google)")
	cmd.Flags().StringVar(&browser, "browser", "", "Chromium-family browser executable (default: auto-detect)")
	return cmd
}

// describe turns a handshake failure into a message for people.
func describe(err error) error {
	var hsErr *handshake.Error
	if !errors.As(err, &hsErr) {
		return err
	}
	switch hsErr.Kind {
	case handshake.KindPopupBlocked:
		return fmt.Errorf("could not open the sign-in window: %w", err)
	case handshake.KindAuthError:
		return fmt.Errorf("sign-in failed: %s", hsErr.Message)
	case handshake.KindAuthCancelled:
		return errors.New("sign-in window was closed before signing in")
	case handshake.KindTimeout:
		return errors.New("sign-in timed out")
	case handshake.KindStatusCheckFailed:
		return fmt.Errorf("could not confirm sign-in: %w", err)
	default:
		return err
	}
}
