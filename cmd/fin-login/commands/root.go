// Package commands implements the fin-login command line.
package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dgellow/fin-auth/internal/authclient"
	"github.com/dgellow/fin-auth/internal/log"
)

var (
	cfg    authclient.Config
	client *authclient.Client

	apiBase  string
	provider string
	browser  string
	home     string
)

// Execute runs the root command. An interrupt cancels the command in flight,
// which closes any open sign-in window.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return newRootCmd().ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "fin-login",
		Short:        "Sign in to fin from the command line",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = authclient.LoadConfig()
			if err != nil {
				return err
			}
			if apiBase != "" {
				cfg.APIBase = apiBase
			}
			if provider != "" {
				cfg.Provider = provider
			}
			if browser != "" {
				cfg.Browser = browser
			}
			if home != "" {
				cfg.Home = home
			}
			if err := log.Configure(cfg.LogLevel, "", cmd.ErrOrStderr()); err != nil {
				return err
			}

			client, err = authclient.New(cfg.APIBase, nil)
			return err
		},
	}

	root.PersistentFlags().StringVar(&apiBase, "api-base", "", "auth API base URL (default $FIN_LOGIN_API_BASE or http://localhost:8000)")
	root.PersistentFlags().StringVar(&home, "home", "", "directory credentials are kept in (default $FIN_LOGIN_HOME)")

	root.AddCommand(loginCmd(), whoamiCmd(), logoutCmd())
	return root
}
