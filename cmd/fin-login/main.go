package main

import (
	"os"

	"github.com/dgellow/fin-auth/cmd/fin-login/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
