package envutil

import (
	"os"
	"strings"
)

// EnvVar selects the deployment environment.
const EnvVar = "FIN_AUTH_ENV"

// IsDev checks if we're running in development mode, where cookies may be
// sent over plain http to a local frontend.
func IsDev() bool {
	env := strings.ToLower(os.Getenv(EnvVar))
	return env == "development" || env == "dev"
}
