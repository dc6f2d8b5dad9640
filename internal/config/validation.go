package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

var bashStyleRegex = regexp.MustCompile(`\$\{?([A-Z_][A-Z0-9_]*)\}?`)

// ValidationResult holds validation errors and warnings
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// ValidationError represents a validation issue
type ValidationError struct {
	Path    string
	Message string
}

// IsValid returns true if there are no errors
func (v *ValidationResult) IsValid() bool {
	return len(v.Errors) == 0
}

func (v *ValidationResult) errorf(path, format string, args ...any) {
	v.Errors = append(v.Errors, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (v *ValidationResult) warnf(path, format string, args ...any) {
	v.Warnings = append(v.Warnings, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

// ValidateFile validates a config file structure without requiring env vars
func ValidateFile(path string) (*ValidationResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ValidateBytes(data), nil
}

// ValidateBytes is ValidateFile on file contents.
func ValidateBytes(data []byte) *ValidationResult {
	result := &ValidationResult{}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		result.errorf("", "invalid JSON: %v", err)
		return result
	}

	checkBashStyleSyntax(rawConfig, "", result)

	version, ok := rawConfig["version"].(string)
	if !ok {
		result.errorf("version", "version field is required. Hint: Add \"version\": %q", SupportedVersion)
	} else if version != SupportedVersion {
		result.errorf("version", "unsupported version '%s' - use '%s'", version, SupportedVersion)
	}

	validateServerStructure(rawConfig, result)
	validateAuthStructure(rawConfig, result)
	validateStorageStructure(rawConfig, result)
	validateProvidersStructure(rawConfig, result)

	return result
}

func validateServerStructure(rawConfig map[string]any, result *ValidationResult) {
	server, ok := rawConfig["server"].(map[string]any)
	if !ok {
		result.errorf("server", "server field is required and must be an object")
		return
	}
	for _, field := range []string{"baseURL", "addr", "frontendURL"} {
		if _, ok := server[field]; !ok {
			result.errorf("server."+field, "%s is required", field)
		}
	}
	if origins, ok := server["allowedOrigins"]; ok {
		list, isList := origins.([]any)
		if !isList {
			result.errorf("server.allowedOrigins", "allowedOrigins must be an array of origins")
		}
		for i, o := range list {
			s, _ := o.(string)
			if strings.HasSuffix(s, "/") {
				result.warnf(fmt.Sprintf("server.allowedOrigins[%d]", i), "origin %q has a trailing slash and will never match", s)
			}
		}
	}
}

func validateAuthStructure(rawConfig map[string]any, result *ValidationResult) {
	auth, ok := rawConfig["auth"].(map[string]any)
	if !ok {
		result.errorf("auth", "auth field is required and must be an object")
		return
	}

	if v, ok := auth["jwtSecret"]; !ok {
		result.errorf("auth.jwtSecret", "jwtSecret is required")
	} else if err := validateEnvVarReference(v, "jwtSecret", "auth.jwtSecret"); err != nil {
		result.Errors = append(result.Errors, *err)
	}
	if v, ok := auth["stateSecret"]; ok {
		if err := validateEnvVarReference(v, "stateSecret", "auth.stateSecret"); err != nil {
			result.Errors = append(result.Errors, *err)
		}
	}

	durations := map[string]time.Duration{}
	for _, field := range []string{"accessTokenTtl", "refreshTokenTtl", "stateTtl", "popupGrantTtl"} {
		raw, ok := auth[field]
		if !ok {
			continue
		}
		s, _ := raw.(string)
		d, err := time.ParseDuration(s)
		if err != nil {
			result.errorf("auth."+field, "invalid duration %v", raw)
			continue
		}
		durations[field] = d
	}

	access, hasAccess := durations["accessTokenTtl"]
	refresh, hasRefresh := durations["refreshTokenTtl"]
	if hasAccess && hasRefresh && refresh < access {
		result.warnf("auth", "refreshTokenTtl (%s) is shorter than accessTokenTtl (%s). Sessions will end before their access token expires.", refresh, access)
	}
	if grant, ok := durations["popupGrantTtl"]; ok && grant > 15*time.Minute {
		result.warnf("auth.popupGrantTtl", "popupGrantTtl (%s) is long; popup grants should only live as long as a login attempt", grant)
	}
}

func validateStorageStructure(rawConfig map[string]any, result *ValidationResult) {
	raw, ok := rawConfig["storage"]
	if !ok {
		result.warnf("storage", "storage is not configured; using in-memory storage, sessions will not survive a restart")
		return
	}
	storage, ok := raw.(map[string]any)
	if !ok {
		result.errorf("storage", "storage must be an object")
		return
	}

	kind, _ := storage["kind"].(string)
	switch StorageKind(kind) {
	case StorageMemory, "":
		result.warnf("storage.kind", "in-memory storage does not survive a restart")
	case StorageSQLite:
		if _, ok := storage["path"]; !ok {
			result.errorf("storage.path", "path is required for sqlite storage")
		}
	case StorageFirestore:
		if _, ok := storage["firestoreProject"]; !ok {
			result.errorf("storage.firestoreProject", "firestoreProject is required for firestore storage")
		}
	default:
		result.errorf("storage.kind", "unknown storage kind '%s' - supported kinds: memory, sqlite, firestore", kind)
	}
}

func validateProvidersStructure(rawConfig map[string]any, result *ValidationResult) {
	providers, ok := rawConfig["providers"].(map[string]any)
	if !ok || len(providers) == 0 {
		result.errorf("providers", "providers is required and must configure at least one provider")
		return
	}

	for name, raw := range providers {
		path := "providers." + name
		if name != ProviderGoogle && name != ProviderGitHub {
			result.errorf(path, "unknown provider '%s' - supported providers: google, github", name)
			continue
		}
		p, ok := raw.(map[string]any)
		if !ok {
			result.errorf(path, "provider must be an object")
			continue
		}
		for _, field := range []string{"clientId", "redirectUri"} {
			if _, ok := p[field]; !ok {
				result.errorf(path+"."+field, "%s is required", field)
			}
		}
		if secret, ok := p["clientSecret"]; !ok {
			result.errorf(path+".clientSecret", "clientSecret is required")
		} else if err := validateEnvVarReference(secret, "clientSecret", path+".clientSecret"); err != nil {
			result.Errors = append(result.Errors, *err)
		}
		if _, ok := p["allowedOrgs"]; ok && name != ProviderGitHub {
			result.errorf(path+".allowedOrgs", "allowedOrgs is only supported for github")
		}
	}
}

// validateEnvVarReference validates that a field uses proper env var reference format
func validateEnvVarReference(value any, fieldName, path string) *ValidationError {
	switch v := value.(type) {
	case string:
		if matches := bashStyleRegex.FindStringSubmatch(v); len(matches) > 1 {
			return &ValidationError{
				Path:    path,
				Message: fmt.Sprintf("found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead", v, matches[1]),
			}
		}
		return &ValidationError{
			Path:    path,
			Message: fmt.Sprintf("%s must use environment variable reference {\"$env\": \"YOUR_ENV_VAR\"} instead of plain text. Hint: This keeps secrets out of config files", fieldName),
		}
	case map[string]any:
		if _, hasEnv := v["$env"]; !hasEnv {
			return &ValidationError{
				Path:    path,
				Message: fmt.Sprintf("%s must use {\"$env\": \"YOUR_ENV_VAR\"} format", fieldName),
			}
		}
		return nil
	default:
		return &ValidationError{
			Path:    path,
			Message: fmt.Sprintf("%s must be an environment variable reference {\"$env\": \"YOUR_ENV_VAR\"}, not %T", fieldName, value),
		}
	}
}

// checkBashStyleSyntax recursively checks for bash-style env var syntax
func checkBashStyleSyntax(value any, path string, result *ValidationResult) {
	switch v := value.(type) {
	case string:
		for _, match := range bashStyleRegex.FindAllString(v, -1) {
			varName := strings.Trim(match, "${}")
			result.warnf(path, "found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead", match, varName)
		}
	case map[string]any:
		if _, hasEnv := v["$env"]; hasEnv {
			return
		}
		for key, val := range v {
			newPath := key
			if path != "" {
				newPath = path + "." + key
			}
			checkBashStyleSyntax(val, newPath, result)
		}
	case []any:
		for i, item := range v {
			checkBashStyleSyntax(item, fmt.Sprintf("%s[%d]", path, i), result)
		}
	}
}

// Example returns a starter config used by -config-init.
func Example() map[string]any {
	return map[string]any{
		"version": SupportedVersion,
		"server": map[string]any{
			"baseURL":        "https://api.fin.example.com",
			"addr":           ":8000",
			"frontendURL":    "https://fin.example.com",
			"allowedOrigins": []string{"https://fin.example.com"},
		},
		"auth": map[string]any{
			"jwtSecret":       map[string]string{"$env": "JWT_SECRET"},
			"accessTokenTtl":  "30m",
			"refreshTokenTtl": "168h",
			"popupGrantTtl":   "5m",
		},
		"storage": map[string]any{
			"kind":            "sqlite",
			"path":            "fin-auth.db",
			"cleanupInterval": "10m",
		},
		"providers": map[string]any{
			"google": map[string]any{
				"clientId":     map[string]string{"$env": "GOOGLE_CLIENT_ID"},
				"clientSecret": map[string]string{"$env": "GOOGLE_CLIENT_SECRET"},
				"redirectUri":  "https://api.fin.example.com/api/auth/google/callback",
			},
		},
	}
}
