// Package secrets resolves credentials that may come from a mounted secret
// file, an environment reference or a literal config value.
package secrets

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sentinel-av/sentinel/internal/errors"
	"github.com/sentinel-av/sentinel/internal/logger"
)

// maxFileSize bounds a secret file read. Tokens and DSNs are tiny.
const maxFileSize = 64 * 1024

// Lookup returns an environment value. os.LookupEnv satisfies it.
type Lookup func(key string) (string, bool)

// GetLogger returns the secrets module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("secrets")
}

// Expand replaces ${VAR} and ${VAR:-fallback} references. A reference to an
// unset or empty variable without a fallback is an error; the message names
// the variable, never a value.
func Expand(s string, lookup Lookup) (string, error) {
	if s == "" {
		return "", nil
	}
	var missing []string
	out := os.Expand(s, func(key string) string {
		name, fallback, hasFallback := strings.Cut(key, ":-")
		if v, ok := lookup(name); ok && v != "" {
			return v
		}
		if hasFallback {
			return fallback
		}
		missing = append(missing, name)
		return ""
	})
	if len(missing) > 0 {
		return "", errors.Newf("unset environment variable(s): %s", strings.Join(missing, ", ")).
			Component("secrets").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return out, nil
}

// ReadFile reads a secret file such as /run/secrets/api_token. Trailing line
// breaks are stripped. A file readable by group or other is accepted with a
// warning.
func ReadFile(path string) (string, error) {
	path = filepath.Clean(path)
	info, err := os.Stat(path)
	if err != nil {
		return "", fileError(err, path)
	}
	switch {
	case !info.Mode().IsRegular():
		return "", fileError(fmt.Errorf("not a regular file"), path)
	case info.Size() > maxFileSize:
		return "", fileError(fmt.Errorf("larger than %d bytes", maxFileSize), path)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		GetLogger().Warn("secret file is readable by group or other",
			logger.String("path", path),
			logger.String("mode", fmt.Sprintf("%04o", perm)))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fileError(err, path)
	}
	secret := strings.TrimRight(string(data), "\r\n")
	if secret == "" {
		return "", fileError(fmt.Errorf("file is empty"), path)
	}
	return secret, nil
}

// Resolve returns the secret from file when set, otherwise the expanded value.
// Both empty resolves to the empty string.
func Resolve(file, value string, lookup Lookup) (string, error) {
	if file != "" {
		return ReadFile(file)
	}
	return Expand(value, lookup)
}

func fileError(err error, path string) error {
	return errors.New(fmt.Errorf("secret file %s: %w", path, err)).
		Component("secrets").
		Category(errors.CategoryConfiguration).
		Context("path", path).
		Build()
}
