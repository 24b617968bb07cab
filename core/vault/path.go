package vault

import (
	"os"
	"path/filepath"

	"github.com/scrubline/scrubline/core/apperr"
)

// EnvVaultPath is the single environment variable the core recognizes: an
// override for the vault file location. Everything else is configured by
// the hosting shell through constructor options.
const EnvVaultPath = "SCRUBLINE_VAULT_PATH"

// DefaultPath returns where the vault file lives: the EnvVaultPath
// override when set, otherwise a scrubline directory under the platform's
// user config dir.
func DefaultPath() (string, error) {
	if p := os.Getenv(EnvVaultPath); p != "" {
		return p, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", apperr.Wrap(apperr.KindIO, "resolving user config directory", err)
	}
	return filepath.Join(base, "scrubline", "vault.db"), nil
}
