package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/keymint/keymint/internal/store"
)

// dataDir holds the --data-dir persistent flag value (set on root command).
var dataDir string

// resolveDataDir returns the data directory from --data-dir flag,
// KEYMINT_DATA_DIR env var, or ~/.keymint as fallback.
func resolveDataDir() string {
	if dataDir != "" {
		return dataDir
	}
	if envDir := os.Getenv("KEYMINT_DATA_DIR"); envDir != "" {
		return envDir
	}
	home, _ := os.UserHomeDir()
	return home + "/.keymint"
}

// openStore opens the code store. A configured database.dsn selects Postgres;
// otherwise a SQLite store in the data directory is used.
func openStore() (*store.Store, error) {
	if dsn := viper.GetString("database.dsn"); dsn != "" {
		return store.Open(dsn)
	}
	return store.OpenSQLite(resolveDataDir())
}

// loadSigningKey resolves the ES256 private key from config: inline PEM
// first, then a key file path. Returns an error when neither is set; the
// service refuses to start unsigned.
func loadSigningKey() (string, error) {
	if pem := viper.GetString("signing.private_key"); pem != "" {
		return pem, nil
	}
	if path := viper.GetString("signing.private_key_file"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read signing key file: %w", err)
		}
		return string(data), nil
	}
	return "", fmt.Errorf("no signing key configured: set signing.private_key or signing.private_key_file (generate one with 'keymint keygen')")
}

// versionString returns a display version string.
func versionString() string {
	if appVersion == "" || appVersion == "dev" {
		return "dev"
	}
	if strings.HasPrefix(appVersion, "v") {
		return appVersion
	}
	return "v" + appVersion
}
