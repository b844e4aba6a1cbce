package cmd

import (
	"log"
	"os"
	"os/user"
	"path/filepath"

	"github.com/google/uuid"
)

func getCurrentUser() string {
	currentUser, err := user.Current()
	if err != nil {
		// Restricted environments (e.g. scratch containers) may have no
		// passwd database; the env var is the next best signal.
		log.Printf("Warning: could not get current user: %v. Falling back to 'unknown_user'.", err)
		envUser := os.Getenv("USER")
		if envUser != "" {
			return envUser
		}
		return "unknown_user"
	}
	return currentUser.Username
}

func generateSessionID() string {
	id := uuid.New()
	return id.String()
}

// getHostname retrieves the hostname of the machine.
// It returns "unknown_host" if the hostname cannot be determined.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		log.Printf("Warning: could not get hostname: %v. Falling back to 'unknown_host'.", err)
		return "unknown_host"
	}
	return hostname
}

func getConfigFilePath() string {
	if cfgFile != "" {
		return cfgFile
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".securecache.yaml")
}

func ensureConfigDir(configFile string) error {
	dir := filepath.Dir(configFile)
	return os.MkdirAll(dir, 0700)
}

func isValidConfigKey(key string) bool {
	validKeys := []string{
		"cache.path",
		"cache.store_type",
		"cache.principal",
		"cache.source",
		"cache.max_attempts",
		"cache.lockout_duration",
		"cache.rate_limit_attempts",
		"cache.rate_limit_window",
		"cache.ttl",
		"cache.kdf",
		"cache.s3.endpoint",
		"cache.s3.region",
		"cache.s3.bucket",
		"cache.s3.prefix",
		"cache.s3.access_key_id",
		"cache.s3.secret_access_key",
		"cache.s3.use_ssl",
		"audit.enabled",
		"audit.type",
		"audit.log_level",
		"audit.options.file_path",
	}

	for _, validKey := range validKeys {
		if key == validKey {
			return true
		}
	}
	return false
}
