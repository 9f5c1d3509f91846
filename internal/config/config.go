package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// Config holds process settings read from the environment. Relay limits and
// policy live in the optional YAML file named by ConfigFile.
type Config struct {
	HTTPAddr   string
	DataDir    string
	DBPath     string
	WebDir     string
	ConfigFile string

	LogLevel  string
	LogFormat string

	// RelayURL is the public websocket URL, used to check NIP-42 relay tags.
	RelayURL string
	// TenantSecret verifies HS256 tenant tokens. Empty disables tokens.
	TenantSecret string
	// AdminToken guards the admin endpoints. Empty leaves them open.
	AdminToken string
}

func Load() Config {
	loadDotEnv(".env")
	dataDir := getEnv("RELAY_DATA_DIR", "data")
	return Config{
		HTTPAddr:   getEnv("RELAY_HTTP_ADDR", ":7447"),
		DataDir:    dataDir,
		DBPath:     getEnv("RELAY_DB_PATH", filepath.Join(dataDir, "relay.db")),
		WebDir:     getEnv("RELAY_WEB_DIR", "web"),
		ConfigFile: getEnv("RELAY_CONFIG", ""),

		LogLevel:  getEnv("RELAY_LOG_LEVEL", "info"),
		LogFormat: getEnv("RELAY_LOG_FORMAT", "console"),

		RelayURL:     getEnv("RELAY_URL", ""),
		TenantSecret: getEnv("RELAY_TENANT_SECRET", ""),
		AdminToken:   getEnv("RELAY_ADMIN_TOKEN", ""),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, value)
	}
}
