// Package config loads the ambient configuration the session core
// needs: app credentials, user agent, timeouts, and overridable base
// URLs, from a .env file plus the process environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config holds everything needed to stand up an Authenticator,
// Authorizer, and Session.
type Config struct {
	Reddit   RedditConfig
	Database DatabaseConfig
	Server   ServerConfig
}

// RedditConfig holds OAuth2 application credentials and endpoint
// overrides.
type RedditConfig struct {
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
	RedirectURI  string
	UserAgent    string
	Timeout      time.Duration
	OAuthURL     string
	RedditURL    string
}

// DatabaseConfig points at the sqlite file backing tokenstore.
type DatabaseConfig struct {
	Path string
}

// ServerConfig configures the httpapi introspection server.
type ServerConfig struct {
	Port int
}

// Load reads configuration from a .env file plus the process
// environment. envPath defaults to ".env" when empty.
func Load(envPath string, log *logrus.Logger) (*Config, error) {
	if envPath == "" {
		envPath = ".env"
	}

	if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	timeoutSeconds := getEnvAsInt("PRAWCORE_TIMEOUT", 16)

	cfg := &Config{
		Reddit: RedditConfig{
			ClientID:     getEnv("REDDIT_CLIENT_ID", ""),
			ClientSecret: getEnv("REDDIT_CLIENT_SECRET", ""),
			Username:     getEnv("REDDIT_USERNAME", ""),
			Password:     getEnv("REDDIT_PASSWORD", ""),
			RedirectURI:  getEnv("REDDIT_REDIRECT_URI", ""),
			UserAgent:    getEnv("REDDIT_USER_AGENT", ""),
			Timeout:      time.Duration(timeoutSeconds) * time.Second,
			OAuthURL:     getEnv("REDDIT_OAUTH_URL", "https://oauth.reddit.com"),
			RedditURL:    getEnv("REDDIT_URL", "https://www.reddit.com"),
		},
		Database: DatabaseConfig{
			Path: getEnv("DATABASE_PATH", "./prawcore.db"),
		},
		Server: ServerConfig{
			Port: getEnvAsInt("SERVER_PORT", 8080),
		},
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	if log != nil {
		log.WithField("file", envPath).Info("Config loaded successfully")
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Reddit.ClientID == "" {
		return fmt.Errorf("REDDIT_CLIENT_ID environment variable is required")
	}
	if cfg.Reddit.UserAgent == "" {
		return fmt.Errorf("REDDIT_USER_AGENT environment variable is required")
	}
	if cfg.Reddit.Timeout <= 0 {
		return fmt.Errorf("PRAWCORE_TIMEOUT must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return value
	}
	return defaultValue
}
