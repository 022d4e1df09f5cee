package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearRedditEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"REDDIT_CLIENT_ID", "REDDIT_CLIENT_SECRET", "REDDIT_USERNAME", "REDDIT_PASSWORD",
		"REDDIT_REDIRECT_URI", "REDDIT_USER_AGENT", "PRAWCORE_TIMEOUT", "REDDIT_OAUTH_URL",
		"REDDIT_URL", "DATABASE_PATH", "SERVER_PORT",
	}
	for _, k := range keys {
		os.Unsetenv(k)
	}
	t.Cleanup(func() {
		for _, k := range keys {
			os.Unsetenv(k)
		}
	})
}

func TestLoad_MissingClientIDFails(t *testing.T) {
	clearRedditEnv(t)
	os.Setenv("REDDIT_USER_AGENT", "test-agent/1.0")

	_, err := Load("nonexistent.env", nil)
	require.Error(t, err)
}

func TestLoad_MissingUserAgentFails(t *testing.T) {
	clearRedditEnv(t)
	os.Setenv("REDDIT_CLIENT_ID", "abc")

	_, err := Load("nonexistent.env", nil)
	require.Error(t, err)
}

func TestLoad_AppliesDefaultsForOptionalFields(t *testing.T) {
	clearRedditEnv(t)
	os.Setenv("REDDIT_CLIENT_ID", "abc")
	os.Setenv("REDDIT_USER_AGENT", "test-agent/1.0")

	cfg, err := Load("nonexistent.env", nil)
	require.NoError(t, err)

	assert.Equal(t, "https://oauth.reddit.com", cfg.Reddit.OAuthURL)
	assert.Equal(t, "https://www.reddit.com", cfg.Reddit.RedditURL)
	assert.Equal(t, "./prawcore.db", cfg.Database.Path)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoad_EnvironmentOverridesDefaults(t *testing.T) {
	clearRedditEnv(t)
	os.Setenv("REDDIT_CLIENT_ID", "abc")
	os.Setenv("REDDIT_USER_AGENT", "test-agent/1.0")
	os.Setenv("REDDIT_OAUTH_URL", "https://example.test")
	os.Setenv("SERVER_PORT", "9090")

	cfg, err := Load("nonexistent.env", nil)
	require.NoError(t, err)

	assert.Equal(t, "https://example.test", cfg.Reddit.OAuthURL)
	assert.Equal(t, 9090, cfg.Server.Port)
}

func TestLoad_NonPositiveTimeoutFails(t *testing.T) {
	clearRedditEnv(t)
	os.Setenv("REDDIT_CLIENT_ID", "abc")
	os.Setenv("REDDIT_USER_AGENT", "test-agent/1.0")
	os.Setenv("PRAWCORE_TIMEOUT", "0")

	_, err := Load("nonexistent.env", nil)
	require.Error(t, err)
}
