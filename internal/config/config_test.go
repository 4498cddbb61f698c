package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleConfig = `
log_level: debug
llm:
  provider: gemini
  api_key: dummy
  model: gemini-1.5-flash
  timeout: 45s
server:
  host: 127.0.0.1
  port: "8080"
history:
  backend: sqlite
  path: /tmp/h.db
identity:
  policy: sequential
media:
  max_retries: 1
  trust_default: false
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	tmp, err := os.CreateTemp(t.TempDir(), "cfg-*.yaml")
	if err != nil {
		t.Fatalf("temp file: %v", err)
	}
	if _, err := tmp.WriteString(body); err != nil {
		t.Fatalf("write: %v", err)
	}
	tmp.Close()
	return tmp.Name()
}

// TestLoad_File verifies that Load unmarshals a YAML file and keeps defaults for absent keys.
func TestLoad_File(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, sampleConfig))
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("GEMINI_RELAY_LLM_API_KEY", "")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, "gemini-1.5-flash", cfg.LLM.Model)
	require.Equal(t, "dummy", cfg.LLM.APIKey)
	require.Equal(t, 45*time.Second, cfg.LLM.Timeout)
	require.Equal(t, "127.0.0.1:8080", cfg.Server.Addr())
	require.Equal(t, "sqlite", cfg.History.Backend)
	require.True(t, cfg.History.Enabled)
	require.Equal(t, "sequential", cfg.Identity.Policy)
	require.Equal(t, 1, cfg.Media.MaxRetries)
	require.False(t, cfg.Media.TrustDefault)
	require.Equal(t, "image/jpeg", cfg.Media.DefaultMIMEType)
	require.Equal(t, int32(8192), cfg.LLM.MaxOutputTokens)
	require.InDelta(t, 0.95, cfg.LLM.TopP, 1e-6)
	require.Equal(t, "/mcp", cfg.MCP.Path)
}

func TestLoad_APIKeyFromEnvironment(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, "server:\n  port: \"9000\"\n"))
	t.Setenv("GEMINI_RELAY_LLM_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "from-env")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.LLM.APIKey)
	require.Equal(t, "gemini", cfg.LLM.Provider)
	require.Equal(t, "9000", cfg.Server.Port)
}

func TestLoad_PrefixedOverride(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, sampleConfig))
	t.Setenv("GEMINI_RELAY_HISTORY_BACKEND", "bolt")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "bolt", cfg.History.Backend)
}

func TestLoad_MissingAPIKey(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, "llm:\n  provider: gemini\n"))
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("GEMINI_RELAY_LLM_API_KEY", "")

	_, err := Load()
	require.Error(t, err)
}

func TestLoad_UnknownProvider(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, "llm:\n  provider: mystery\n  api_key: x\n"))

	_, err := Load()
	require.ErrorContains(t, err, "mystery")
}

func TestLoad_ExplicitPathMissing(t *testing.T) {
	t.Setenv("CONFIG_PATH", "/nonexistent/config.yaml")

	_, err := Load()
	require.Error(t, err)
}
