package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `
listen_addr: ":9090"
providers:
  claude:
    kind: anthropic
    model: claude-sonnet-4-20250514
    api_key: test-key
  local:
    kind: ollama
    model: llama3
    host: http://localhost:11434
tool:
  endpoint: http://localhost:7700/rpc
pipeline:
  default_provider: claude
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(validConfig))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, DefaultDBPath, cfg.DBPath)
	assert.Equal(t, DefaultWorkers, cfg.Pipeline.Workers)
	assert.Equal(t, DefaultMaxStageAttempts, cfg.Pipeline.MaxStageAttempts)
	assert.Equal(t, DefaultToolTimeoutSec, cfg.Tool.TimeoutSec)
	assert.Equal(t, "nightly", cfg.Health.Schedule)
}

func TestParseEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_RESEARCHD_KEY", "sk-from-env")

	cfg, err := Parse([]byte(`
providers:
  claude:
    kind: anthropic
    model: claude-sonnet-4-20250514
    api_key: ${TEST_RESEARCHD_KEY}
tool:
  endpoint: http://localhost:7700/rpc
`))
	require.NoError(t, err)
	assert.Equal(t, "sk-from-env", cfg.Providers["claude"].APIKey)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "no providers",
			yaml: "tool:\n  endpoint: http://x/rpc\n",
			want: "at least one provider",
		},
		{
			name: "unknown kind",
			yaml: "providers:\n  p:\n    kind: cohere\n    model: m\ntool:\n  endpoint: http://x/rpc\n",
			want: "unknown kind",
		},
		{
			name: "anthropic without key",
			yaml: "providers:\n  p:\n    kind: anthropic\n    model: m\ntool:\n  endpoint: http://x/rpc\n",
			want: "api_key is required",
		},
		{
			name: "ollama without host",
			yaml: "providers:\n  p:\n    kind: ollama\n    model: m\ntool:\n  endpoint: http://x/rpc\n",
			want: "host is required",
		},
		{
			name: "missing tool endpoint",
			yaml: "providers:\n  p:\n    kind: ollama\n    model: m\n    host: http://h\n",
			want: "tool endpoint",
		},
		{
			name: "default provider not configured",
			yaml: "providers:\n  p:\n    kind: ollama\n    model: m\n    host: http://h\ntool:\n  endpoint: http://x/rpc\npipeline:\n  default_provider: nope\n",
			want: "not a configured provider",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg, err := Parse([]byte(validConfig))
	require.NoError(t, err)
	assert.Equal(t, "30s", cfg.ToolTimeout().String())
	assert.Equal(t, "5s", cfg.ProbeTimeout().String())
	assert.Equal(t, "200ms", cfg.BackoffInitial().String())
}
