package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/grovetools/paramhub/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ":5001", cfg.Server.Addr)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 50*time.Millisecond, cfg.Hub.Debounce())
	assert.Equal(t, time.Duration(0), cfg.Hub.RoundTripTimeout())
	assert.Equal(t, 60*time.Second, cfg.LLM.RequestTimeout())
	require.NotNil(t, cfg.LLM.Temperature)
	assert.InDelta(t, 0.3, *cfg.LLM.Temperature, 1e-9)
	assert.False(t, cfg.Transcribe.Enabled())
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromBytesYAML(t *testing.T) {
	data := []byte(`
server:
  addr: ":6001"
  send_buffer: 32
hub:
  debounce_window: 80ms
  cad_timeout: 5s
llm:
  model: qwen2.5
  temperature: 0
logging:
  level: debug
`)
	cfg, err := LoadFromBytes(data, FormatYAML)
	require.NoError(t, err)

	assert.Equal(t, ":6001", cfg.Server.Addr)
	assert.Equal(t, 32, cfg.Server.SendBuffer)
	assert.Equal(t, 80*time.Millisecond, cfg.Hub.Debounce())
	assert.Equal(t, 5*time.Second, cfg.Hub.RoundTripTimeout())
	assert.Equal(t, "qwen2.5", cfg.LLM.Model)
	require.NotNil(t, cfg.LLM.Temperature)
	assert.Equal(t, 0.0, *cfg.LLM.Temperature)

	var logCfg struct {
		Level string `yaml:"level"`
	}
	require.NoError(t, cfg.UnmarshalExtension("logging", &logCfg))
	assert.Equal(t, "debug", logCfg.Level)
}

func TestLoadFromBytesTOML(t *testing.T) {
	data := []byte(`
[server]
addr = ":7001"
send_buffer = 16

[hub]
debounce_window = "20ms"
`)
	cfg, err := LoadFromBytes(data, FormatTOML)
	require.NoError(t, err)
	assert.Equal(t, ":7001", cfg.Server.Addr)
	assert.Equal(t, 16, cfg.Server.SendBuffer)
	assert.Equal(t, 20*time.Millisecond, cfg.Hub.Debounce())
}

func TestLoadFromBytesRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
		code errors.ErrorCode
	}{
		{
			name: "unknown field in known section",
			data: "hub:\n  debounce_windw: 10ms\n",
			code: errors.ErrCodeConfigInvalid,
		},
		{
			name: "bad duration",
			data: "hub:\n  debounce_window: soon\n",
			code: errors.ErrCodeConfigValidation,
		},
		{
			name: "negative timeout",
			data: "hub:\n  cad_timeout: -1s\n",
			code: errors.ErrCodeConfigValidation,
		},
		{
			name: "relative llm url",
			data: "llm:\n  base_url: localhost\n",
			code: errors.ErrCodeConfigValidation,
		},
		{
			name: "syntax error",
			data: "server: [",
			code: errors.ErrCodeConfigInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(tt.data), FormatYAML)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.code), "expected %s, got %v", tt.code, err)
		})
	}
}

func TestEnvExpansionAndOverrides(t *testing.T) {
	t.Setenv("PARAMHUB_TEST_MODEL", "mistral")
	t.Setenv("LLM_HOST_URL", "http://llm.local:11434/v1/chat/completions")
	t.Setenv("PORT", "5100")

	cfg, err := LoadFromBytes([]byte("llm:\n  model: ${PARAMHUB_TEST_MODEL}\n  timeout: ${PARAMHUB_UNSET:-15s}\n"), FormatYAML)
	require.NoError(t, err)

	assert.Equal(t, "mistral", cfg.LLM.Model)
	assert.Equal(t, 15*time.Second, cfg.LLM.RequestTimeout())
	assert.Equal(t, "http://llm.local:11434/v1", cfg.LLM.BaseURL)
	assert.Equal(t, ":5100", cfg.Server.Addr)
}

func TestLoadAndFindConfigFile(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0755))

	_, err := FindConfigFile(nested)
	assert.True(t, errors.Is(err, errors.ErrCodeConfigNotFound))

	path := filepath.Join(root, "paramhub.toml")
	require.NoError(t, os.WriteFile(path, []byte("[hub]\ndebounce_window = \"30ms\"\n"), 0644))

	found, err := FindConfigFile(nested)
	require.NoError(t, err)
	assert.Equal(t, path, found)

	cfg, err := LoadFromWithLogger(nested, logrus.New())
	require.NoError(t, err)
	assert.Equal(t, path, cfg.Path)
	assert.Equal(t, 30*time.Millisecond, cfg.Hub.Debounce())

	_, err = Load(filepath.Join(root, "missing.yml"))
	assert.True(t, errors.Is(err, errors.ErrCodeConfigNotFound))
}

func TestGenerateSchema(t *testing.T) {
	data, err := GenerateSchema()
	require.NoError(t, err)
	assert.Contains(t, string(data), "debounce_window")
	assert.Contains(t, string(data), "paramhub Configuration")
}
