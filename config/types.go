package config

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Config is the complete paramhub configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server,omitempty" toml:"server,omitempty" json:"server" jsonschema:"description=WebSocket and HTTP listener settings"`
	Hub        HubConfig        `yaml:"hub,omitempty" toml:"hub,omitempty" json:"hub" jsonschema:"description=Synchronization core tuning"`
	LLM        LLMConfig        `yaml:"llm,omitempty" toml:"llm,omitempty" json:"llm" jsonschema:"description=Language model used by chat commands"`
	Transcribe TranscribeConfig `yaml:"transcribe,omitempty" toml:"transcribe,omitempty" json:"transcribe" jsonschema:"description=Speech-to-text relay for /transcribe"`

	// Extensions holds top-level sections the core does not know about,
	// such as "logging". Decode them with UnmarshalExtension.
	Extensions map[string]interface{} `yaml:"-" toml:"-" json:"-"`

	// Path is the file the configuration was loaded from, empty for defaults.
	Path string `yaml:"-" toml:"-" json:"path,omitempty"`
}

// ServerConfig configures the network listener.
type ServerConfig struct {
	Addr           string   `yaml:"addr,omitempty" toml:"addr,omitempty" json:"addr" jsonschema:"description=Listen address (host:port)"`
	AllowedOrigins []string `yaml:"allowed_origins,omitempty" toml:"allowed_origins,omitempty" json:"allowed_origins" jsonschema:"description=Origins accepted on WebSocket upgrade; * accepts any"`
	SendBuffer     int      `yaml:"send_buffer,omitempty" toml:"send_buffer,omitempty" json:"send_buffer" jsonschema:"description=Outbound frames queued per session before frames are dropped,minimum=1"`
	ReadLimit      int64    `yaml:"read_limit,omitempty" toml:"read_limit,omitempty" json:"read_limit" jsonschema:"description=Maximum inbound frame size in bytes,minimum=1024"`
	PingInterval   string   `yaml:"ping_interval,omitempty" toml:"ping_interval,omitempty" json:"ping_interval" jsonschema:"description=WebSocket keepalive ping interval (e.g. 30s)"`
}

// HubConfig tunes the debounced dispatcher and the compute cycle gate.
type HubConfig struct {
	DebounceWindow string `yaml:"debounce_window,omitempty" toml:"debounce_window,omitempty" json:"debounce_window" jsonschema:"description=Quiet period after the last edit before dispatching to the CAD engine (e.g. 50ms)"`
	CADTimeout     string `yaml:"cad_timeout,omitempty" toml:"cad_timeout,omitempty" json:"cad_timeout" jsonschema:"description=Maximum CAD round trip before the cycle fails; empty or 0 waits indefinitely"`
}

// LLMConfig configures the OpenAI-compatible chat completion endpoint.
type LLMConfig struct {
	BaseURL     string   `yaml:"base_url,omitempty" toml:"base_url,omitempty" json:"base_url" jsonschema:"description=OpenAI-compatible API base URL (e.g. http://localhost:11434/v1)"`
	Model       string   `yaml:"model,omitempty" toml:"model,omitempty" json:"model" jsonschema:"description=Model name"`
	APIKey      string   `yaml:"api_key,omitempty" toml:"api_key,omitempty" json:"-" jsonschema:"description=API key; local servers usually ignore it"`
	Temperature *float64 `yaml:"temperature,omitempty" toml:"temperature,omitempty" json:"temperature" jsonschema:"description=Sampling temperature,minimum=0,maximum=2"`
	Timeout     string   `yaml:"timeout,omitempty" toml:"timeout,omitempty" json:"timeout" jsonschema:"description=Deadline for one chat command (e.g. 60s)"`
}

// TranscribeConfig configures the speech-to-text collaborator.
type TranscribeConfig struct {
	URL      string `yaml:"url,omitempty" toml:"url,omitempty" json:"url" jsonschema:"description=Transcription endpoint accepting multipart audio; empty disables /transcribe"`
	Model    string `yaml:"model,omitempty" toml:"model,omitempty" json:"model" jsonschema:"description=Transcription model name"`
	APIKey   string `yaml:"api_key,omitempty" toml:"api_key,omitempty" json:"-" jsonschema:"description=Bearer token for the transcription endpoint"`
	Timeout  string `yaml:"timeout,omitempty" toml:"timeout,omitempty" json:"timeout" jsonschema:"description=Deadline for one transcription (e.g. 120s)"`
	MaxBytes int64  `yaml:"max_bytes,omitempty" toml:"max_bytes,omitempty" json:"max_bytes" jsonschema:"description=Largest accepted audio upload in bytes,minimum=1"`
}

const (
	DefaultAddr           = ":5001"
	DefaultSendBuffer     = 256
	DefaultReadLimit      = 64 << 20
	DefaultPingInterval   = "30s"
	DefaultDebounceWindow = "50ms"
	DefaultLLMBaseURL     = "http://localhost:11434/v1"
	DefaultLLMModel       = "llama3.2:1b"
	DefaultLLMTemperature = 0.3
	DefaultLLMTimeout     = "60s"
	DefaultSTTModel       = "whisper-1"
	DefaultSTTTimeout     = "120s"
	DefaultSTTMaxBytes    = 25 << 20
)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.SendBuffer == 0 {
		c.Server.SendBuffer = DefaultSendBuffer
	}
	if c.Server.ReadLimit == 0 {
		c.Server.ReadLimit = DefaultReadLimit
	}
	if c.Server.PingInterval == "" {
		c.Server.PingInterval = DefaultPingInterval
	}

	if c.Hub.DebounceWindow == "" {
		c.Hub.DebounceWindow = DefaultDebounceWindow
	}

	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = DefaultLLMBaseURL
	}
	if c.LLM.Model == "" {
		c.LLM.Model = DefaultLLMModel
	}
	if c.LLM.Temperature == nil {
		t := DefaultLLMTemperature
		c.LLM.Temperature = &t
	}
	if c.LLM.Timeout == "" {
		c.LLM.Timeout = DefaultLLMTimeout
	}

	if c.Transcribe.Model == "" {
		c.Transcribe.Model = DefaultSTTModel
	}
	if c.Transcribe.Timeout == "" {
		c.Transcribe.Timeout = DefaultSTTTimeout
	}
	if c.Transcribe.MaxBytes == 0 {
		c.Transcribe.MaxBytes = DefaultSTTMaxBytes
	}
}

// Ping returns the keepalive interval.
func (s ServerConfig) Ping() time.Duration { return mustDuration(s.PingInterval) }

// Debounce returns the dispatcher quiet period.
func (h HubConfig) Debounce() time.Duration { return mustDuration(h.DebounceWindow) }

// RoundTripTimeout returns the CAD round-trip limit; zero means none.
func (h HubConfig) RoundTripTimeout() time.Duration { return mustDuration(h.CADTimeout) }

// RequestTimeout returns the per-prompt deadline.
func (l LLMConfig) RequestTimeout() time.Duration { return mustDuration(l.Timeout) }

// RequestTimeout returns the per-upload deadline.
func (t TranscribeConfig) RequestTimeout() time.Duration { return mustDuration(t.Timeout) }

// Enabled reports whether a transcription endpoint is configured.
func (t TranscribeConfig) Enabled() bool { return t.URL != "" }

// mustDuration parses a duration that Validate has already checked.
func mustDuration(s string) time.Duration {
	if s == "" || s == "0" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// UnmarshalExtension decodes an extension section into target.
func (c *Config) UnmarshalExtension(key string, target interface{}) error {
	extensionConfig, ok := c.Extensions[key]
	if !ok {
		// It's not an error if the key doesn't exist.
		// The target struct will simply remain zero-valued.
		return nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		TagName:          "yaml",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create mapstructure decoder: %w", err)
	}

	if err := decoder.Decode(extensionConfig); err != nil {
		return fmt.Errorf("failed to decode extension config for '%s': %w", key, err)
	}

	return nil
}
