package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/grovetools/paramhub/errors"
)

// Validate checks semantic constraints the schema cannot express.
func (c *Config) Validate() error {
	durations := []struct {
		field string
		value string
	}{
		{"server.ping_interval", c.Server.PingInterval},
		{"hub.debounce_window", c.Hub.DebounceWindow},
		{"hub.cad_timeout", c.Hub.CADTimeout},
		{"llm.timeout", c.LLM.Timeout},
		{"transcribe.timeout", c.Transcribe.Timeout},
	}
	for _, d := range durations {
		if err := validateDuration(d.field, d.value); err != nil {
			return err
		}
	}

	if c.Hub.Debounce() <= 0 {
		return errors.New(errors.ErrCodeConfigValidation, "hub.debounce_window must be positive").
			WithDetail("value", c.Hub.DebounceWindow)
	}
	if c.Server.SendBuffer < 1 {
		return errors.New(errors.ErrCodeConfigValidation, "server.send_buffer must be at least 1").
			WithDetail("value", c.Server.SendBuffer)
	}
	if c.Server.Addr == "" {
		return errors.New(errors.ErrCodeConfigValidation, "server.addr cannot be empty")
	}

	if err := validateURL("llm.base_url", c.LLM.BaseURL); err != nil {
		return err
	}
	if c.Transcribe.URL != "" {
		if err := validateURL("transcribe.url", c.Transcribe.URL); err != nil {
			return err
		}
	}

	return nil
}

func validateDuration(field, value string) error {
	if value == "" || value == "0" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigValidation, fmt.Sprintf("%s is not a valid duration", field)).
			WithDetail("value", value)
	}
	if d < 0 {
		return errors.New(errors.ErrCodeConfigValidation, fmt.Sprintf("%s cannot be negative", field)).
			WithDetail("value", value)
	}
	return nil
}

func validateURL(field, value string) error {
	u, err := url.Parse(value)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.New(errors.ErrCodeConfigValidation, fmt.Sprintf("%s must be an absolute URL", field)).
			WithDetail("value", value)
	}
	return nil
}
