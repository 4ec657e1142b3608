package config

import (
	"fmt"
	"strings"
)

var validFormats = map[string]bool{
	"png":  true,
	"jpeg": true,
	"jpg":  true,
}

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// Validate checks the config for invalid values and returns all errors found.
// Dangerous zero-values that would stall or break capture are clamped to safe
// defaults; other validation errors are reported but do not prevent startup.
func (c *Config) Validate() []error {
	var errs []error

	if c.GPUPollTimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("gpu_poll_timeout_ms %d is not positive, clamping to 500", c.GPUPollTimeoutMs))
		c.GPUPollTimeoutMs = 500
	}
	if c.GPUPollTimeoutMs > 10_000 {
		errs = append(errs, fmt.Errorf("gpu_poll_timeout_ms %d exceeds 10s, clamping to 10000", c.GPUPollTimeoutMs))
		c.GPUPollTimeoutMs = 10_000
	}

	if c.Quality < 1 || c.Quality > 100 {
		errs = append(errs, fmt.Errorf("quality %d outside 1-100, clamping to 85", c.Quality))
		c.Quality = 85
	}

	if c.Format != "" && !validFormats[strings.ToLower(c.Format)] {
		errs = append(errs, fmt.Errorf("format %q is not one of png, jpeg", c.Format))
		c.Format = "png"
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Errorf("log_level %q is not a known level", c.LogLevel))
		c.LogLevel = "info"
	}

	return errs
}
