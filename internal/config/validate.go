package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate reports every problem in c that would only surface later as a
// confusing runtime failure. Backend-specific fields are left to the
// factories that consume them.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.HostID == "" || strings.ContainsAny(c.HostID, `/\`) {
		fail("host_id %q must be non-empty and contain no path separators", c.HostID)
	}
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		fail("log_level %q is not one of debug, info, warn, error", c.LogLevel)
	}

	if len(c.Vaults) == 0 {
		fail("no vaults configured")
	}
	seen := make(map[string]bool, len(c.Vaults))
	for i, v := range c.Vaults {
		if v.Name == "" {
			fail("vaults[%d]: name is required", i)
			continue
		}
		if seen[v.Name] {
			fail("vaults[%d]: duplicate name %q", i, v.Name)
		}
		seen[v.Name] = true
	}

	if c.Staging.MaxSize < 0 {
		fail("staging.max_size must not be negative")
	}
	switch c.Restore.ConflictStrategy {
	case "", "rename", "overwrite", "skip":
	default:
		fail("restore.conflict_strategy %q is not one of rename, overwrite, skip", c.Restore.ConflictStrategy)
	}
	if c.Restore.FileTimeout.Duration < 0 {
		fail("restore.file_timeout must not be negative")
	}
	if c.Scanner.Type == "command" && len(c.Scanner.Command) == 0 {
		fail("scanner.command is required for a command scanner")
	}
	if c.Tokens.DefaultTTL.Duration < 0 {
		fail("tokens.default_ttl must not be negative")
	}

	return errors.Join(errs...)
}
