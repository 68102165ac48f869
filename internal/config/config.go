// Package config captures and validates the agent's startup flags.
// Grounded on spec.md §6's CLI flag contract, extended with the ambient
// flags SPEC_FULL.md §10 adds (worker pool size, admin address, log
// level).
package config

import (
	"fmt"
	"os"
)

// Config is the fully validated set of startup parameters.
type Config struct {
	Namespace      string
	Dir            string
	APIServer      string
	Host           string
	WorkerPoolSize int
	AdminAddr      string
	LogLevel       string
}

// Validate enforces spec.md §6's required-flag contract and the
// filesystem precondition that Dir must exist and be a directory. A
// validation failure is a startup configuration failure (spec.md §6:
// "Exit codes: 0 on clean shutdown, nonzero on startup configuration
// failure").
func (c Config) Validate() error {
	if c.Namespace == "" {
		return fmt.Errorf("config: --namespace is required")
	}
	if c.Dir == "" {
		return fmt.Errorf("config: --dir is required")
	}
	if c.APIServer == "" {
		return fmt.Errorf("config: --api-server is required")
	}
	if c.Host == "" {
		return fmt.Errorf("config: --host is required")
	}
	info, err := os.Stat(c.Dir)
	if err != nil {
		return fmt.Errorf("config: --dir %q: %w", c.Dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("config: --dir %q is not a directory", c.Dir)
	}
	if c.WorkerPoolSize <= 0 {
		return fmt.Errorf("config: --worker-pool-size must be positive, got %d", c.WorkerPoolSize)
	}
	if c.AdminAddr == "" {
		return fmt.Errorf("config: --admin-addr is required")
	}
	return nil
}
