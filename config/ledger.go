package config

import (
	"fmt"

	"github.com/kilianp07/vpp/core/ledger"
)

// LedgerConfig defines settlement ledger storage and rotation.
type LedgerConfig struct {
	// Backend selects the store type: "memory", "jsonl" or "sqlite".
	Backend string `json:"backend"`
	// Path is the file location of the store.
	Path string `json:"path"`
	// MaxSizeMB triggers rotation when the file exceeds this size in megabytes.
	MaxSizeMB int `json:"max_size_mb"`
	// MaxBackups limits the number of rotated files to keep.
	MaxBackups int `json:"max_backups"`
	// MaxAgeDays removes rotated files older than this number of days.
	MaxAgeDays int `json:"max_age_days"`
}

// SetDefaults applies sane defaults.
func (c *LedgerConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = ledger.BackendMemory
	}
	if c.Path == "" {
		switch c.Backend {
		case ledger.BackendJSONL:
			c.Path = "settlements.jsonl"
		case ledger.BackendSQLite:
			c.Path = "settlements.db"
		}
	}
}

// Validate checks mandatory fields.
func (c LedgerConfig) Validate() error {
	switch c.Backend {
	case ledger.BackendMemory:
		return nil
	case ledger.BackendJSONL, ledger.BackendSQLite:
	default:
		return fmt.Errorf("unknown backend %s", c.Backend)
	}
	if c.Path == "" {
		return fmt.Errorf("path is required")
	}
	return nil
}

// Store converts the section into ledger options.
func (c LedgerConfig) Store() ledger.Config {
	return ledger.Config{
		Backend:    c.Backend,
		Path:       c.Path,
		MaxSizeMB:  c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAgeDays: c.MaxAgeDays,
	}
}
