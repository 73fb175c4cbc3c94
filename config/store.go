package config

import "fmt"

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Backend selects the store type: "memory" or "postgres".
	Backend string `json:"backend"`
	// DSN is the Postgres connection string. Required for the postgres backend.
	DSN string `json:"dsn"`
	// Migrate creates the schema on startup when true.
	Migrate bool `json:"migrate"`
}

// SetDefaults applies sane defaults.
func (c *StoreConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "memory"
	}
}

// Validate checks mandatory fields.
func (c StoreConfig) Validate() error {
	switch c.Backend {
	case "memory":
		return nil
	case "postgres":
		if c.DSN == "" {
			return fmt.Errorf("postgres backend requires dsn")
		}
		return nil
	default:
		return fmt.Errorf("unknown backend %s", c.Backend)
	}
}
