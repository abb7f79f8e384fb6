package events

import (
	"fmt"

	"decoy-sentinel/internal/config"
)

// OpenPersister builds the backend named in cfg.
func OpenPersister(cfg *config.Config) (Persister, error) {
	switch cfg.StoreBackend {
	case config.BackendSQLite, "":
		return NewSqliteStore(cfg.DBPath)
	case config.BackendJSON:
		return NewJSONStore(cfg.JSONPath)
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}
