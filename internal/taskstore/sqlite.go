package taskstore

import (
	_ "github.com/mattn/go-sqlite3"

	"github.com/rosterlabs/roster/internal/config"
	"github.com/rosterlabs/roster/internal/fault"
)

func init() {
	Register("sqlite", openSQLite)
}

// openSQLite opens the embedded single-file back-end. The busy timeout
// covers the brief window where the scheduler and the HTTP API write
// concurrently.
func openSQLite(cfg config.StoreConfig) (Store, error) {
	if cfg.Path == "" {
		return nil, fault.New(fault.ConfigInvalid, "taskstore: sqlite requires a path")
	}
	return newSQLStore("sqlite3", "sqlite", cfg.Path+"?_busy_timeout=5000&_journal_mode=WAL")
}
