package taskstore

import (
	_ "github.com/lib/pq"

	"github.com/rosterlabs/roster/internal/config"
	"github.com/rosterlabs/roster/internal/fault"
)

func init() {
	Register("postgres", openPostgres)
}

func openPostgres(cfg config.StoreConfig) (Store, error) {
	if cfg.DSN == "" {
		return nil, fault.New(fault.ConfigInvalid, "taskstore: postgres requires a dsn")
	}
	return newSQLStore("postgres", "postgres", cfg.DSN)
}
