package sessions

import (
	"strings"
	"time"
)

// BackendConfig is the subset of database configuration needed to pick and
// open a Conversation Store backend. It mirrors config.DatabaseConfig so
// callers (the gateway daemon, CLI admin commands) don't need to import
// internal/config just to open a store.
type BackendConfig struct {
	URL             string
	Path            string
	MaxConnections  int
	ConnMaxLifetime time.Duration
}

// OpenStore picks the Conversation Store backend per spec 6.5: a sqlite
// file under the daemon's state directory by default, opting into
// CockroachStore only when a database URL is explicitly configured. Every
// entry point that opens a session store - the gateway daemon and the CLI's
// admin/migration commands alike - must go through this so the CLI never
// silently falls back to Postgres when the daemon is running on sqlite.
func OpenStore(cfg BackendConfig) (Store, error) {
	if strings.TrimSpace(cfg.URL) != "" {
		poolCfg := DefaultCockroachConfig()
		if cfg.MaxConnections > 0 {
			poolCfg.MaxOpenConns = cfg.MaxConnections
		}
		if cfg.ConnMaxLifetime > 0 {
			poolCfg.ConnMaxLifetime = cfg.ConnMaxLifetime
		}
		return NewCockroachStoreFromDSN(cfg.URL, poolCfg)
	}

	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "openpista.db"
	}
	return NewSQLiteStore(&SQLiteConfig{Path: path, BusyTimeout: 5 * time.Second})
}

// OpenCockroachOrSQLite is a typed variant of OpenStore for callers that
// specifically need CockroachStore's branch/migration surface and only fall
// back to sqlite when no database URL is configured. It returns the
// concrete *CockroachStore plus ok=false when the backend resolved to
// sqlite instead, so callers can report "this command requires
// database.url" rather than silently operating on the wrong store.
func OpenCockroachOrSQLite(cfg BackendConfig) (store Store, isCockroach bool, err error) {
	store, err = OpenStore(cfg)
	if err != nil {
		return nil, false, err
	}
	_, isCockroach = store.(*CockroachStore)
	return store, isCockroach, nil
}
