package storage

import (
	"fmt"
	"strings"

	"refreshbot/pkg/logx"
)

// Open initializes the configured store. An empty driver, "none" or
// "memory" gives a process-local store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	log = log.With(logx.String("comp", "storage"))
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "none", "memory":
		log.Warn("storage is in-memory; queue and history will not survive a restart")
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
