package app

import (
	"fmt"

	"tgrelay/internal/config"
	"tgrelay/internal/storage"
	logx "tgrelay/pkg/logx"
)

// openStore maps the storage section onto a driver and opens it.
func openStore(cfg *config.Config, log logx.Logger) (storage.Store, storage.Config, error) {
	sc, err := cfg.StorageSettings()
	if err != nil {
		return nil, storage.Config{}, err
	}
	if sc.Driver == "" {
		sc.Driver = "file"
	}
	if (sc.Driver == "sqlite" || sc.Driver == "sqlite3") && sc.Path == "" {
		return nil, storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=%s", sc.Driver)
	}
	st, err := storage.Open(sc, log)
	if err != nil {
		return nil, storage.Config{}, fmt.Errorf("open storage: %w", err)
	}
	return st, sc, nil
}
