package state

import (
	"fmt"
	"io"

	"github.com/HexSleeves/parley/internal/config"
	"github.com/HexSleeves/parley/internal/conversation"
)

// Open builds the store selected by cfg.Driver. The returned closer releases
// the database handle; it is a no-op for the other drivers.
func Open(cfg config.StoreConfig) (conversation.Store, io.Closer, error) {
	switch cfg.Driver {
	case config.StoreSQLite, "":
		s, err := NewSQLiteStore(cfg.Dir)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case config.StoreFile:
		s, err := NewFileStore(cfg.Dir)
		if err != nil {
			return nil, nil, err
		}
		return s, io.NopCloser(nil), nil
	case config.StoreMemory:
		return NewMemoryStore(), io.NopCloser(nil), nil
	}
	return nil, nil, fmt.Errorf("state: unknown store driver %q", cfg.Driver)
}
