package storage

import (
	"context"
	"log/slog"

	"github.com/bdougie/scenewatch/internal/config"
)

// Open builds the configured stores. The description log is always the
// primary; SQLite and Postgres are added as mirrors when configured. dim is
// the embedding width used for the Postgres vector column.
func Open(ctx context.Context, cfg config.StorageConfig, dim int, logger *slog.Logger) (Store, error) {
	primary, err := NewJSONLog(cfg.LogPath, cfg.Format)
	if err != nil {
		return nil, err
	}

	var mirrors []Store
	closeAll := func() {
		primary.Close()
		for _, m := range mirrors {
			m.Close()
		}
	}

	// Postgres goes first so its vector index serves similarity search
	if cfg.PostgresDSN != "" {
		p, err := NewPostgres(ctx, cfg.PostgresDSN, dim)
		if err != nil {
			closeAll()
			return nil, err
		}
		mirrors = append(mirrors, p)
	}
	if cfg.SQLitePath != "" {
		s, err := NewSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			closeAll()
			return nil, err
		}
		mirrors = append(mirrors, s)
	}

	if len(mirrors) == 0 {
		return primary, nil
	}
	return NewMulti(logger, primary, mirrors...), nil
}
