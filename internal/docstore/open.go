package docstore

import (
	"context"
	"fmt"

	"github.com/Spok95/healthed-server/internal/config"
)

// Open выбирает бэкенд по конфигурации.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Docstore {
	case config.DocstoreMemory:
		return NewMemStore(), nil
	case config.DocstorePostgres:
		var pg *PGStore
		pg, err = OpenPostgres(ctx, cfg.DocstoreURL)
		s = pg
	case config.DocstoreMongo:
		var mg *MongoStore
		mg, err = OpenMongo(ctx, cfg.DocstoreURL, cfg.MongoDB, cfg.UsersCollection)
		s = mg
	case config.DocstoreFirestore:
		var fs *FirestoreStore
		fs, err = OpenFirestore(ctx, cfg.FirestoreProject, cfg.FirestoreCredentials, cfg.UsersCollection)
		s = fs
	default:
		return nil, fmt.Errorf("unknown docstore backend %q", cfg.Docstore)
	}
	if err != nil {
		return nil, fmt.Errorf("docstore %s: %w", cfg.Docstore, err)
	}
	return s, nil
}
