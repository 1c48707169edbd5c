package store

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// NewStore picks the backend: PostgreSQL when databaseURL is set, SQLite
// when sqlitePath is set, otherwise an in-process store.
func NewStore(ctx context.Context, databaseURL, sqlitePath string) (Store, error) {
	if strings.TrimSpace(databaseURL) != "" {
		return NewPostgresStore(ctx, databaseURL)
	}
	if strings.TrimSpace(sqlitePath) != "" {
		return NewSQLiteStore(ctx, sqlitePath)
	}
	return NewInMemoryStore(), nil
}

func newID() string { return uuid.NewString() }
