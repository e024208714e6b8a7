package main

import (
	"context"

	"github.com/Choapinus/ape/internal/storage"
)

// openStore opens the SQLite-backed session store at path, applying
// its idempotent schema migration. Shared by the serve and migrate
// command groups so both agree on how the store is constructed.
func openStore(ctx context.Context, path string) (*storage.Store, error) {
	return storage.Open(ctx, storage.DefaultConfig(path))
}
