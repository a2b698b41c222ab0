package store

import (
	"context"
	"strings"
)

// New creates a postgres-backed store when configured, otherwise in-memory.
func New(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemory(), nil
	}
	return NewPostgres(ctx, databaseURL)
}
