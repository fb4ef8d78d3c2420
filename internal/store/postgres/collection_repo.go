package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

type CollectionRepo struct {
	db *DB
}

func NewCollectionRepo(db *DB) *CollectionRepo {
	return &CollectionRepo{db: db}
}

// TokenCount returns the collection's token count, used to scale
// revalidation scheduling for large collections.
func (r *CollectionRepo) TokenCount(ctx context.Context, contract string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var count int64
	err := r.db.QueryRowContext(ctx,
		"SELECT COALESCE(token_count, 0) FROM collections WHERE contract = $1",
		strings.ToLower(contract),
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("token count %s: %w", contract, err)
	}
	return count, nil
}
