package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// ChainEventRepo records which block hash each indexed block number was
// processed under. Orphan detection compares these against the
// canonical chain.
type ChainEventRepo struct {
	db *DB
}

func NewChainEventRepo(db *DB) *ChainEventRepo {
	return &ChainEventRepo{db: db}
}

// RecordBlockTx pins the first hash seen for a block number. A later
// event carrying a different hash must NOT overwrite it: the mismatch
// is what orphan detection keys on, and only ReplaceBlockHash (after
// compensation) may advance the recorded hash.
func (r *ChainEventRepo) RecordBlockTx(ctx context.Context, tx *sql.Tx, blockNumber int64, blockHash string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO indexed_blocks (block_number, block_hash, indexed_at)
		VALUES ($1, $2, now())
		ON CONFLICT (block_number) DO NOTHING`,
		blockNumber, blockHash)
	if err != nil {
		return fmt.Errorf("record block %d: %w", blockNumber, err)
	}
	return nil
}

func (r *ChainEventRepo) GetRecentBlocks(ctx context.Context, limit int) (map[int64]string, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT block_number, block_hash
		FROM indexed_blocks
		ORDER BY block_number DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent blocks: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]string, limit)
	for rows.Next() {
		var (
			number int64
			hash   string
		)
		if err := rows.Scan(&number, &hash); err != nil {
			return nil, fmt.Errorf("scan indexed block: %w", err)
		}
		out[number] = hash
	}
	return out, rows.Err()
}

// ReplaceBlockHash overwrites the recorded hash after orphan
// compensation has been emitted for the stale one.
func (r *ChainEventRepo) ReplaceBlockHash(ctx context.Context, blockNumber int64, blockHash string) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		UPDATE indexed_blocks SET block_hash = $2, indexed_at = now()
		WHERE block_number = $1`, blockNumber, blockHash)
	if err != nil {
		return fmt.Errorf("replace block hash %d: %w", blockNumber, err)
	}
	return nil
}
