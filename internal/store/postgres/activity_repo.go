package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/reservoirprotocol/indexer-go/internal/domain/model"
)

type ActivityRepo struct {
	db *DB
}

func NewActivityRepo(db *DB) *ActivityRepo {
	return &ActivityRepo{db: db}
}

// InsertTx appends the activity. The feed is append-only and the id is
// deterministic, so a duplicate delivery conflicts on id and reports
// inserted=false without touching the row.
func (r *ActivityRepo) InsertTx(ctx context.Context, tx *sql.Tx, a *model.Activity) (bool, error) {
	var pricing []byte
	if a.Pricing != nil {
		var err error
		pricing, err = json.Marshal(a.Pricing)
		if err != nil {
			return false, fmt.Errorf("encode pricing: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO activities (
			id, type, from_address, to_address, contract, token_id, collection_id,
			pricing, token_name, token_image, collection_name, collection_image,
			tx_hash, log_index, batch_index, block_hash, block_number,
			order_id, timestamp, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,now())
		ON CONFLICT (id) DO NOTHING`,
		a.ID, a.Type, a.FromAddress, a.ToAddress, a.Contract, a.TokenID, a.CollectionID,
		pricing, a.TokenName, a.TokenImage, a.CollectionName, a.CollectionImage,
		a.TxHash, a.LogIndex, a.BatchIndex, a.BlockHash, a.BlockNumber,
		a.OrderID, a.Timestamp,
	)
	if err != nil {
		return false, fmt.Errorf("insert activity %s: %w", a.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert activity %s: rows affected: %w", a.ID, err)
	}
	return n > 0, nil
}

func (r *ActivityRepo) GetByCollection(ctx context.Context, collectionID string, types []model.ActivityType, limit int) ([]model.Activity, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	ts := make([]string, len(types))
	for i, t := range types {
		ts[i] = string(t)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, type, from_address, to_address, contract, token_id, collection_id,
		       pricing, token_name, token_image, collection_name, collection_image,
		       tx_hash, log_index, batch_index, block_hash, block_number,
		       order_id, timestamp, created_at
		FROM activities
		WHERE collection_id = $1 AND ($2 = '{}' OR type = ANY($2))
		ORDER BY timestamp DESC, log_index DESC, batch_index DESC
		LIMIT $3`,
		collectionID, pq.Array(ts), limit)
	if err != nil {
		return nil, fmt.Errorf("query activities: %w", err)
	}
	defer rows.Close()

	var out []model.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// UpdateMetadata backfills denormalized display fields. Pricing and the
// event reference stay immutable.
func (r *ActivityRepo) UpdateMetadata(ctx context.Context, id string, tokenName, tokenImage, collectionName, collectionImage string) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		UPDATE activities SET
			token_name       = CASE WHEN token_name       IS DISTINCT FROM $2 THEN $2 ELSE token_name       END,
			token_image      = CASE WHEN token_image      IS DISTINCT FROM $3 THEN $3 ELSE token_image      END,
			collection_name  = CASE WHEN collection_name  IS DISTINCT FROM $4 THEN $4 ELSE collection_name  END,
			collection_image = CASE WHEN collection_image IS DISTINCT FROM $5 THEN $5 ELSE collection_image END
		WHERE id = $1`,
		id, tokenName, tokenImage, collectionName, collectionImage)
	if err != nil {
		return fmt.Errorf("update activity metadata %s: %w", id, err)
	}
	return nil
}

// DeleteByBlockHash removes activities recorded under an orphaned block
// hash and returns their ids so downstream indexes can be purged too.
// Activities are otherwise append-only; this is the one deletion path.
func (r *ActivityRepo) DeleteByBlockHash(ctx context.Context, blockNumber int64, blockHash string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		DELETE FROM activities
		WHERE block_number = $1 AND block_hash = $2
		RETURNING id`,
		blockNumber, blockHash)
	if err != nil {
		return nil, fmt.Errorf("delete activities for block %d: %w", blockNumber, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan deleted activity id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanActivity(row rowScanner) (*model.Activity, error) {
	var (
		a       model.Activity
		pricing []byte
	)
	err := row.Scan(
		&a.ID, &a.Type, &a.FromAddress, &a.ToAddress, &a.Contract, &a.TokenID, &a.CollectionID,
		&pricing, &a.TokenName, &a.TokenImage, &a.CollectionName, &a.CollectionImage,
		&a.TxHash, &a.LogIndex, &a.BatchIndex, &a.BlockHash, &a.BlockNumber,
		&a.OrderID, &a.Timestamp, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(pricing) > 0 {
		a.Pricing = &model.ActivityPricing{}
		if err := json.Unmarshal(pricing, a.Pricing); err != nil {
			return nil, fmt.Errorf("decode pricing: %w", err)
		}
	}
	return &a, nil
}
