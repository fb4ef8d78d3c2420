package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/reservoirprotocol/indexer-go/internal/domain/event"
	"github.com/reservoirprotocol/indexer-go/internal/domain/model"
	"github.com/reservoirprotocol/indexer-go/internal/store"
)

type OrderRepo struct {
	db *DB
}

func NewOrderRepo(db *DB) *OrderRepo {
	return &OrderRepo{db: db}
}

const orderColumns = `
	id, kind, side, maker, contract, token_id, token_set_id,
	currency, price, currency_price, value, normalized_value, usd_price,
	fee_breakdown, missing_royalties,
	fillability_status, approval_status,
	quantity_filled, quantity_remaining,
	valid_from, valid_until,
	nonce, master_nonce, source_id,
	block_number, log_index,
	created_at, updated_at`

// UpsertTx merges the record into the stored order under a row lock and
// writes only the columns that actually changed. Concurrent upserts for
// the same id serialize on FOR UPDATE; a redelivered event merges to an
// identical row and reports NoOp.
func (r *OrderRepo) UpsertTx(ctx context.Context, tx *sql.Tx, rec *event.NormalizedRecord) (store.UpsertResult, error) {
	if rec.Order == nil {
		return store.UpsertResult{}, fmt.Errorf("record has no order state")
	}

	existing, err := r.getForUpdate(ctx, tx, rec.Order.ID)
	if err != nil {
		return store.UpsertResult{}, err
	}

	now := time.Now().UTC()
	merged, changed, err := store.MergeOrder(existing, rec, now)
	if err != nil {
		return store.UpsertResult{}, fmt.Errorf("merge order %s: %w", rec.Order.ID, err)
	}

	if existing == nil {
		if err := r.insert(ctx, tx, &merged); err != nil {
			return store.UpsertResult{}, err
		}
		return store.UpsertResult{After: merged, Inserted: true}, nil
	}

	if len(changed) == 0 {
		return store.UpsertResult{Before: existing, After: merged, NoOp: true}, nil
	}

	if err := r.update(ctx, tx, &merged); err != nil {
		return store.UpsertResult{}, err
	}
	return store.UpsertResult{Before: existing, After: merged, Changed: changed}, nil
}

func (r *OrderRepo) getForUpdate(ctx context.Context, tx *sql.Tx, id string) (*model.Order, error) {
	row := tx.QueryRowContext(ctx,
		"SELECT"+orderColumns+" FROM orders WHERE id = $1 FOR UPDATE", id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock order %s: %w", id, err)
	}
	return o, nil
}

func (r *OrderRepo) insert(ctx context.Context, tx *sql.Tx, o *model.Order) error {
	fees, royalties, err := encodeFees(o)
	if err != nil {
		return err
	}

	// ON CONFLICT DO NOTHING covers the race where two transactions both
	// saw no row; the loser's event is redelivered and merges normally.
	res, err := tx.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28)
		ON CONFLICT (id) DO NOTHING`,
		o.ID, o.Kind, o.Side, o.Maker, o.Contract, o.TokenID, o.TokenSetID,
		o.Currency, o.Price, o.CurrencyPrice, o.Value, o.NormalizedValue, usdPriceArg(o),
		fees, royalties,
		o.FillabilityStatus, o.ApprovalStatus,
		o.QuantityFilled, o.QuantityRemaining,
		o.ValidFrom, o.ValidUntil,
		o.Nonce, o.MasterNonce, o.SourceID,
		o.BlockNumber, o.LogIndex,
		o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order %s: %w", o.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("insert order %s: concurrent insert won the race", o.ID)
	}
	return nil
}

func (r *OrderRepo) update(ctx context.Context, tx *sql.Tx, o *model.Order) error {
	fees, royalties, err := encodeFees(o)
	if err != nil {
		return err
	}

	// IS DISTINCT FROM guards keep already-current columns untouched so
	// redundant updates do not churn row versions.
	_, err = tx.ExecContext(ctx, `
		UPDATE orders SET
			currency           = CASE WHEN currency           IS DISTINCT FROM $2  THEN $2  ELSE currency           END,
			price              = CASE WHEN price              IS DISTINCT FROM $3  THEN $3  ELSE price              END,
			currency_price     = CASE WHEN currency_price     IS DISTINCT FROM $4  THEN $4  ELSE currency_price     END,
			value              = CASE WHEN value              IS DISTINCT FROM $5  THEN $5  ELSE value              END,
			normalized_value   = CASE WHEN normalized_value   IS DISTINCT FROM $6  THEN $6  ELSE normalized_value   END,
			usd_price          = CASE WHEN usd_price          IS DISTINCT FROM $7  THEN $7  ELSE usd_price          END,
			fee_breakdown      = CASE WHEN fee_breakdown      IS DISTINCT FROM $8  THEN $8  ELSE fee_breakdown      END,
			missing_royalties  = CASE WHEN missing_royalties  IS DISTINCT FROM $9  THEN $9  ELSE missing_royalties  END,
			fillability_status = CASE WHEN fillability_status IS DISTINCT FROM $10 THEN $10 ELSE fillability_status END,
			approval_status    = CASE WHEN approval_status    IS DISTINCT FROM $11 THEN $11 ELSE approval_status    END,
			quantity_filled    = CASE WHEN quantity_filled    IS DISTINCT FROM $12 THEN $12 ELSE quantity_filled    END,
			quantity_remaining = CASE WHEN quantity_remaining IS DISTINCT FROM $13 THEN $13 ELSE quantity_remaining END,
			valid_from         = CASE WHEN valid_from         IS DISTINCT FROM $14 THEN $14 ELSE valid_from         END,
			valid_until        = CASE WHEN valid_until        IS DISTINCT FROM $15 THEN $15 ELSE valid_until        END,
			nonce              = CASE WHEN nonce              IS DISTINCT FROM $16 THEN $16 ELSE nonce              END,
			master_nonce       = CASE WHEN master_nonce       IS DISTINCT FROM $17 THEN $17 ELSE master_nonce       END,
			source_id          = CASE WHEN source_id          IS DISTINCT FROM $18 THEN $18 ELSE source_id          END,
			block_number       = CASE WHEN block_number       IS DISTINCT FROM $19 THEN $19 ELSE block_number       END,
			log_index          = CASE WHEN log_index          IS DISTINCT FROM $20 THEN $20 ELSE log_index          END,
			updated_at         = $21
		WHERE id = $1`,
		o.ID,
		o.Currency, o.Price, o.CurrencyPrice, o.Value, o.NormalizedValue, usdPriceArg(o),
		fees, royalties,
		o.FillabilityStatus, o.ApprovalStatus,
		o.QuantityFilled, o.QuantityRemaining,
		o.ValidFrom, o.ValidUntil,
		o.Nonce, o.MasterNonce, o.SourceID,
		o.BlockNumber, o.LogIndex,
		o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update order %s: %w", o.ID, err)
	}
	return nil
}

func (r *OrderRepo) GetByID(ctx context.Context, id string) (*model.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx,
		"SELECT"+orderColumns+" FROM orders WHERE id = $1", id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return o, nil
}

func (r *OrderRepo) GetByMaker(ctx context.Context, maker string, statuses []model.FillabilityStatus) ([]model.Order, error) {
	return r.query(ctx,
		"SELECT"+orderColumns+" FROM orders WHERE maker = $1 AND fillability_status = ANY($2) ORDER BY created_at",
		maker, statusArray(statuses))
}

func (r *OrderRepo) GetByContract(ctx context.Context, contract string, statuses []model.FillabilityStatus) ([]model.Order, error) {
	return r.query(ctx,
		"SELECT"+orderColumns+" FROM orders WHERE contract = $1 AND fillability_status = ANY($2) ORDER BY created_at",
		contract, statusArray(statuses))
}

// GetByBlockRange returns every order anchored to the block range,
// regardless of status. Reorg compensation needs terminal orders too:
// a fill recorded on an orphaned block must be re-examined.
func (r *OrderRepo) GetByBlockRange(ctx context.Context, fromBlock, toBlock int64) ([]model.Order, error) {
	return r.query(ctx,
		"SELECT"+orderColumns+` FROM orders
		 WHERE block_number >= $1 AND block_number <= $2
		 ORDER BY block_number, log_index`,
		fromBlock, toBlock)
}

// GetExpiredFillable returns fillable orders whose validity window has
// closed. ValidUntil zero means no expiry and is excluded.
func (r *OrderRepo) GetExpiredFillable(ctx context.Context, nowUnix int64, limit int) ([]model.Order, error) {
	return r.query(ctx,
		"SELECT"+orderColumns+` FROM orders
		 WHERE fillability_status = 'fillable'
		   AND valid_until > 0 AND valid_until <= $1
		 ORDER BY valid_until
		 LIMIT $2`,
		nowUnix, limit)
}

func (r *OrderRepo) query(ctx context.Context, q string, args ...any) ([]model.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var out []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*model.Order, error) {
	var (
		o         model.Order
		usd       sql.NullString
		fees      []byte
		royalties []byte
	)
	err := row.Scan(
		&o.ID, &o.Kind, &o.Side, &o.Maker, &o.Contract, &o.TokenID, &o.TokenSetID,
		&o.Currency, &o.Price, &o.CurrencyPrice, &o.Value, &o.NormalizedValue, &usd,
		&fees, &royalties,
		&o.FillabilityStatus, &o.ApprovalStatus,
		&o.QuantityFilled, &o.QuantityRemaining,
		&o.ValidFrom, &o.ValidUntil,
		&o.Nonce, &o.MasterNonce, &o.SourceID,
		&o.BlockNumber, &o.LogIndex,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if usd.Valid {
		d, err := decimal.NewFromString(usd.String)
		if err != nil {
			return nil, fmt.Errorf("parse usd_price: %w", err)
		}
		o.USDPrice = &d
	}
	if len(fees) > 0 {
		if err := json.Unmarshal(fees, &o.FeeBreakdown); err != nil {
			return nil, fmt.Errorf("decode fee_breakdown: %w", err)
		}
	}
	if len(royalties) > 0 {
		if err := json.Unmarshal(royalties, &o.MissingRoyalties); err != nil {
			return nil, fmt.Errorf("decode missing_royalties: %w", err)
		}
	}
	return &o, nil
}

func encodeFees(o *model.Order) ([]byte, []byte, error) {
	fees, err := json.Marshal(o.FeeBreakdown)
	if err != nil {
		return nil, nil, fmt.Errorf("encode fee_breakdown: %w", err)
	}
	royalties, err := json.Marshal(o.MissingRoyalties)
	if err != nil {
		return nil, nil, fmt.Errorf("encode missing_royalties: %w", err)
	}
	return fees, royalties, nil
}

func usdPriceArg(o *model.Order) any {
	if o.USDPrice == nil {
		return nil
	}
	return o.USDPrice.String()
}

func statusArray(statuses []model.FillabilityStatus) any {
	ss := make([]string, len(statuses))
	for i, s := range statuses {
		ss[i] = string(s)
	}
	return pq.Array(ss)
}
