package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/reservoirprotocol/indexer-go/internal/domain/model"
)

type FeeRecipientRepo struct {
	db *DB
}

func NewFeeRecipientRepo(db *DB) *FeeRecipientRepo {
	return &FeeRecipientRepo{db: db}
}

func (r *FeeRecipientRepo) GetByAddress(ctx context.Context, address string) (*model.FeeRecipient, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var fr model.FeeRecipient
	err := r.db.QueryRowContext(ctx, `
		SELECT address, kind, source_id, created_at
		FROM fee_recipients WHERE address = $1`, strings.ToLower(address),
	).Scan(&fr.Address, &fr.Kind, &fr.SourceID, &fr.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get fee recipient %s: %w", address, err)
	}
	return &fr, nil
}

func (r *FeeRecipientRepo) Upsert(ctx context.Context, fr *model.FeeRecipient) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO fee_recipients (address, kind, source_id, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (address) DO UPDATE
		SET kind = EXCLUDED.kind, source_id = EXCLUDED.source_id
		WHERE fee_recipients.kind IS DISTINCT FROM EXCLUDED.kind
		   OR fee_recipients.source_id IS DISTINCT FROM EXCLUDED.source_id`,
		strings.ToLower(fr.Address), fr.Kind, fr.SourceID)
	if err != nil {
		return fmt.Errorf("upsert fee recipient %s: %w", fr.Address, err)
	}
	return nil
}

func (r *FeeRecipientRepo) All(ctx context.Context) ([]model.FeeRecipient, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx,
		"SELECT address, kind, source_id, created_at FROM fee_recipients")
	if err != nil {
		return nil, fmt.Errorf("query fee recipients: %w", err)
	}
	defer rows.Close()

	var out []model.FeeRecipient
	for rows.Next() {
		var fr model.FeeRecipient
		if err := rows.Scan(&fr.Address, &fr.Kind, &fr.SourceID, &fr.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan fee recipient: %w", err)
		}
		out = append(out, fr)
	}
	return out, rows.Err()
}
