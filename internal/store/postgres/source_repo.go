package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/reservoirprotocol/indexer-go/internal/domain/model"
)

type SourceRepo struct {
	db *DB
}

func NewSourceRepo(db *DB) *SourceRepo {
	return &SourceRepo{db: db}
}

func (r *SourceRepo) GetByDomain(ctx context.Context, domain string) (*model.Source, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var s model.Source
	err := r.db.QueryRowContext(ctx, `
		SELECT id, domain, name, icon, created_at
		FROM sources WHERE domain = $1`, domain,
	).Scan(&s.ID, &s.Domain, &s.Name, &s.Icon, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get source %s: %w", domain, err)
	}
	return &s, nil
}

func (r *SourceRepo) Upsert(ctx context.Context, s *model.Source) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sources (id, domain, name, icon, created_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (domain) DO UPDATE
		SET name = EXCLUDED.name, icon = EXCLUDED.icon
		WHERE sources.name IS DISTINCT FROM EXCLUDED.name
		   OR sources.icon IS DISTINCT FROM EXCLUDED.icon`,
		s.ID, s.Domain, s.Name, s.Icon)
	if err != nil {
		return fmt.Errorf("upsert source %s: %w", s.Domain, err)
	}
	return nil
}

func (r *SourceRepo) All(ctx context.Context) ([]model.Source, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx,
		"SELECT id, domain, name, icon, created_at FROM sources ORDER BY domain")
	if err != nil {
		return nil, fmt.Errorf("query sources: %w", err)
	}
	defer rows.Close()

	var out []model.Source
	for rows.Next() {
		var s model.Source
		if err := rows.Scan(&s.ID, &s.Domain, &s.Name, &s.Icon, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
