// Package store defines the persistence interfaces the pipeline writes
// through. Implementations live in the postgres and redis subpackages.
package store

import (
	"context"
	"database/sql"

	"github.com/reservoirprotocol/indexer-go/internal/domain/event"
	"github.com/reservoirprotocol/indexer-go/internal/domain/model"
)

// TxBeginner abstracts the ability to begin a database transaction.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// UpsertResult describes the outcome of an order upsert: the state
// before and after, and the exact columns that changed. NoOp upserts
// produce no downstream publish.
type UpsertResult struct {
	Before   *model.Order
	After    model.Order
	Changed  []string
	Inserted bool
	NoOp     bool
}

// OrderRepository provides access to canonical orders. Upserts run
// inside the caller's transaction so order and activity writes commit
// atomically.
type OrderRepository interface {
	UpsertTx(ctx context.Context, tx *sql.Tx, rec *event.NormalizedRecord) (UpsertResult, error)
	GetByID(ctx context.Context, id string) (*model.Order, error)
	GetByMaker(ctx context.Context, maker string, statuses []model.FillabilityStatus) ([]model.Order, error)
	GetByContract(ctx context.Context, contract string, statuses []model.FillabilityStatus) ([]model.Order, error)
	GetByBlockRange(ctx context.Context, fromBlock, toBlock int64) ([]model.Order, error)
	GetExpiredFillable(ctx context.Context, nowUnix int64, limit int) ([]model.Order, error)
}

// ActivityRepository provides access to the activity feed. The feed is
// append-only except for DeleteByBlockHash, which exists solely for
// orphan-block compensation.
type ActivityRepository interface {
	InsertTx(ctx context.Context, tx *sql.Tx, a *model.Activity) (inserted bool, err error)
	GetByCollection(ctx context.Context, collectionID string, types []model.ActivityType, limit int) ([]model.Activity, error)
	UpdateMetadata(ctx context.Context, id string, tokenName, tokenImage, collectionName, collectionImage string) error
	DeleteByBlockHash(ctx context.Context, blockNumber int64, blockHash string) ([]string, error)
}

// ChainEventRepository tracks indexed block hashes for orphan detection.
type ChainEventRepository interface {
	RecordBlockTx(ctx context.Context, tx *sql.Tx, blockNumber int64, blockHash string) error
	GetRecentBlocks(ctx context.Context, limit int) (map[int64]string, error)
	ReplaceBlockHash(ctx context.Context, blockNumber int64, blockHash string) error
}

// SourceRepository provides access to marketplace source attribution.
type SourceRepository interface {
	GetByDomain(ctx context.Context, domain string) (*model.Source, error)
	Upsert(ctx context.Context, s *model.Source) error
	All(ctx context.Context) ([]model.Source, error)
}

// FeeRecipientRepository classifies fee payout addresses.
type FeeRecipientRepository interface {
	GetByAddress(ctx context.Context, address string) (*model.FeeRecipient, error)
	Upsert(ctx context.Context, fr *model.FeeRecipient) error
	All(ctx context.Context) ([]model.FeeRecipient, error)
}

// CollectionRepository exposes the collection facts revalidation needs.
type CollectionRepository interface {
	TokenCount(ctx context.Context, contract string) (int64, error)
}
