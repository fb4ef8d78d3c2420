// Package refcache caches slow-changing reference data (sources, fee
// recipient classifications) in front of the database, with cross
// instance invalidation over Redis pub/sub.
package refcache

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/reservoirprotocol/indexer-go/internal/domain/model"
	"github.com/reservoirprotocol/indexer-go/internal/store"
)

const (
	invalidateChannel = "refcache:invalidate"

	cacheCapacity = 4096
	cacheTTL      = 10 * time.Minute
)

// negative is the cached marker for a confirmed miss, so unknown
// addresses do not hammer the database on every event.
type cachedRecipient struct {
	recipient *model.FeeRecipient
}

type cachedSource struct {
	source *model.Source
}

type Cache struct {
	sources    store.SourceRepository
	recipients store.FeeRecipientRepository
	rdb        *redis.Client
	logger     *slog.Logger

	sourceByDomain  *lru[string, cachedSource]
	recipientByAddr *lru[string, cachedRecipient]
}

func New(sources store.SourceRepository, recipients store.FeeRecipientRepository, rdb *redis.Client, logger *slog.Logger) *Cache {
	return &Cache{
		sources:         sources,
		recipients:      recipients,
		rdb:             rdb,
		logger:          logger.With("component", "refcache"),
		sourceByDomain:  newLRU[string, cachedSource](cacheCapacity, cacheTTL),
		recipientByAddr: newLRU[string, cachedRecipient](cacheCapacity, cacheTTL),
	}
}

// Resolve implements normalizer.SourceResolver.
func (c *Cache) Resolve(ctx context.Context, domain string) (*model.Source, error) {
	domain = strings.ToLower(domain)
	if cached, ok := c.sourceByDomain.Get(domain); ok {
		return cached.source, nil
	}

	src, err := c.sources.GetByDomain(ctx, domain)
	if err != nil {
		return nil, err
	}
	c.sourceByDomain.Put(domain, cachedSource{source: src})
	return src, nil
}

// Classify implements normalizer.FeeClassifier.
func (c *Cache) Classify(ctx context.Context, address string) (model.FeeRecipientKind, bool, error) {
	address = strings.ToLower(address)
	if cached, ok := c.recipientByAddr.Get(address); ok {
		if cached.recipient == nil {
			return "", false, nil
		}
		return cached.recipient.Kind, true, nil
	}

	fr, err := c.recipients.GetByAddress(ctx, address)
	if err != nil {
		return "", false, err
	}
	c.recipientByAddr.Put(address, cachedRecipient{recipient: fr})
	if fr == nil {
		return "", false, nil
	}
	return fr.Kind, true, nil
}

// Invalidate drops local entries and tells the other instances to do
// the same. key is "source:<domain>", "recipient:<address>", or "*".
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	c.apply(key)
	if c.rdb == nil {
		return nil
	}
	return c.rdb.Publish(ctx, invalidateChannel, key).Err()
}

// Run subscribes to the invalidation channel until ctx ends.
func (c *Cache) Run(ctx context.Context) error {
	if c.rdb == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	sub := c.rdb.Subscribe(ctx, invalidateChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("invalidation subscription closed")
			}
			c.apply(msg.Payload)
		}
	}
}

func (c *Cache) apply(key string) {
	switch {
	case key == "*":
		c.sourceByDomain.Purge()
		c.recipientByAddr.Purge()
	case strings.HasPrefix(key, "source:"):
		c.sourceByDomain.Delete(strings.TrimPrefix(key, "source:"))
	case strings.HasPrefix(key, "recipient:"):
		c.recipientByAddr.Delete(strings.TrimPrefix(key, "recipient:"))
	default:
		c.logger.Warn("unrecognized invalidation key", "key", key)
	}
}
