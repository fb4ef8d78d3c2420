package refcache

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reservoirprotocol/indexer-go/internal/domain/model"
)

func TestLRU(t *testing.T) {
	c := newLRU[string, int](2, time.Minute)

	c.Put("a", 1)
	c.Put("b", 2)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	// "b" is now the oldest entry and gets evicted.
	c.Put("c", 3)
	_, ok = c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)

	c.Delete("a")
	_, ok = c.Get("a")
	assert.False(t, ok)
}

func TestLRU_TTL(t *testing.T) {
	c := newLRU[string, int](4, time.Minute)
	now := time.Unix(1700000000, 0)
	c.nowFn = func() time.Time { return now }

	c.Put("a", 1)
	_, ok := c.Get("a")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok)
}

type fakeSources struct {
	calls   int
	sources map[string]*model.Source
}

func (f *fakeSources) GetByDomain(_ context.Context, domain string) (*model.Source, error) {
	f.calls++
	return f.sources[domain], nil
}
func (f *fakeSources) Upsert(context.Context, *model.Source) error { return nil }
func (f *fakeSources) All(context.Context) ([]model.Source, error) { return nil, nil }

type fakeRecipients struct {
	calls      int
	recipients map[string]*model.FeeRecipient
}

func (f *fakeRecipients) GetByAddress(_ context.Context, address string) (*model.FeeRecipient, error) {
	f.calls++
	return f.recipients[address], nil
}
func (f *fakeRecipients) Upsert(context.Context, *model.FeeRecipient) error { return nil }
func (f *fakeRecipients) All(context.Context) ([]model.FeeRecipient, error) { return nil, nil }

func newTestCache(sources *fakeSources, recipients *fakeRecipients) *Cache {
	return New(sources, recipients, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestCache_ResolveCachesHits(t *testing.T) {
	sources := &fakeSources{sources: map[string]*model.Source{
		"opensea.io": {ID: "src-1", Domain: "opensea.io"},
	}}
	c := newTestCache(sources, &fakeRecipients{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		src, err := c.Resolve(ctx, "OpenSea.io")
		require.NoError(t, err)
		require.NotNil(t, src)
		assert.Equal(t, "src-1", src.ID)
	}
	assert.Equal(t, 1, sources.calls)
}

func TestCache_ClassifyCachesMisses(t *testing.T) {
	recipients := &fakeRecipients{recipients: map[string]*model.FeeRecipient{}}
	c := newTestCache(&fakeSources{}, recipients)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, found, err := c.Classify(ctx, "0xunknown")
		require.NoError(t, err)
		assert.False(t, found)
	}
	assert.Equal(t, 1, recipients.calls)
}

func TestCache_InvalidateDropsEntry(t *testing.T) {
	recipients := &fakeRecipients{recipients: map[string]*model.FeeRecipient{
		"0xmarket": {Address: "0xmarket", Kind: model.FeeRecipientMarketplace},
	}}
	c := newTestCache(&fakeSources{}, recipients)
	ctx := context.Background()

	kind, found, err := c.Classify(ctx, "0xmarket")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.FeeRecipientMarketplace, kind)
	assert.Equal(t, 1, recipients.calls)

	require.NoError(t, c.Invalidate(ctx, "recipient:0xmarket"))

	_, _, err = c.Classify(ctx, "0xmarket")
	require.NoError(t, err)
	assert.Equal(t, 2, recipients.calls)
}

func TestCache_InvalidateAll(t *testing.T) {
	sources := &fakeSources{sources: map[string]*model.Source{
		"opensea.io": {ID: "src-1", Domain: "opensea.io"},
	}}
	recipients := &fakeRecipients{recipients: map[string]*model.FeeRecipient{
		"0xmarket": {Address: "0xmarket", Kind: model.FeeRecipientMarketplace},
	}}
	c := newTestCache(sources, recipients)
	ctx := context.Background()

	_, err := c.Resolve(ctx, "opensea.io")
	require.NoError(t, err)
	_, _, err = c.Classify(ctx, "0xmarket")
	require.NoError(t, err)

	require.NoError(t, c.Invalidate(ctx, "*"))

	_, err = c.Resolve(ctx, "opensea.io")
	require.NoError(t, err)
	_, _, err = c.Classify(ctx, "0xmarket")
	require.NoError(t, err)
	assert.Equal(t, 2, sources.calls)
	assert.Equal(t, 2, recipients.calls)
}
