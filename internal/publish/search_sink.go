package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/reservoirprotocol/indexer-go/internal/domain/event"
	"github.com/reservoirprotocol/indexer-go/internal/domain/model"
)

const (
	searchBufferSize    = 1024
	searchFlushSize     = 64
	searchFlushInterval = time.Second
	searchMaxAttempts   = 4
)

// searchDocument is the denormalized shape the search service indexes.
// Document ids are stable per entity so re-indexing is idempotent.
type searchDocument struct {
	ID       string `json:"id"`
	Entity   string `json:"entity"`
	Document any    `json:"document"`
}

// SearchSink buffers deltas and ships them to the search service's bulk
// endpoint in batches, flushing on size or on an interval. Failed
// batches are retried with exponential backoff; when retries are
// exhausted the batch falls back to per-document delivery so one poison
// document cannot block the rest.
type SearchSink struct {
	baseURL string
	chainID int64
	client  *http.Client
	logger  *slog.Logger
	buf     chan searchDocument
}

func NewSearchSink(baseURL string, chainID int64, logger *slog.Logger) *SearchSink {
	return &SearchSink{
		baseURL: baseURL,
		chainID: chainID,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger.With("sink", "search"),
		buf:     make(chan searchDocument, searchBufferSize),
	}
}

func (s *SearchSink) Name() string {
	return "search"
}

// docID keys documents as <chainId>:<entity>:<id> so one index can
// serve several chains without collisions.
func (s *SearchSink) docID(entity, id string) string {
	return fmt.Sprintf("%d:%s:%s", s.chainID, entity, id)
}

func (s *SearchSink) DeliverOrders(ctx context.Context, deltas []event.OrderDelta) error {
	docs := make([]searchDocument, 0, len(deltas))
	for _, d := range deltas {
		docs = append(docs, searchDocument{
			ID:       s.docID("order", d.After.ID),
			Entity:   "order",
			Document: orderDocument(&d.After),
		})
	}
	return s.enqueue(ctx, docs)
}

func (s *SearchSink) DeliverActivities(ctx context.Context, deltas []event.ActivityDelta) error {
	docs := make([]searchDocument, 0, len(deltas))
	for _, d := range deltas {
		docs = append(docs, searchDocument{
			ID:       s.docID("activity", d.Activity.ID),
			Entity:   "activity",
			Document: d.Activity,
		})
	}
	return s.enqueue(ctx, docs)
}

// enqueue blocks when the buffer is full, which is the backpressure
// point: a stalled search service slows publishing instead of dropping
// documents.
func (s *SearchSink) enqueue(ctx context.Context, docs []searchDocument) error {
	for _, doc := range docs {
		select {
		case s.buf <- doc:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Run drains the buffer until ctx ends, flushing whenever a batch fills
// or the interval elapses. On shutdown the remaining buffered documents
// get one final flush under a short grace timeout.
func (s *SearchSink) Run(ctx context.Context) {
	ticker := time.NewTicker(searchFlushInterval)
	defer ticker.Stop()

	batch := make([]searchDocument, 0, searchFlushSize)
	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.drain(drainCtx, batch)
			cancel()
			return
		case doc := <-s.buf:
			batch = append(batch, doc)
			if len(batch) >= searchFlushSize {
				s.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(ctx, batch)
				batch = batch[:0]
			}
		}
	}
}

func (s *SearchSink) drain(ctx context.Context, batch []searchDocument) {
	for {
		select {
		case doc := <-s.buf:
			batch = append(batch, doc)
		default:
			if len(batch) > 0 {
				s.flush(ctx, batch)
			}
			return
		}
	}
}

func (s *SearchSink) flush(ctx context.Context, docs []searchDocument) {
	var err error
	for attempt := 0; attempt < searchMaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := (250 * time.Millisecond) << uint(attempt-1)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
		}
		if err = s.bulk(ctx, docs); err == nil {
			return
		}
	}
	if len(docs) == 1 {
		s.logger.Error("document rejected by search service", "doc_id", docs[0].ID, "error", err)
		return
	}

	// Retries exhausted; isolate the poison document(s).
	for _, doc := range docs {
		if err := s.bulk(ctx, []searchDocument{doc}); err != nil {
			s.logger.Error("document rejected by search service", "doc_id", doc.ID, "error", err)
		}
	}
}

func (s *SearchSink) bulk(ctx context.Context, docs []searchDocument) error {
	body, err := json.Marshal(docs)
	if err != nil {
		return fmt.Errorf("encode bulk body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/documents/bulk", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create bulk request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("bulk request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("search service returned status %d", resp.StatusCode)
	}
	return nil
}

// DeleteByID removes documents from the index. Orphan compensation uses
// it to purge activities that were recorded under a stale block hash.
func (s *SearchSink) DeleteByID(ctx context.Context, entity string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.docID(entity, id)
	}

	body, err := json.Marshal(map[string]any{"ids": keys})
	if err != nil {
		return fmt.Errorf("encode delete body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/documents/delete", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create delete request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("delete request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("search service returned status %d", resp.StatusCode)
	}
	return nil
}

func orderDocument(o *model.Order) map[string]any {
	doc := map[string]any{
		"id":                o.ID,
		"kind":              o.Kind,
		"side":              o.Side,
		"maker":             o.Maker,
		"contract":          o.Contract,
		"tokenSetId":        o.TokenSetID,
		"currency":          o.Currency,
		"price":             o.Price,
		"value":             o.Value,
		"normalizedValue":   o.NormalizedValue,
		"fillabilityStatus": o.FillabilityStatus,
		"approvalStatus":    o.ApprovalStatus,
		"quantityRemaining": o.QuantityRemaining,
		"validFrom":         o.ValidFrom,
		"validUntil":        o.ValidUntil,
		"updatedAt":         o.UpdatedAt,
	}
	if o.TokenID != nil {
		doc["tokenId"] = *o.TokenID
	}
	if o.USDPrice != nil {
		doc["usdPrice"] = o.USDPrice.String()
	}
	if o.SourceID != nil {
		doc["sourceId"] = *o.SourceID
	}
	return doc
}
