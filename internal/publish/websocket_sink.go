package publish

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/reservoirprotocol/indexer-go/internal/domain/event"
	"github.com/reservoirprotocol/indexer-go/internal/publish/wshub"
)

// WebsocketSink broadcasts order and activity changes to connected
// subscribers. Order messages carry the structural field diff so
// clients can patch local state instead of refetching.
type WebsocketSink struct {
	hub *wshub.Hub
}

func NewWebsocketSink(hub *wshub.Hub) *WebsocketSink {
	return &WebsocketSink{hub: hub}
}

func (s *WebsocketSink) Name() string {
	return "websocket"
}

func (s *WebsocketSink) DeliverOrders(_ context.Context, deltas []event.OrderDelta) error {
	for _, d := range deltas {
		changed := DiffOrders(d.Before, &d.After)
		if len(changed) == 0 {
			continue
		}
		msgType := "order.updated"
		if d.Before == nil {
			msgType = "order.created"
		}
		body, err := json.Marshal(map[string]any{
			"type":    msgType,
			"orderId": d.After.ID,
			"changed": changed,
			"order":   d.After,
			"seq":     d.Seq,
		})
		if err != nil {
			return fmt.Errorf("encode order message: %w", err)
		}
		s.hub.Broadcast(body)
	}
	return nil
}

func (s *WebsocketSink) DeliverActivities(_ context.Context, deltas []event.ActivityDelta) error {
	for _, d := range deltas {
		body, err := json.Marshal(map[string]any{
			"type":     "activity.created",
			"activity": d.Activity,
			"seq":      d.Seq,
		})
		if err != nil {
			return fmt.Errorf("encode activity message: %w", err)
		}
		s.hub.Broadcast(body)
	}
	return nil
}
