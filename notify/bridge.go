package notify

import (
	"context"
	"encoding/json"

	"hw-allocation-broker/allocator"
	"hw-allocation-broker/metrics"

	"github.com/rs/zerolog/log"
)

// BroadcastChannel receives every allocation create event, for subscribers
// wanting the full stream.
const BroadcastChannel = "jobs"

// ChannelFor names the per-allocation notification channel.
func ChannelFor(allocationID string) string {
	return "j:" + allocationID
}

// Store is the publish side of the state store's pub/sub namespace.
type Store interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Bridge republishes registry mutations onto the store's pub/sub channels.
// Delivery is at-most-once with no replay: subscribers that join late miss
// what came before, and must tolerate missed messages.
type Bridge struct {
	store Store
}

func NewBridge(store Store) *Bridge {
	return &Bridge{store: store}
}

// PublishCreated announces a newly created record on its own channel and on
// the broadcast channel.
func (b *Bridge) PublishCreated(ctx context.Context, rec *allocator.AllocationRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := b.store.Publish(ctx, ChannelFor(rec.AllocationID), payload); err != nil {
		return err
	}
	if err := b.store.Publish(ctx, BroadcastChannel, payload); err != nil {
		return err
	}
	metrics.NotificationsTotal.WithLabelValues("created").Inc()
	log.Debug().Str("allocationId", rec.AllocationID).Msg("notify: published create event")
	return nil
}

// PublishUpdated announces an updated record on its own channel.
func (b *Bridge) PublishUpdated(ctx context.Context, rec *allocator.AllocationRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := b.store.Publish(ctx, ChannelFor(rec.AllocationID), payload); err != nil {
		return err
	}
	metrics.NotificationsTotal.WithLabelValues("updated").Inc()
	log.Debug().Str("allocationId", rec.AllocationID).Str("status", rec.Status).Msg("notify: published update event")
	return nil
}
