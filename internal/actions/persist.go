package actions

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/lifeline/internal/objectstore"
	"github.com/wolfeidau/lifeline/internal/queue"
	"github.com/wolfeidau/lifeline/internal/records"
)

// PersistRecord returns a handler that upserts the payload record. Replaying
// it writes the same row again.
func PersistRecord(store records.Store) queue.Handler {
	return queue.HandlerFunc(func(ctx context.Context, raw json.RawMessage) error {
		var r records.Record
		if err := json.Unmarshal(raw, &r); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}
		if err := r.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}

		if err := store.Upsert(ctx, r); err != nil {
			return fmt.Errorf("failed to persist %s/%s: %w", r.Collection, r.Key, err)
		}

		log.Debug().Str("collection", r.Collection).Str("key", r.Key).Msg("Record persisted")
		return nil
	})
}

// Register installs the handler for each action kind whose backend is set.
// Actions of a kind without a handler stay queued.
func Register(q *queue.Queue, objects objectstore.Store, recs records.Store) {
	if objects != nil {
		q.Register(queue.KindUploadAsset, UploadAsset(objects))
	}
	if recs != nil {
		q.Register(queue.KindPersistRecord, PersistRecord(recs))
	}
}
