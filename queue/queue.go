// Package queue implements the offline message queue: per-recipient FIFO
// lists of encrypted envelopes with a 72 hour TTL and cursor-paginated
// reads for backfill after authentication.
//
// The KV layout is an index list per recipient (queue:<wid>, message ids
// in insertion order) plus one JSON record per envelope (msg:<mid>) whose
// key carries the TTL. Expiry is primarily the KV's job; reads filter and
// a periodic sweep repairs index entries whose records have lapsed.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/whisper-relay/limits"
	"github.com/opd-ai/whisper-relay/metrics"
	"github.com/opd-ai/whisper-relay/protocol"
	"github.com/opd-ai/whisper-relay/store"
)

const (
	// TTL is how long a queued envelope survives undelivered.
	TTL = 72 * time.Hour
	// SweepInterval is how often the index repair sweep runs.
	SweepInterval = time.Hour
)

// ErrQueueFull indicates the recipient's queue is at capacity.
var ErrQueueFull = errors.New("recipient queue full")

// QueuedEnvelope is an envelope held for an offline recipient.
type QueuedEnvelope struct {
	protocol.Envelope
	ExpiresAt int64 `json:"expiresAt"`
}

// Page is one cursor-paginated slice of a recipient's queue.
type Page struct {
	Messages   []protocol.Envelope
	Cursor     string
	NextCursor string
	HasMore    bool
}

// Queue stores pending envelopes in the KV store.
type Queue struct {
	kv  store.KV
	now func() time.Time
}

// New creates a queue over the given store.
func New(kv store.KV) *Queue {
	return &Queue{kv: kv, now: time.Now}
}

// SetClock overrides the time source for tests.
func (q *Queue) SetClock(now func() time.Time) { q.now = now }

// Enqueue stores an envelope for the recipient with the standard TTL.
// The envelope's Timestamp must already be stamped by the router.
func (q *Queue) Enqueue(ctx context.Context, env protocol.Envelope) error {
	n, err := q.kv.LLen(ctx, store.QueueKey(env.ToWhisperID))
	if err != nil {
		return fmt.Errorf("queue length: %w", err)
	}
	if n >= limits.MaxQueuedPerRecipient {
		return ErrQueueFull
	}

	queued := QueuedEnvelope{
		Envelope:  env,
		ExpiresAt: q.now().Add(TTL).Unix(),
	}
	raw, err := json.Marshal(queued)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	if err := q.kv.Set(ctx, store.MessageKey(env.MessageID), string(raw), TTL); err != nil {
		return fmt.Errorf("store envelope: %w", err)
	}
	if err := q.kv.RPush(ctx, store.QueueKey(env.ToWhisperID), env.MessageID); err != nil {
		return fmt.Errorf("index envelope: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"message_id": env.MessageID,
		"to":         env.ToWhisperID,
	}).Debug("Envelope queued for offline recipient")
	return nil
}

// GetPage reads one page of the recipient's queue, FIFO by insertion.
// The cursor is an opaque offset; "" starts from the head. Expired
// entries are skipped and pruned from the index as they are encountered.
func (q *Queue) GetPage(ctx context.Context, whisperID, cursor string, pageSize int) (Page, error) {
	pageSize = limits.ClampPageSize(pageSize)

	offset := int64(0)
	if cursor != "" {
		parsed, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil || parsed < 0 {
			offset = 0
		} else {
			offset = parsed
		}
	}

	key := store.QueueKey(whisperID)
	page := Page{Cursor: cursor, Messages: []protocol.Envelope{}}
	now := q.now().Unix()

	consumed := offset
	for len(page.Messages) < pageSize {
		want := int64(pageSize - len(page.Messages))
		ids, err := q.kv.LRange(ctx, key, consumed, consumed+want-1)
		if err != nil {
			return Page{}, fmt.Errorf("read queue index: %w", err)
		}
		if len(ids) == 0 {
			break
		}
		for _, id := range ids {
			consumed++
			raw, err := q.kv.Get(ctx, store.MessageKey(id))
			if errors.Is(err, store.ErrNotFound) {
				// Record expired under the index entry; repair lazily.
				_ = q.kv.LRem(ctx, key, id)
				metrics.QueueExpired.Inc()
				consumed--
				continue
			}
			if err != nil {
				return Page{}, fmt.Errorf("read envelope: %w", err)
			}
			var queued QueuedEnvelope
			if err := json.Unmarshal([]byte(raw), &queued); err != nil {
				_ = q.kv.Del(ctx, store.MessageKey(id))
				_ = q.kv.LRem(ctx, key, id)
				consumed--
				continue
			}
			if queued.ExpiresAt > 0 && queued.ExpiresAt <= now {
				_ = q.kv.Del(ctx, store.MessageKey(id))
				_ = q.kv.LRem(ctx, key, id)
				metrics.QueueExpired.Inc()
				consumed--
				continue
			}
			page.Messages = append(page.Messages, queued.Envelope)
		}
	}

	total, err := q.kv.LLen(ctx, key)
	if err != nil {
		return Page{}, fmt.Errorf("queue length: %w", err)
	}
	if consumed < total {
		page.HasMore = true
		page.NextCursor = strconv.FormatInt(consumed, 10)
	}
	return page, nil
}

// Len returns the number of index entries for the recipient, including
// any not yet repaired after expiry.
func (q *Queue) Len(ctx context.Context, whisperID string) (int64, error) {
	return q.kv.LLen(ctx, store.QueueKey(whisperID))
}

// Clear removes the recipient's entire queue, records included.
func (q *Queue) Clear(ctx context.Context, whisperID string) error {
	key := store.QueueKey(whisperID)
	ids, err := q.kv.LRange(ctx, key, 0, -1)
	if err != nil {
		return fmt.Errorf("read queue index: %w", err)
	}
	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, store.MessageKey(id))
	}
	keys = append(keys, key)
	return q.kv.Del(ctx, keys...)
}

// Sweep walks every queue index and removes entries whose records have
// expired. Returns the number of repaired entries.
func (q *Queue) Sweep(ctx context.Context) (int, error) {
	keys, err := q.kv.Keys(ctx, "queue:*")
	if err != nil {
		return 0, fmt.Errorf("scan queues: %w", err)
	}
	repaired := 0
	for _, key := range keys {
		ids, err := q.kv.LRange(ctx, key, 0, -1)
		if err != nil {
			return repaired, err
		}
		for _, id := range ids {
			ok, err := q.kv.Exists(ctx, store.MessageKey(id))
			if err != nil {
				return repaired, err
			}
			if !ok {
				_ = q.kv.LRem(ctx, key, id)
				repaired++
			}
		}
	}
	if repaired > 0 {
		metrics.QueueExpired.Add(float64(repaired))
		logrus.WithField("repaired", repaired).Info("Repaired expired queue index entries")
	}
	return repaired, nil
}

// Run sweeps hourly until the stop channel closes.
func (q *Queue) Run(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, err := q.Sweep(ctx); err != nil {
				logrus.WithField("error", err.Error()).Warn("Queue sweep failed")
			}
		}
	}
}
