package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/whisper-relay/protocol"
	"github.com/opd-ai/whisper-relay/store"
)

const (
	sender    = "WSP-AAAA-AAAA-AAAA"
	recipient = "WSP-RRRR-RRRR-RRRR"
)

func testEnvelope(id string) protocol.Envelope {
	return protocol.Envelope{
		MessageID:        id,
		FromWhisperID:    sender,
		ToWhisperID:      recipient,
		EncryptedContent: "CT-" + id,
		Nonce:            "N-" + id,
		Timestamp:        time.Now().UnixMilli(),
	}
}

func TestEnqueueAndPage(t *testing.T) {
	ctx := context.Background()
	q := New(store.NewMemoryKV())

	require.NoError(t, q.Enqueue(ctx, testEnvelope("m1")))
	require.NoError(t, q.Enqueue(ctx, testEnvelope("m2")))

	page, err := q.GetPage(ctx, recipient, "", 50)
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "m1", page.Messages[0].MessageID)
	assert.Equal(t, "CT-m1", page.Messages[0].EncryptedContent)
	assert.Equal(t, "N-m1", page.Messages[0].Nonce)
	assert.Equal(t, "m2", page.Messages[1].MessageID)
	assert.False(t, page.HasMore)
}

func TestFIFOAcrossAnyPageSize(t *testing.T) {
	ctx := context.Background()

	for _, pageSize := range []int{1, 2, 3, 7, 50} {
		q := New(store.NewMemoryKV())
		const n = 7
		for i := 0; i < n; i++ {
			require.NoError(t, q.Enqueue(ctx, testEnvelope(fmt.Sprintf("m%02d", i))))
		}

		var got []string
		cursor := ""
		pages := 0
		for {
			page, err := q.GetPage(ctx, recipient, cursor, pageSize)
			require.NoError(t, err)
			pages++
			for _, m := range page.Messages {
				got = append(got, m.MessageID)
			}
			if !page.HasMore {
				break
			}
			cursor = page.NextCursor
		}

		require.Len(t, got, n, "pageSize=%d", pageSize)
		for i := 0; i < n; i++ {
			assert.Equal(t, fmt.Sprintf("m%02d", i), got[i])
		}
		// Draining N messages at page size K takes ceil(N/K) pages.
		want := (n + pageSize - 1) / pageSize
		assert.Equal(t, want, pages, "pageSize=%d", pageSize)
	}
}

func TestExpiredMessagesNotDelivered(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryKV()
	q := New(kv)

	now := time.Now()
	kv.SetClock(func() time.Time { return now })
	q.SetClock(func() time.Time { return now })

	require.NoError(t, q.Enqueue(ctx, testEnvelope("m1")))
	now = now.Add(time.Hour)
	require.NoError(t, q.Enqueue(ctx, testEnvelope("m2")))

	// m1 crosses its 72 h TTL, m2 does not.
	now = now.Add(TTL - 30*time.Minute)

	page, err := q.GetPage(ctx, recipient, "", 50)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "m2", page.Messages[0].MessageID)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	q := New(store.NewMemoryKV())

	require.NoError(t, q.Enqueue(ctx, testEnvelope("m1")))
	require.NoError(t, q.Enqueue(ctx, testEnvelope("m2")))
	require.NoError(t, q.Clear(ctx, recipient))

	n, err := q.Len(ctx, recipient)
	require.NoError(t, err)
	assert.Zero(t, n)

	page, err := q.GetPage(ctx, recipient, "", 50)
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
}

func TestQueueFull(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryKV()
	q := New(kv)

	// Fill the index directly; Enqueue only checks length.
	ids := make([]string, 1000)
	for i := range ids {
		ids[i] = fmt.Sprintf("f%d", i)
	}
	require.NoError(t, kv.RPush(ctx, store.QueueKey(recipient), ids...))

	err := q.Enqueue(ctx, testEnvelope("overflow"))
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestSweepRepairsIndex(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryKV()
	q := New(kv)

	now := time.Now()
	kv.SetClock(func() time.Time { return now })
	q.SetClock(func() time.Time { return now })

	require.NoError(t, q.Enqueue(ctx, testEnvelope("m1")))
	require.NoError(t, q.Enqueue(ctx, testEnvelope("m2")))

	now = now.Add(TTL + time.Minute)

	repaired, err := q.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, repaired)

	n, err := q.Len(ctx, recipient)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOpaqueFieldsSurviveQueueing(t *testing.T) {
	ctx := context.Background()
	q := New(store.NewMemoryKV())

	env := testEnvelope("m1")
	env.EncryptedVoice = "VOICE"
	env.VoiceDuration = 3.5
	env.IsForwarded = true
	env.ReplyTo = &protocol.ReplyRef{MessageID: "m0", Content: "QUOTE", SenderID: sender}
	env.SenderPublicKey = "SPK"

	require.NoError(t, q.Enqueue(ctx, env))

	page, err := q.GetPage(ctx, recipient, "", 50)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	got := page.Messages[0]
	assert.Equal(t, "VOICE", got.EncryptedVoice)
	assert.Equal(t, 3.5, got.VoiceDuration)
	assert.True(t, got.IsForwarded)
	require.NotNil(t, got.ReplyTo)
	assert.Equal(t, "QUOTE", got.ReplyTo.Content)
	assert.Equal(t, "SPK", got.SenderPublicKey)
}
