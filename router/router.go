// Package router implements message routing: block enforcement, live
// delivery to local sockets, cross-instance forwarding over pub/sub,
// offline queueing with push wake-ups, and the backfill read path.
//
// Routing order for a 1:1 envelope: block check, then the recipient's
// local socket, then a remote instance holding the socket (signalled by
// the KV presence marker), then the offline queue. The sender always
// gets a definitive status: "delivered" for a live socket write anywhere
// in the cluster, "pending" for a queued envelope.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/whisper-relay/block"
	"github.com/opd-ai/whisper-relay/directory"
	"github.com/opd-ai/whisper-relay/presence"
	"github.com/opd-ai/whisper-relay/protocol"
	"github.com/opd-ai/whisper-relay/push"
	"github.com/opd-ai/whisper-relay/queue"
	"github.com/opd-ai/whisper-relay/ratelimit"
	"github.com/opd-ai/whisper-relay/store"
)

// Delivery statuses reported to senders.
const (
	StatusDelivered = "delivered"
	StatusPending   = "pending"
)

var (
	// ErrBlocked indicates the recipient has blocked the sender.
	ErrBlocked = errors.New("recipient has blocked sender")
	// ErrRateLimited indicates a typing indicator inside the rate window.
	ErrRateLimited = errors.New("typing indicator rate limited")
)

// RemoteFrame is the cross-instance forwarding record published on the
// messages and calls channels. Each instance delivers frames addressed
// to its own local sockets and ignores the rest.
type RemoteFrame struct {
	To    string         `json:"to"`
	Frame protocol.Frame `json:"frame"`
}

// Router routes frames between users.
type Router struct {
	presence *presence.Manager
	queue    *queue.Queue
	blocks   *block.Registry
	dir      *directory.Directory
	push     *push.Dispatcher
	typing   *ratelimit.TypingLimiter
	kv       store.KV

	// queueGroupMessages enables offline queueing of group fan-out
	// copies. Off by default; group chat is live-first.
	queueGroupMessages bool

	now func() time.Time
}

// New creates a router.
func New(pm *presence.Manager, q *queue.Queue, blocks *block.Registry, dir *directory.Directory, pd *push.Dispatcher, kv store.KV, queueGroupMessages bool) *Router {
	return &Router{
		presence:           pm,
		queue:              q,
		blocks:             blocks,
		dir:                dir,
		push:               pd,
		typing:             ratelimit.NewTypingLimiter(),
		kv:                 kv,
		queueGroupMessages: queueGroupMessages,
		now:                time.Now,
	}
}

// SetClock overrides the time source for tests.
func (r *Router) SetClock(now func() time.Time) { r.now = now }

// Typing exposes the rate limiter for session-cleanup hooks.
func (r *Router) Typing() *ratelimit.TypingLimiter { return r.typing }

// Deliver writes one frame to the recipient's live socket, locally or via
// a remote instance. Reports whether a live path existed; the write
// itself is best-effort on the remote path.
func (r *Router) Deliver(ctx context.Context, to, frameType string, payload any) bool {
	if session, ok := r.presence.Get(to); ok {
		if err := session.Conn.Send(frameType, payload); err == nil {
			return true
		}
		// Local socket is broken; fall through to the remote check in
		// case a fresher session lives elsewhere.
	}
	online, err := r.kv.Exists(ctx, store.PresenceKey(to))
	if err != nil || !online {
		return false
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	remote, err := json.Marshal(RemoteFrame{To: to, Frame: protocol.Frame{Type: frameType, Payload: raw}})
	if err != nil {
		return false
	}
	channel := store.ChannelMessages
	if isCallFrame(frameType) {
		channel = store.ChannelCalls
	}
	if err := r.kv.Publish(ctx, channel, string(remote)); err != nil {
		logrus.WithFields(logrus.Fields{
			"to":    to,
			"type":  frameType,
			"error": err.Error(),
		}).Warn("Cross-instance publish failed")
		return false
	}
	return true
}

func isCallFrame(frameType string) bool {
	switch frameType {
	case protocol.TypeIncomingCall, protocol.TypeCallRinging, protocol.TypeCallAnswered,
		protocol.TypeCallICECandidate, protocol.TypeCallEnded:
		return true
	}
	return false
}

// Route delivers a 1:1 envelope and reports the outcome to the sender.
// The server stamps the timestamp and attaches the sender's public key so
// first-contact recipients can decrypt without a directory round-trip.
func (r *Router) Route(ctx context.Context, env protocol.Envelope) (protocol.MessageDeliveredPayload, error) {
	blocked, err := r.blocks.IsBlocked(ctx, env.ToWhisperID, env.FromWhisperID)
	if err != nil {
		return protocol.MessageDeliveredPayload{}, fmt.Errorf("block check: %w", err)
	}
	if blocked {
		return protocol.MessageDeliveredPayload{}, ErrBlocked
	}

	env.Timestamp = r.now().UnixMilli()
	if env.SenderPublicKey == "" {
		if keys, err := r.dir.GetKeys(ctx, env.FromWhisperID); err == nil {
			env.SenderPublicKey = keys.PublicKey
		}
	}

	if r.Deliver(ctx, env.ToWhisperID, protocol.TypeMessageReceived, env) {
		// A live socket can belong to a backgrounded app; the push wakes
		// it so the frame actually gets read.
		r.wakeRecipient(ctx, env.ToWhisperID, env.FromWhisperID)
		return protocol.MessageDeliveredPayload{
			MessageID:   env.MessageID,
			Status:      StatusDelivered,
			ToWhisperID: env.ToWhisperID,
		}, nil
	}

	if err := r.queue.Enqueue(ctx, env); err != nil {
		return protocol.MessageDeliveredPayload{}, fmt.Errorf("enqueue: %w", err)
	}
	r.wakeRecipient(ctx, env.ToWhisperID, env.FromWhisperID)

	return protocol.MessageDeliveredPayload{
		MessageID:   env.MessageID,
		Status:      StatusPending,
		ToWhisperID: env.ToWhisperID,
	}, nil
}

// wakeRecipient fires a content-free push at an offline recipient.
func (r *Router) wakeRecipient(ctx context.Context, to, from string) {
	tokens, err := r.dir.GetPushTokens(ctx, to)
	if err != nil || tokens.Token == "" {
		return
	}
	r.push.SendMessagePush(ctx, tokens.Token, from)
}

// Backfill reads one page of the recipient's offline queue. Delivering
// the final page (hasMore false with at least one message) clears the
// queue; partial reads leave it intact so an interrupted drain restarts
// from the front on the next fetch.
func (r *Router) Backfill(ctx context.Context, whisperID, cursor string, pageSize int) (protocol.PendingMessagesPayload, error) {
	page, err := r.queue.GetPage(ctx, whisperID, cursor, pageSize)
	if err != nil {
		return protocol.PendingMessagesPayload{}, err
	}
	if !page.HasMore && len(page.Messages) > 0 {
		if err := r.queue.Clear(ctx, whisperID); err != nil {
			logrus.WithFields(logrus.Fields{
				"whisper_id": whisperID,
				"error":      err.Error(),
			}).Warn("Failed to clear drained queue")
		}
	}
	return protocol.PendingMessagesPayload{
		Messages:   page.Messages,
		Cursor:     page.Cursor,
		NextCursor: page.NextCursor,
		HasMore:    page.HasMore,
	}, nil
}

// ForwardReceipt relays a delivery or read receipt to the original
// sender. Read receipts are suppressed when the receipt emitter has
// turned sendReadReceipts off or hides their online status (a read
// receipt proves they are online and reading); delivered receipts
// always flow.
func (r *Router) ForwardReceipt(ctx context.Context, from string, prefs protocol.PrivacyPrefs, receipt protocol.DeliveryReceiptPayload) {
	if receipt.Status == "read" && (!prefs.SendReadReceipts || prefs.HideOnlineStatus) {
		return
	}
	r.Deliver(ctx, receipt.ToWhisperID, protocol.TypeDeliveryStatus, protocol.DeliveryStatusPayload{
		MessageID:     receipt.MessageID,
		Status:        receipt.Status,
		FromWhisperID: from,
	})
}

// ForwardTyping relays a typing indicator, live-only, at most one per
// sender/recipient pair per rate window. Suppressed entirely when the
// sender has typing indicators off or hides their online status, and
// dropped silently for blocked pairs.
func (r *Router) ForwardTyping(ctx context.Context, from string, prefs protocol.PrivacyPrefs, typing protocol.TypingPayload) error {
	if !prefs.SendTypingIndicator || prefs.HideOnlineStatus {
		return nil
	}
	blocked, err := r.blocks.IsBlocked(ctx, typing.ToWhisperID, from)
	if err != nil || blocked {
		return nil
	}
	if !r.typing.Allow(from, typing.ToWhisperID) {
		return ErrRateLimited
	}
	r.Deliver(ctx, typing.ToWhisperID, protocol.TypeTypingStatus, protocol.TypingStatusPayload{
		FromWhisperID: from,
		IsTyping:      typing.IsTyping,
	})
	return nil
}

// ForwardReaction relays a reaction, live-only. Blocked pairs are dropped
// silently so the reactor learns nothing.
func (r *Router) ForwardReaction(ctx context.Context, from string, reaction protocol.ReactionPayload) error {
	blocked, err := r.blocks.IsBlocked(ctx, reaction.ToWhisperID, from)
	if err != nil {
		return fmt.Errorf("block check: %w", err)
	}
	if blocked {
		return nil
	}
	r.Deliver(ctx, reaction.ToWhisperID, protocol.TypeReactionReceived, protocol.ReactionReceivedPayload{
		MessageID:     reaction.MessageID,
		FromWhisperID: from,
		Emoji:         reaction.Emoji,
	})
	return nil
}

// FanOutGroup delivers a group message to every member except the sender.
// Live members get the frame; offline members get a push, plus a queued
// copy when group queueing is enabled. Returns how many members were
// reached live.
func (r *Router) FanOutGroup(ctx context.Context, from string, members []string, msg protocol.SendGroupMessagePayload) int {
	frame := protocol.GroupMessageReceivedPayload{
		GroupID:          msg.GroupID,
		MessageID:        msg.MessageID,
		FromWhisperID:    from,
		EncryptedContent: msg.EncryptedContent,
		Nonce:            msg.Nonce,
		Timestamp:        r.now().UnixMilli(),
		SenderName:       msg.SenderName,
	}

	live := 0
	for _, member := range members {
		if member == from {
			continue
		}
		if r.Deliver(ctx, member, protocol.TypeGroupMessageReceived, frame) {
			live++
			continue
		}
		if r.queueGroupMessages {
			copyEnv := protocol.Envelope{
				// Per-member id keeps queue records distinct.
				MessageID:        msg.MessageID + ":" + member,
				FromWhisperID:    from,
				ToWhisperID:      member,
				EncryptedContent: msg.EncryptedContent,
				Nonce:            msg.Nonce,
				Timestamp:        frame.Timestamp,
				GroupID:          msg.GroupID,
				SenderName:       msg.SenderName,
			}
			if err := r.queue.Enqueue(ctx, copyEnv); err != nil {
				logrus.WithFields(logrus.Fields{
					"group_id": msg.GroupID,
					"member":   member,
					"error":    err.Error(),
				}).Warn("Failed to queue group message copy")
			}
		}
		r.wakeRecipient(ctx, member, from)
	}
	return live
}
