// Package block maintains per-user block sets in the KV store. The store
// is the source of truth: every instance sees a block the moment it is
// written, with no local cache to go stale.
package block

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/whisper-relay/store"
)

// Registry answers "has blocker blocked sender?" for every routing
// decision.
type Registry struct {
	kv store.KV
}

// NewRegistry creates a registry over the given store.
func NewRegistry(kv store.KV) *Registry {
	return &Registry{kv: kv}
}

// Block records that blocker has blocked target.
func (r *Registry) Block(ctx context.Context, blocker, target string) error {
	if err := r.kv.SAdd(ctx, store.BlocksKey(blocker), target); err != nil {
		return fmt.Errorf("persist block: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"blocker": blocker,
		"blocked": target,
	}).Info("User blocked")
	return nil
}

// Unblock removes a block.
func (r *Registry) Unblock(ctx context.Context, blocker, target string) error {
	if err := r.kv.SRem(ctx, store.BlocksKey(blocker), target); err != nil {
		return fmt.Errorf("persist unblock: %w", err)
	}
	return nil
}

// IsBlocked reports whether blocker has blocked sender.
func (r *Registry) IsBlocked(ctx context.Context, blocker, sender string) (bool, error) {
	blocked, err := r.kv.SIsMember(ctx, store.BlocksKey(blocker), sender)
	if err != nil {
		return false, fmt.Errorf("read block set: %w", err)
	}
	return blocked, nil
}

// ClearUser removes the user's own block set and their presence in every
// other user's block set. Called on account deletion.
func (r *Registry) ClearUser(ctx context.Context, whisperID string) error {
	keys, err := r.kv.Keys(ctx, "blocks:*")
	if err != nil {
		return fmt.Errorf("scan block sets: %w", err)
	}
	for _, key := range keys {
		if err := r.kv.SRem(ctx, key, whisperID); err != nil {
			return err
		}
	}
	return r.kv.Del(ctx, store.BlocksKey(whisperID))
}
