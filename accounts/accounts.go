// Package accounts orchestrates account deletion: a verified delete
// request purges every trace of the user across the directory, queue,
// blocks, groups, and presence layers. Deletion is also the teeth behind
// an admin ban.
package accounts

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/whisper-relay/block"
	"github.com/opd-ai/whisper-relay/directory"
	"github.com/opd-ai/whisper-relay/group"
	"github.com/opd-ai/whisper-relay/presence"
	"github.com/opd-ai/whisper-relay/queue"
	"github.com/opd-ai/whisper-relay/store"
)

// BanTTL is how long a ban marker persists.
const BanTTL = 0 // no expiry

// Service wires the deletion flow.
type Service struct {
	kv       store.KV
	dir      *directory.Directory
	queue    *queue.Queue
	blocks   *block.Registry
	groups   *group.Store
	presence *presence.Manager
}

// NewService creates the accounts service.
func NewService(kv store.KV, dir *directory.Directory, q *queue.Queue, blocks *block.Registry, groups *group.Store, pm *presence.Manager) *Service {
	return &Service{kv: kv, dir: dir, queue: q, blocks: blocks, groups: groups, presence: pm}
}

// Delete purges the user everywhere. Best-effort per layer: a failure in
// one layer is logged and the rest still run, so a partial outage cannot
// leave most of an account behind. Returns the ids of groups destroyed
// because the user created them.
func (s *Service) Delete(ctx context.Context, whisperID string) []string {
	log := logrus.WithField("whisper_id", whisperID)

	if err := s.queue.Clear(ctx, whisperID); err != nil {
		log.WithField("error", err.Error()).Warn("Failed to clear queue during deletion")
	}
	if err := s.blocks.ClearUser(ctx, whisperID); err != nil {
		log.WithField("error", err.Error()).Warn("Failed to clear blocks during deletion")
	}
	destroyed, err := s.groups.RemoveUserEverywhere(ctx, whisperID)
	if err != nil {
		log.WithField("error", err.Error()).Warn("Failed to detach groups during deletion")
	}
	if err := s.dir.DeleteUser(ctx, whisperID); err != nil {
		log.WithField("error", err.Error()).Warn("Failed to delete directory entry")
	}
	_ = s.kv.Del(ctx,
		store.PrefsKey(whisperID),
		store.RegisteredKey(whisperID),
		store.PresenceKey(whisperID),
	)

	log.WithField("groups_destroyed", len(destroyed)).Info("Account deleted")
	return destroyed
}

// Ban marks the user banned, deletes their account data, and closes any
// live session with a policy close.
func (s *Service) Ban(ctx context.Context, whisperID, reason string) []string {
	_ = s.kv.Set(ctx, store.BannedKey(whisperID), reason, BanTTL)
	destroyed := s.Delete(ctx, whisperID)

	if session, ok := s.presence.Get(whisperID); ok {
		_ = session.Conn.CloseWith(presence.ClosePolicy, "banned")
		s.presence.Unregister(ctx, whisperID, session.Conn.SocketID())
	}

	logrus.WithFields(logrus.Fields{
		"whisper_id": whisperID,
		"reason":     reason,
	}).Info("User banned")
	return destroyed
}

// IsBanned reports whether the user carries a ban marker.
func (s *Service) IsBanned(ctx context.Context, whisperID string) bool {
	ok, err := s.kv.Exists(ctx, store.BannedKey(whisperID))
	return err == nil && ok
}

// Report stores one moderation report.
type Report struct {
	ReportID  string `json:"reportId"`
	Reporter  string `json:"reporter"`
	Reported  string `json:"reported"`
	Reason    string `json:"reason,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}

// FileReport persists a moderation report for later admin review.
func (s *Service) FileReport(ctx context.Context, reportID, reporter, reported, reason string) error {
	report := Report{
		ReportID:  reportID,
		Reporter:  reporter,
		Reported:  reported,
		Reason:    reason,
		CreatedAt: time.Now().UnixMilli(),
	}
	raw, err := json.Marshal(report)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, store.ReportKey(reportID), string(raw), 0)
}

// Reports lists all stored moderation reports.
func (s *Service) Reports(ctx context.Context) ([]Report, error) {
	keys, err := s.kv.Keys(ctx, "report:*")
	if err != nil {
		return nil, err
	}
	reports := make([]Report, 0, len(keys))
	for _, key := range keys {
		raw, err := s.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var r Report
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			continue
		}
		reports = append(reports, r)
	}
	return reports, nil
}
