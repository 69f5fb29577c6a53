// Package group implements the server-authoritative group membership
// store: group metadata, the member set, the user-to-groups reverse
// index, and the pending-invite queue for members that were offline at
// creation time.
//
// Invariants enforced here: the creator is always a member until the
// group is destroyed; a group never reaches zero members (it is destroyed
// instead); membership mutations are only authorized for the creator.
// Group message ciphertext is never stored by this package.
package group

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/whisper-relay/limits"
	"github.com/opd-ai/whisper-relay/protocol"
	"github.com/opd-ai/whisper-relay/store"
)

var (
	// ErrNotFound indicates the group does not exist.
	ErrNotFound = errors.New("group not found")
	// ErrExists indicates the group id is already taken.
	ErrExists = errors.New("group already exists")
	// ErrNotCreator indicates a membership mutation by a non-creator.
	ErrNotCreator = errors.New("only the creator may modify the group")
	// ErrNotMember indicates a send or read by a non-member.
	ErrNotMember = errors.New("not a group member")
	// ErrNoMembers indicates a create without any other member.
	ErrNoMembers = errors.New("group needs at least one other member")
)

// Group is the stored metadata record.
type Group struct {
	GroupID   string `json:"groupId"`
	Name      string `json:"name"`
	Creator   string `json:"creator"`
	CreatedAt int64  `json:"createdAt"`
}

// Store persists groups in the KV store.
type Store struct {
	kv  store.KV
	now func() time.Time
}

// NewStore creates a group store.
func NewStore(kv store.KV) *Store {
	return &Store{kv: kv, now: time.Now}
}

// SetClock overrides the time source for tests.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Create stores a new group with membership {creator} ∪ members and
// updates every member's reverse index.
func (s *Store) Create(ctx context.Context, groupID, name, creator string, members []string) (*Group, error) {
	if err := limits.ValidateGroupName(name); err != nil {
		return nil, err
	}

	memberSet := map[string]struct{}{creator: {}}
	for _, m := range members {
		memberSet[m] = struct{}{}
	}
	if len(memberSet) < 2 {
		return nil, ErrNoMembers
	}
	if len(memberSet) > limits.MaxGroupMembers {
		return nil, fmt.Errorf("%w: %d members (max %d)", limits.ErrTooLarge, len(memberSet), limits.MaxGroupMembers)
	}

	exists, err := s.kv.Exists(ctx, store.GroupKey(groupID))
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrExists
	}

	g := &Group{
		GroupID:   groupID,
		Name:      name,
		Creator:   creator,
		CreatedAt: s.now().UnixMilli(),
	}
	raw, err := json.Marshal(g)
	if err != nil {
		return nil, err
	}
	if err := s.kv.Set(ctx, store.GroupKey(groupID), string(raw), 0); err != nil {
		return nil, fmt.Errorf("store group: %w", err)
	}

	all := make([]string, 0, len(memberSet))
	for m := range memberSet {
		all = append(all, m)
	}
	if err := s.kv.SAdd(ctx, store.GroupMembersKey(groupID), all...); err != nil {
		return nil, fmt.Errorf("store members: %w", err)
	}
	for _, m := range all {
		if err := s.kv.SAdd(ctx, store.UserGroupsKey(m), groupID); err != nil {
			return nil, fmt.Errorf("index member: %w", err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"group_id": groupID,
		"creator":  creator,
		"members":  len(all),
	}).Info("Group created")
	return g, nil
}

// Get retrieves group metadata.
func (s *Store) Get(ctx context.Context, groupID string) (*Group, error) {
	raw, err := s.kv.Get(ctx, store.GroupKey(groupID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var g Group
	if err := json.Unmarshal([]byte(raw), &g); err != nil {
		return nil, fmt.Errorf("decode group: %w", err)
	}
	return &g, nil
}

// Members returns the current member set, sorted for stable fan-out and
// test assertions.
func (s *Store) Members(ctx context.Context, groupID string) ([]string, error) {
	members, err := s.kv.SMembers(ctx, store.GroupMembersKey(groupID))
	if err != nil {
		return nil, err
	}
	sort.Strings(members)
	return members, nil
}

// IsMember reports membership.
func (s *Store) IsMember(ctx context.Context, groupID, whisperID string) (bool, error) {
	return s.kv.SIsMember(ctx, store.GroupMembersKey(groupID), whisperID)
}

// GroupsOf returns all group ids the user belongs to.
func (s *Store) GroupsOf(ctx context.Context, whisperID string) ([]string, error) {
	groups, err := s.kv.SMembers(ctx, store.UserGroupsKey(whisperID))
	if err != nil {
		return nil, err
	}
	sort.Strings(groups)
	return groups, nil
}

// Update applies, in order: rename, member additions, member removals.
// Only the creator is authorized; the creator cannot be removed. Returns
// the post-update group and the ids that were actually removed.
func (s *Store) Update(ctx context.Context, groupID, requester, name string, add, remove []string) (*Group, []string, error) {
	g, err := s.Get(ctx, groupID)
	if err != nil {
		return nil, nil, err
	}
	if g.Creator != requester {
		return nil, nil, ErrNotCreator
	}

	if name != "" {
		if err := limits.ValidateGroupName(name); err != nil {
			return nil, nil, err
		}
		g.Name = name
		raw, err := json.Marshal(g)
		if err != nil {
			return nil, nil, err
		}
		if err := s.kv.Set(ctx, store.GroupKey(groupID), string(raw), 0); err != nil {
			return nil, nil, fmt.Errorf("rename group: %w", err)
		}
	}

	for _, m := range add {
		if err := s.kv.SAdd(ctx, store.GroupMembersKey(groupID), m); err != nil {
			return nil, nil, err
		}
		if err := s.kv.SAdd(ctx, store.UserGroupsKey(m), groupID); err != nil {
			return nil, nil, err
		}
	}

	var removed []string
	for _, m := range remove {
		if m == g.Creator {
			continue
		}
		isMember, err := s.kv.SIsMember(ctx, store.GroupMembersKey(groupID), m)
		if err != nil {
			return nil, nil, err
		}
		if !isMember {
			continue
		}
		if err := s.kv.SRem(ctx, store.GroupMembersKey(groupID), m); err != nil {
			return nil, nil, err
		}
		if err := s.kv.SRem(ctx, store.UserGroupsKey(m), groupID); err != nil {
			return nil, nil, err
		}
		removed = append(removed, m)
	}

	return g, removed, nil
}

// Leave removes the leaver from the group. A leaving creator destroys the
// entire group. Returns the pre-leave membership (for fan-out) and
// whether the group was destroyed.
func (s *Store) Leave(ctx context.Context, groupID, leaver string) (members []string, destroyed bool, err error) {
	g, err := s.Get(ctx, groupID)
	if err != nil {
		return nil, false, err
	}

	members, err = s.Members(ctx, groupID)
	if err != nil {
		return nil, false, err
	}

	isMember, err := s.IsMember(ctx, groupID, leaver)
	if err != nil {
		return nil, false, err
	}
	if !isMember {
		return nil, false, ErrNotMember
	}

	if leaver == g.Creator {
		if err := s.destroy(ctx, groupID, members); err != nil {
			return nil, false, err
		}
		return members, true, nil
	}

	if err := s.kv.SRem(ctx, store.GroupMembersKey(groupID), leaver); err != nil {
		return nil, false, err
	}
	if err := s.kv.SRem(ctx, store.UserGroupsKey(leaver), groupID); err != nil {
		return nil, false, err
	}
	return members, false, nil
}

func (s *Store) destroy(ctx context.Context, groupID string, members []string) error {
	for _, m := range members {
		if err := s.kv.SRem(ctx, store.UserGroupsKey(m), groupID); err != nil {
			return err
		}
		_ = s.kv.Del(ctx, store.GroupInviteKey(m, groupID))
	}
	if err := s.kv.Del(ctx, store.GroupKey(groupID), store.GroupMembersKey(groupID)); err != nil {
		return err
	}
	logrus.WithField("group_id", groupID).Info("Group destroyed")
	return nil
}

// RemoveUserEverywhere detaches a deleted account from every group:
// groups they created are destroyed, other memberships are dropped.
// Returns the ids of destroyed groups.
func (s *Store) RemoveUserEverywhere(ctx context.Context, whisperID string) ([]string, error) {
	groups, err := s.GroupsOf(ctx, whisperID)
	if err != nil {
		return nil, err
	}
	var destroyed []string
	for _, gid := range groups {
		g, err := s.Get(ctx, gid)
		if errors.Is(err, ErrNotFound) {
			_ = s.kv.SRem(ctx, store.UserGroupsKey(whisperID), gid)
			continue
		}
		if err != nil {
			return destroyed, err
		}
		if g.Creator == whisperID {
			members, err := s.Members(ctx, gid)
			if err != nil {
				return destroyed, err
			}
			if err := s.destroy(ctx, gid, members); err != nil {
				return destroyed, err
			}
			destroyed = append(destroyed, gid)
			continue
		}
		if err := s.kv.SRem(ctx, store.GroupMembersKey(gid), whisperID); err != nil {
			return destroyed, err
		}
		if err := s.kv.SRem(ctx, store.UserGroupsKey(whisperID), gid); err != nil {
			return destroyed, err
		}
	}
	return destroyed, nil
}

// EnqueueInvite stores a group-creation notification for a member that
// was offline at creation time. Delivered once on their next auth.
func (s *Store) EnqueueInvite(ctx context.Context, whisperID string, payload protocol.GroupCreatedPayload) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, store.GroupInviteKey(whisperID, payload.GroupID), string(raw), 0)
}

// DrainInvites removes and returns all pending invites for the user.
// Invites whose group has since been destroyed are dropped.
func (s *Store) DrainInvites(ctx context.Context, whisperID string) ([]protocol.GroupCreatedPayload, error) {
	keys, err := s.kv.Keys(ctx, "ginvite:"+whisperID+":*")
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)

	var invites []protocol.GroupCreatedPayload
	for _, key := range keys {
		raw, err := s.kv.Get(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return invites, err
		}
		_ = s.kv.Del(ctx, key)

		var payload protocol.GroupCreatedPayload
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			continue
		}
		exists, err := s.kv.Exists(ctx, store.GroupKey(payload.GroupID))
		if err != nil || !exists {
			continue
		}
		invites = append(invites, payload)
	}
	return invites, nil
}
