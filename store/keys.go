package store

// Keyspace layout. Every key is prefixed for isolation so a shared redis
// instance can host other tenants.

// Pub/sub channels for cross-instance routing.
const (
	ChannelMessages = "messages"
	ChannelCalls    = "calls"
	ChannelPresence = "presence"
)

// PresenceKey holds the active-presence marker for a user (5 minute TTL,
// refreshed on ping).
func PresenceKey(whisperID string) string { return "presence:" + whisperID }

// SocketKey maps a socket id back to its authenticated user.
func SocketKey(socketID string) string { return "socket:" + socketID }

// RegisteredKey marks a user as authenticated within the last 24 hours.
func RegisteredKey(whisperID string) string { return "registered:" + whisperID }

// PushTokenKey holds a user's general push token record.
func PushTokenKey(whisperID string) string { return "push:" + whisperID }

// VoIPTokenKey holds a user's iOS VoIP push token.
func VoIPTokenKey(whisperID string) string { return "voip:" + whisperID }

// LastSeenKey holds the unix timestamp of the user's last authentication.
func LastSeenKey(whisperID string) string { return "lastseen:" + whisperID }

// PublicKeyKey holds a user's X25519 encryption public key.
func PublicKeyKey(whisperID string) string { return "pubkey:" + whisperID }

// SigningKeyKey holds a user's Ed25519 signing public key.
func SigningKeyKey(whisperID string) string { return "signkey:" + whisperID }

// QueueKey holds the ordered list of pending message ids for a recipient.
func QueueKey(whisperID string) string { return "queue:" + whisperID }

// MessageKey holds one queued envelope as JSON, with the queue TTL.
func MessageKey(messageID string) string { return "msg:" + messageID }

// GroupKey holds group metadata as JSON.
func GroupKey(groupID string) string { return "group:" + groupID }

// GroupMembersKey holds the member set of a group.
func GroupMembersKey(groupID string) string { return "gmembers:" + groupID }

// UserGroupsKey holds the reverse index of groups a user belongs to.
func UserGroupsKey(whisperID string) string { return "ugroups:" + whisperID }

// GroupInviteKey holds one pending group invite for an offline member.
func GroupInviteKey(whisperID, groupID string) string {
	return "ginvite:" + whisperID + ":" + groupID
}

// BlocksKey holds the set of users blocked by a user.
func BlocksKey(whisperID string) string { return "blocks:" + whisperID }

// BannedKey marks a user as banned by moderation.
func BannedKey(whisperID string) string { return "banned:" + whisperID }

// ReportKey holds one moderation report as JSON.
func ReportKey(reportID string) string { return "report:" + reportID }

// PrefsKey holds a user's privacy preferences as JSON.
func PrefsKey(whisperID string) string { return "prefs:" + whisperID }
