// Package protocol defines the wire protocol spoken over the relay's
// WebSocket endpoint: the tagged frame shape, the closed set of frame
// types in both directions, the payload structures, and the stable error
// codes clients switch on.
//
// Every frame is a UTF-8 JSON object of the form:
//
//	{"type": "<tag>", "payload": {...}}
//
// The relay treats all cryptographic material inside payloads as opaque
// base64 strings. It never decodes ciphertext.
package protocol

import "encoding/json"

// Frame is the envelope for every message in both directions.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client to server frame types.
const (
	TypeRegister           = "register"
	TypeRegisterProof      = "register_proof"
	TypeSendMessage        = "send_message"
	TypeDeliveryReceipt    = "delivery_receipt"
	TypeFetchPending       = "fetch_pending"
	TypePing               = "ping"
	TypeReaction           = "reaction"
	TypeTyping             = "typing"
	TypeBlockUser          = "block_user"
	TypeUnblockUser        = "unblock_user"
	TypeDeleteAccount      = "delete_account"
	TypeCallInitiate       = "call_initiate"
	TypeCallAnswer         = "call_answer"
	TypeCallICECandidate   = "call_ice_candidate"
	TypeCallEnd            = "call_end"
	TypeGetTURNCredentials = "get_turn_credentials"
	TypeCreateGroup        = "create_group"
	TypeSendGroupMessage   = "send_group_message"
	TypeUpdateGroup        = "update_group"
	TypeLeaveGroup         = "leave_group"
	TypeLookupPublicKey    = "lookup_public_key"
	TypeReportUser         = "report_user"
	TypeUpdatePrivacy      = "update_privacy"
	TypeCheckOnline        = "check_online"
)

// Server to client frame types.
const (
	TypeRegisterChallenge    = "register_challenge"
	TypeRegisterAck          = "register_ack"
	TypeMessageReceived      = "message_received"
	TypeMessageDelivered     = "message_delivered"
	TypeDeliveryStatus       = "delivery_status"
	TypePendingMessages      = "pending_messages"
	TypePong                 = "pong"
	TypeReactionReceived     = "reaction_received"
	TypeTypingStatus         = "typing_status"
	TypeBlockAck             = "block_ack"
	TypeUnblockAck           = "unblock_ack"
	TypeAccountDeleted       = "account_deleted"
	TypeIncomingCall         = "incoming_call"
	TypeCallRinging          = "call_ringing"
	TypeCallAnswered         = "call_answered"
	TypeCallEnded            = "call_ended"
	TypeTURNCredentials      = "turn_credentials"
	TypeGroupCreated         = "group_created"
	TypeGroupMessageReceived = "group_message_received"
	TypeGroupUpdated         = "group_updated"
	TypeMemberLeftGroup      = "member_left_group"
	TypePublicKeyResponse    = "public_key_response"
	TypeReportAck            = "report_ack"
	TypePrivacyAck           = "privacy_ack"
	TypeOnlineStatus         = "online_status"
	TypeError                = "error"
)

// Stable error codes. Clients are expected to switch on these, not on the
// human-readable message.
const (
	CodeParseError       = "PARSE_ERROR"
	CodeUnknownType      = "UNKNOWN_TYPE"
	CodeNotRegistered    = "NOT_REGISTERED"
	CodeInvalidID        = "INVALID_ID"
	CodeInvalidGroupID   = "INVALID_GROUP_ID"
	CodeNoChallenge      = "NO_CHALLENGE"
	CodeChallengeExpired = "CHALLENGE_EXPIRED"
	CodeAuthFailed       = "AUTH_FAILED"
	CodeBanned           = "BANNED"
	CodeBlocked          = "BLOCKED"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeRateLimited      = "RATE_LIMITED"
	CodeRecipientOffline = "RECIPIENT_OFFLINE"
	CodeInvalidPayload   = "INVALID_PAYLOAD"
	CodeInternalError    = "INTERNAL_ERROR"
)

// ErrorPayload is the payload of an "error" frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RegisterPayload carries the claimed identity and push metadata. The keys
// are only trusted after the challenge signature verifies.
type RegisterPayload struct {
	WhisperID        string `json:"whisperId"`
	PublicKey        string `json:"publicKey"`
	SigningPublicKey string `json:"signingPublicKey"`
	PushToken        string `json:"pushToken,omitempty"`
	VoIPToken        string `json:"voipToken,omitempty"`
	Platform         string `json:"platform,omitempty"`
}

// RegisterChallengePayload carries the 32 random bytes, base64-encoded.
type RegisterChallengePayload struct {
	Challenge string `json:"challenge"`
}

// RegisterProofPayload carries the base64 Ed25519 detached signature of the
// decoded challenge bytes.
type RegisterProofPayload struct {
	Signature string `json:"signature"`
}

// RegisterAckPayload acknowledges a successful authentication.
type RegisterAckPayload struct {
	Success bool `json:"success"`
}

// ImageMetadata describes an attached encrypted image. The dimensions refer
// to the plaintext image; the server never sees it.
type ImageMetadata struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// FileMetadata describes an attached encrypted file.
type FileMetadata struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
}

// ReplyRef is the quote block attached to a reply. Content is ciphertext
// the client placed there; the server forwards it untouched.
type ReplyRef struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content,omitempty"`
	SenderID  string `json:"senderId,omitempty"`
}

// Envelope is a 1:1 encrypted message. All cryptographic fields are opaque
// base64. Timestamp is stamped by the server on routing.
type Envelope struct {
	MessageID        string `json:"messageId"`
	FromWhisperID    string `json:"fromWhisperId"`
	ToWhisperID      string `json:"toWhisperId"`
	EncryptedContent string `json:"encryptedContent"`
	Nonce            string `json:"nonce"`
	Timestamp        int64  `json:"timestamp,omitempty"`

	EncryptedVoice string         `json:"encryptedVoice,omitempty"`
	VoiceDuration  float64        `json:"voiceDuration,omitempty"`
	EncryptedImage string         `json:"encryptedImage,omitempty"`
	ImageMetadata  *ImageMetadata `json:"imageMetadata,omitempty"`
	EncryptedFile  string         `json:"encryptedFile,omitempty"`
	FileMetadata   *FileMetadata  `json:"fileMetadata,omitempty"`
	IsForwarded    bool           `json:"isForwarded,omitempty"`
	ReplyTo        *ReplyRef      `json:"replyTo,omitempty"`

	// GroupID is set when the envelope is a queued copy of a group
	// message; clients render it in the group conversation.
	GroupID    string `json:"groupId,omitempty"`
	SenderName string `json:"senderName,omitempty"`

	// SenderPublicKey is attached on delivery so recipients who have never
	// seen the sender can decrypt without a directory round-trip.
	SenderPublicKey string `json:"senderPublicKey,omitempty"`
}

// MessageDeliveredPayload reports routing outcome back to the sender.
// Status is "delivered" when the live socket write succeeded and "pending"
// when the envelope was queued for later backfill.
type MessageDeliveredPayload struct {
	MessageID   string `json:"messageId"`
	Status      string `json:"status"`
	ToWhisperID string `json:"toWhisperId"`
}

// DeliveryReceiptPayload is a client-originated receipt for a message it
// received. ToWhisperID names the original sender.
type DeliveryReceiptPayload struct {
	MessageID   string `json:"messageId"`
	ToWhisperID string `json:"toWhisperId"`
	Status      string `json:"status"`
}

// DeliveryStatusPayload forwards a receipt to the original sender.
type DeliveryStatusPayload struct {
	MessageID     string `json:"messageId"`
	Status        string `json:"status"`
	FromWhisperID string `json:"fromWhisperId"`
}

// FetchPendingPayload requests a page of queued messages.
type FetchPendingPayload struct {
	Cursor string `json:"cursor,omitempty"`
}

// PendingMessagesPayload is one page of the offline queue, FIFO by
// insertion.
type PendingMessagesPayload struct {
	Messages   []Envelope `json:"messages"`
	Cursor     string     `json:"cursor,omitempty"`
	NextCursor string     `json:"nextCursor,omitempty"`
	HasMore    bool       `json:"hasMore"`
}

// TypingPayload is a transient typing indicator. Never queued.
type TypingPayload struct {
	ToWhisperID string `json:"toWhisperId"`
	IsTyping    bool   `json:"isTyping"`
}

// TypingStatusPayload is the forwarded form of a typing indicator.
type TypingStatusPayload struct {
	FromWhisperID string `json:"fromWhisperId"`
	IsTyping      bool   `json:"isTyping"`
}

// ReactionPayload adds or removes (nil emoji) a reaction. Live-only.
type ReactionPayload struct {
	MessageID   string  `json:"messageId"`
	ToWhisperID string  `json:"toWhisperId"`
	Emoji       *string `json:"emoji"`
}

// ReactionReceivedPayload is the forwarded form of a reaction.
type ReactionReceivedPayload struct {
	MessageID     string  `json:"messageId"`
	FromWhisperID string  `json:"fromWhisperId"`
	Emoji         *string `json:"emoji"`
}

// BlockPayload blocks or unblocks a single Whisper ID.
type BlockPayload struct {
	WhisperID string `json:"whisperId"`
}

// BlockAckPayload acknowledges a block or unblock.
type BlockAckPayload struct {
	WhisperID string `json:"whisperId"`
	Blocked   bool   `json:"blocked"`
}

// DeleteAccountPayload carries the three-part deletion proof: the literal
// confirmation string, a timestamp within five minutes of server time, and
// an Ed25519 signature over "DELETE_MY_ACCOUNT:" + timestamp.
type DeleteAccountPayload struct {
	Confirmation string `json:"confirmation"`
	Timestamp    int64  `json:"timestamp"`
	Signature    string `json:"signature"`
}

// AccountDeletedPayload confirms account deletion before the socket closes.
type AccountDeletedPayload struct {
	Success bool `json:"success"`
}

// CallInitiatePayload opens a call. Offer is an opaque SDP blob.
type CallInitiatePayload struct {
	ToWhisperID string `json:"toWhisperId"`
	CallID      string `json:"callId"`
	Offer       string `json:"offer"`
	IsVideo     bool   `json:"isVideo,omitempty"`
	CallerName  string `json:"callerName,omitempty"`
}

// IncomingCallPayload is delivered to the callee.
type IncomingCallPayload struct {
	FromWhisperID string `json:"fromWhisperId"`
	CallID        string `json:"callId"`
	Offer         string `json:"offer"`
	IsVideo       bool   `json:"isVideo"`
	CallerName    string `json:"callerName,omitempty"`
}

// CallRingingPayload tells the caller the callee was reached live.
type CallRingingPayload struct {
	CallID      string `json:"callId"`
	ToWhisperID string `json:"toWhisperId"`
}

// CallAnswerPayload carries the answer SDP back toward the caller.
type CallAnswerPayload struct {
	ToWhisperID string `json:"toWhisperId"`
	CallID      string `json:"callId"`
	Answer      string `json:"answer"`
}

// CallAnsweredPayload is the forwarded form of an answer.
type CallAnsweredPayload struct {
	FromWhisperID string `json:"fromWhisperId"`
	CallID        string `json:"callId"`
	Answer        string `json:"answer"`
}

// CallICECandidatePayload relays one ICE candidate, best-effort.
type CallICECandidatePayload struct {
	ToWhisperID   string          `json:"toWhisperId,omitempty"`
	FromWhisperID string          `json:"fromWhisperId,omitempty"`
	CallID        string          `json:"callId"`
	Candidate     json.RawMessage `json:"candidate"`
}

// CallEndPayload terminates a call.
type CallEndPayload struct {
	ToWhisperID string `json:"toWhisperId"`
	CallID      string `json:"callId"`
}

// CallEndedPayload is the forwarded form of a termination.
type CallEndedPayload struct {
	FromWhisperID string `json:"fromWhisperId"`
	CallID        string `json:"callId"`
}

// TURNCredentialsPayload carries time-limited TURN REST credentials.
type TURNCredentialsPayload struct {
	Username   string   `json:"username"`
	Credential string   `json:"credential"`
	TTL        int64    `json:"ttl"`
	URLs       []string `json:"urls"`
}

// CreateGroupPayload creates a group with the requester as creator.
type CreateGroupPayload struct {
	GroupID string   `json:"groupId"`
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

// GroupCreatedPayload announces a new group to its members.
type GroupCreatedPayload struct {
	GroupID   string   `json:"groupId"`
	Name      string   `json:"name"`
	Creator   string   `json:"creator"`
	Members   []string `json:"members"`
	CreatedAt int64    `json:"createdAt"`
}

// SendGroupMessagePayload fans an opaque ciphertext out to current members.
type SendGroupMessagePayload struct {
	GroupID          string `json:"groupId"`
	MessageID        string `json:"messageId"`
	EncryptedContent string `json:"encryptedContent"`
	Nonce            string `json:"nonce"`
	SenderName       string `json:"senderName,omitempty"`
}

// GroupMessageReceivedPayload is the per-member fan-out frame.
type GroupMessageReceivedPayload struct {
	GroupID          string `json:"groupId"`
	MessageID        string `json:"messageId"`
	FromWhisperID    string `json:"fromWhisperId"`
	EncryptedContent string `json:"encryptedContent"`
	Nonce            string `json:"nonce"`
	Timestamp        int64  `json:"timestamp"`
	SenderName       string `json:"senderName,omitempty"`
}

// UpdateGroupPayload renames the group and adjusts membership. Applied in
// the order name, adds, removes. Creator only.
type UpdateGroupPayload struct {
	GroupID       string   `json:"groupId"`
	Name          string   `json:"name,omitempty"`
	AddMembers    []string `json:"addMembers,omitempty"`
	RemoveMembers []string `json:"removeMembers,omitempty"`
}

// GroupUpdatedPayload announces the post-update state, also to removed
// members so they learn they were removed.
type GroupUpdatedPayload struct {
	GroupID string   `json:"groupId"`
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

// LeaveGroupPayload removes the requester; a leaving creator destroys the
// group.
type LeaveGroupPayload struct {
	GroupID string `json:"groupId"`
}

// MemberLeftGroupPayload is emitted to the pre-leave membership set.
type MemberLeftGroupPayload struct {
	GroupID   string `json:"groupId"`
	WhisperID string `json:"whisperId"`
	Destroyed bool   `json:"destroyed,omitempty"`
}

// LookupPublicKeyPayload asks for a user's directory entry.
type LookupPublicKeyPayload struct {
	WhisperID string `json:"whisperId"`
}

// PublicKeyResponsePayload answers a directory lookup. Keys are null and
// Exists false for unknown users.
type PublicKeyResponsePayload struct {
	WhisperID        string  `json:"whisperId"`
	PublicKey        *string `json:"publicKey"`
	SigningPublicKey *string `json:"signingPublicKey,omitempty"`
	Exists           bool    `json:"exists"`
}

// ReportUserPayload files a moderation report against a user.
type ReportUserPayload struct {
	WhisperID string `json:"whisperId"`
	Reason    string `json:"reason,omitempty"`
}

// ReportAckPayload acknowledges a stored report.
type ReportAckPayload struct {
	Received bool `json:"received"`
}

// PrivacyPrefs are the per-session privacy toggles.
type PrivacyPrefs struct {
	SendReadReceipts    bool `json:"sendReadReceipts"`
	SendTypingIndicator bool `json:"sendTypingIndicator"`
	HideOnlineStatus    bool `json:"hideOnlineStatus"`
}

// PrivacyAckPayload echoes the applied preferences.
type PrivacyAckPayload struct {
	Prefs PrivacyPrefs `json:"prefs"`
}

// CheckOnlinePayload asks whether a user appears online.
type CheckOnlinePayload struct {
	WhisperID string `json:"whisperId"`
}

// OnlineStatusPayload answers a presence query, honoring hideOnlineStatus.
type OnlineStatusPayload struct {
	WhisperID string `json:"whisperId"`
	Online    bool   `json:"online"`
}

// DefaultPrivacyPrefs returns the prefs applied to a fresh session.
func DefaultPrivacyPrefs() PrivacyPrefs {
	return PrivacyPrefs{SendReadReceipts: true, SendTypingIndicator: true}
}

// Marshal builds a complete frame from a type tag and payload value.
func Marshal(frameType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Type: frameType, Payload: raw})
}
