package gateway

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/box"

	"github.com/opd-ai/whisper-relay/accounts"
	"github.com/opd-ai/whisper-relay/auth"
	"github.com/opd-ai/whisper-relay/block"
	"github.com/opd-ai/whisper-relay/call"
	"github.com/opd-ai/whisper-relay/directory"
	"github.com/opd-ai/whisper-relay/group"
	"github.com/opd-ai/whisper-relay/identity"
	"github.com/opd-ai/whisper-relay/presence"
	"github.com/opd-ai/whisper-relay/protocol"
	"github.com/opd-ai/whisper-relay/push"
	"github.com/opd-ai/whisper-relay/queue"
	"github.com/opd-ai/whisper-relay/router"
	"github.com/opd-ai/whisper-relay/store"
)

const readWait = 2 * time.Second

// testUser carries a full client keyset: an X25519 box pair for message
// encryption and an Ed25519 pair for authentication.
type testUser struct {
	whisperID string
	boxPub    *[32]byte
	boxPriv   *[32]byte
	signPub   ed25519.PublicKey
	signPriv  ed25519.PrivateKey
}

func newUser(t *testing.T, whisperID string) *testUser {
	t.Helper()
	pub, priv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return &testUser{
		whisperID: whisperID,
		boxPub:    pub,
		boxPriv:   priv,
		signPub:   signPub,
		signPriv:  signPriv,
	}
}

func (u *testUser) publicKey() string        { return base64.StdEncoding.EncodeToString(u.boxPub[:]) }
func (u *testUser) signingPublicKey() string { return base64.StdEncoding.EncodeToString(u.signPub) }

type env struct {
	server *Server
	http   *httptest.Server
	kv     *store.MemoryKV
	dir    *directory.Directory
	groups *group.Store
	blocks *block.Registry
	offers *call.OfferStore
	accts  *accounts.Service
	queue  *queue.Queue
}

type nopSender struct{}

func (nopSender) Send(context.Context, string, string, string, string, map[string]string) error {
	return nil
}

func newEnv(t *testing.T) *env {
	t.Helper()
	kv := store.NewMemoryKV()
	authSvc := auth.NewService()
	pm := presence.NewManager(kv)
	q := queue.New(kv)
	blocks := block.NewRegistry(kv)
	dir := directory.New(kv)
	groups := group.NewStore(kv)
	offers := call.NewOfferStore()
	pd := push.NewDispatcher(nopSender{}, nil)
	accts := accounts.NewService(kv, dir, q, blocks, groups, pm)
	rt := router.New(pm, q, blocks, dir, pd, kv, false)

	server := New(Deps{
		KV:       kv,
		Auth:     authSvc,
		Presence: pm,
		Router:   rt,
		Queue:    q,
		Blocks:   blocks,
		Dir:      dir,
		Groups:   groups,
		Offers:   offers,
		TURN:     call.NewTURNIssuer("test-secret", []string{"turn:turn.test:3478"}, time.Hour),
		Push:     pd,
		Accounts: accts,
	})

	ts := httptest.NewServer(http.HandlerFunc(server.HandleWS))
	t.Cleanup(ts.Close)

	return &env{
		server: server,
		http:   ts,
		kv:     kv,
		dir:    dir,
		groups: groups,
		blocks: blocks,
		offers: offers,
		accts:  accts,
		queue:  q,
	}
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (e *env) dial(t *testing.T) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.http.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(frameType string, payload any) {
	c.t.Helper()
	raw, err := protocol.Marshal(frameType, payload)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, raw))
}

func (c *wsClient) read() protocol.Frame {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(readWait)))
	_, raw, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	var frame protocol.Frame
	require.NoError(c.t, json.Unmarshal(raw, &frame))
	return frame
}

// expect reads one frame and asserts its type, returning the raw payload.
func (c *wsClient) expect(frameType string) json.RawMessage {
	c.t.Helper()
	frame := c.read()
	require.Equal(c.t, frameType, frame.Type, "unexpected frame %s: %s", frame.Type, frame.Payload)
	return frame.Payload
}

func unmarshal[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

// authenticate runs the full challenge-response handshake.
func (c *wsClient) authenticate(u *testUser) {
	c.t.Helper()
	c.send(protocol.TypeRegister, protocol.RegisterPayload{
		WhisperID:        u.whisperID,
		PublicKey:        u.publicKey(),
		SigningPublicKey: u.signingPublicKey(),
	})
	challenge := unmarshal[protocol.RegisterChallengePayload](c.t, c.expect(protocol.TypeRegisterChallenge))
	bytes, err := base64.StdEncoding.DecodeString(challenge.Challenge)
	require.NoError(c.t, err)

	signature := ed25519.Sign(u.signPriv, bytes)
	c.send(protocol.TypeRegisterProof, protocol.RegisterProofPayload{
		Signature: base64.StdEncoding.EncodeToString(signature),
	})
	ack := unmarshal[protocol.RegisterAckPayload](c.t, c.expect(protocol.TypeRegisterAck))
	require.True(c.t, ack.Success)
}

func TestHandshakeAndGating(t *testing.T) {
	e := newEnv(t)
	c := e.dial(t)

	// Pre-auth frames other than the handshake are rejected.
	c.send(protocol.TypeSendMessage, protocol.Envelope{ToWhisperID: "WSP-AAAA-BBBB-CCCC"})
	errPayload := unmarshal[protocol.ErrorPayload](t, c.expect(protocol.TypeError))
	assert.Equal(t, protocol.CodeNotRegistered, errPayload.Code)

	c.authenticate(newUser(t, "WSP-AAAA-BBBB-CCCC"))
}

func TestHandshakeRejectsBadSignature(t *testing.T) {
	e := newEnv(t)
	c := e.dial(t)
	u := newUser(t, "WSP-AAAA-BBBB-CCCC")
	imposter := newUser(t, u.whisperID)

	c.send(protocol.TypeRegister, protocol.RegisterPayload{
		WhisperID:        u.whisperID,
		PublicKey:        u.publicKey(),
		SigningPublicKey: u.signingPublicKey(),
	})
	challenge := unmarshal[protocol.RegisterChallengePayload](t, c.expect(protocol.TypeRegisterChallenge))
	bytes, err := base64.StdEncoding.DecodeString(challenge.Challenge)
	require.NoError(t, err)

	// Signed by the wrong key.
	signature := ed25519.Sign(imposter.signPriv, bytes)
	c.send(protocol.TypeRegisterProof, protocol.RegisterProofPayload{
		Signature: base64.StdEncoding.EncodeToString(signature),
	})
	errPayload := unmarshal[protocol.ErrorPayload](t, c.expect(protocol.TypeError))
	assert.Equal(t, protocol.CodeAuthFailed, errPayload.Code)

	// The socket survives the failure; a correctly signed retry on the
	// same connection succeeds.
	c.authenticate(u)
}

func TestEndToEndEncryptedMessage(t *testing.T) {
	e := newEnv(t)
	alice := newUser(t, "WSP-ALIC-0000-0001")
	bob := newUser(t, "WSP-BOBB-0000-0002")

	ca := e.dial(t)
	ca.authenticate(alice)
	cb := e.dial(t)
	cb.authenticate(bob)

	// Alice encrypts for Bob client-side; the relay only sees base64.
	plaintext := []byte("meet at the usual place")
	var nonce [24]byte
	_, err := rand.Read(nonce[:])
	require.NoError(t, err)
	ciphertext := box.Seal(nil, plaintext, &nonce, bob.boxPub, alice.boxPriv)

	ca.send(protocol.TypeSendMessage, protocol.Envelope{
		MessageID:        uuid.NewString(),
		ToWhisperID:      bob.whisperID,
		EncryptedContent: base64.StdEncoding.EncodeToString(ciphertext),
		Nonce:            base64.StdEncoding.EncodeToString(nonce[:]),
	})

	received := unmarshal[protocol.Envelope](t, cb.expect(protocol.TypeMessageReceived))
	assert.Equal(t, alice.whisperID, received.FromWhisperID)
	assert.NotZero(t, received.Timestamp)

	// Bob decrypts using the sender key the relay attached.
	senderKey, err := identity.DecodePublicKey(received.SenderPublicKey)
	require.NoError(t, err)
	ct, err := base64.StdEncoding.DecodeString(received.EncryptedContent)
	require.NoError(t, err)
	var n [24]byte
	nb, err := base64.StdEncoding.DecodeString(received.Nonce)
	require.NoError(t, err)
	copy(n[:], nb)
	opened, ok := box.Open(nil, ct, &n, &senderKey, bob.boxPriv)
	require.True(t, ok)
	assert.Equal(t, plaintext, opened)

	delivered := unmarshal[protocol.MessageDeliveredPayload](t, ca.expect(protocol.TypeMessageDelivered))
	assert.Equal(t, router.StatusDelivered, delivered.Status)
}

func TestOfflineQueueAndBackfill(t *testing.T) {
	e := newEnv(t)
	alice := newUser(t, "WSP-ALIC-0000-0001")
	bob := newUser(t, "WSP-BOBB-0000-0002")

	ca := e.dial(t)
	ca.authenticate(alice)

	mid := uuid.NewString()
	ca.send(protocol.TypeSendMessage, protocol.Envelope{
		MessageID:        mid,
		ToWhisperID:      bob.whisperID,
		EncryptedContent: "b64ct",
		Nonce:            "b64nonce",
	})
	delivered := unmarshal[protocol.MessageDeliveredPayload](t, ca.expect(protocol.TypeMessageDelivered))
	assert.Equal(t, router.StatusPending, delivered.Status)

	cb := e.dial(t)
	cb.authenticate(bob)

	// The first page arrives unprompted right after register_ack.
	page := unmarshal[protocol.PendingMessagesPayload](t, cb.expect(protocol.TypePendingMessages))
	require.Len(t, page.Messages, 1)
	assert.Equal(t, mid, page.Messages[0].MessageID)
	assert.False(t, page.HasMore)

	// A single-page drain clears the queue entirely.
	n, err := e.queue.Len(context.Background(), bob.whisperID)
	require.NoError(t, err)
	assert.Zero(t, n)
	cb.send(protocol.TypeFetchPending, protocol.FetchPendingPayload{})
	page = unmarshal[protocol.PendingMessagesPayload](t, cb.expect(protocol.TypePendingMessages))
	assert.Empty(t, page.Messages)
	assert.False(t, page.HasMore)
}

func TestBlockedSenderGetsError(t *testing.T) {
	e := newEnv(t)
	alice := newUser(t, "WSP-ALIC-0000-0001")
	bob := newUser(t, "WSP-BOBB-0000-0002")

	cb := e.dial(t)
	cb.authenticate(bob)
	cb.send(protocol.TypeBlockUser, protocol.BlockPayload{WhisperID: alice.whisperID})
	ack := unmarshal[protocol.BlockAckPayload](t, cb.expect(protocol.TypeBlockAck))
	assert.True(t, ack.Blocked)

	ca := e.dial(t)
	ca.authenticate(alice)
	ca.send(protocol.TypeSendMessage, protocol.Envelope{
		MessageID:        uuid.NewString(),
		ToWhisperID:      bob.whisperID,
		EncryptedContent: "ct",
		Nonce:            "n",
	})
	errPayload := unmarshal[protocol.ErrorPayload](t, ca.expect(protocol.TypeError))
	assert.Equal(t, protocol.CodeBlocked, errPayload.Code)
}

func TestTransientFramesRejectBadIDs(t *testing.T) {
	e := newEnv(t)
	alice := newUser(t, "WSP-ALIC-0000-0001")
	ca := e.dial(t)
	ca.authenticate(alice)

	for _, frame := range []struct {
		frameType string
		payload   any
	}{
		{protocol.TypeDeliveryReceipt, protocol.DeliveryReceiptPayload{MessageID: "m1", ToWhisperID: "nope", Status: "read"}},
		{protocol.TypeTyping, protocol.TypingPayload{ToWhisperID: "nope", IsTyping: true}},
		{protocol.TypeReaction, protocol.ReactionPayload{MessageID: "m1", ToWhisperID: "nope"}},
		{protocol.TypeCallICECandidate, protocol.CallICECandidatePayload{ToWhisperID: "nope", CallID: uuid.NewString(), Candidate: json.RawMessage(`{}`)}},
		{protocol.TypeCallEnd, protocol.CallEndPayload{ToWhisperID: "nope", CallID: uuid.NewString()}},
		{protocol.TypeCallAnswer, protocol.CallAnswerPayload{ToWhisperID: "nope", CallID: uuid.NewString(), Answer: "v=0"}},
	} {
		ca.send(frame.frameType, frame.payload)
		errPayload := unmarshal[protocol.ErrorPayload](t, ca.expect(protocol.TypeError))
		assert.Equal(t, protocol.CodeInvalidID, errPayload.Code, frame.frameType)
	}

	// A well-shaped recipient with a malformed call id is a payload
	// problem, not an id problem.
	ca.send(protocol.TypeCallAnswer, protocol.CallAnswerPayload{
		ToWhisperID: "WSP-BOBB-0000-0002",
		CallID:      "not-a-uuid",
		Answer:      "v=0",
	})
	errPayload := unmarshal[protocol.ErrorPayload](t, ca.expect(protocol.TypeError))
	assert.Equal(t, protocol.CodeInvalidPayload, errPayload.Code)
}

func TestCallSignalingLive(t *testing.T) {
	e := newEnv(t)
	alice := newUser(t, "WSP-ALIC-0000-0001")
	bob := newUser(t, "WSP-BOBB-0000-0002")

	ca := e.dial(t)
	ca.authenticate(alice)
	cb := e.dial(t)
	cb.authenticate(bob)

	callID := uuid.NewString()
	ca.send(protocol.TypeCallInitiate, protocol.CallInitiatePayload{
		ToWhisperID: bob.whisperID,
		CallID:      callID,
		Offer:       "v=0 offer-sdp",
		IsVideo:     true,
	})

	incoming := unmarshal[protocol.IncomingCallPayload](t, cb.expect(protocol.TypeIncomingCall))
	assert.Equal(t, alice.whisperID, incoming.FromWhisperID)
	assert.True(t, incoming.IsVideo)

	ringing := unmarshal[protocol.CallRingingPayload](t, ca.expect(protocol.TypeCallRinging))
	assert.Equal(t, callID, ringing.CallID)

	cb.send(protocol.TypeCallAnswer, protocol.CallAnswerPayload{
		ToWhisperID: alice.whisperID,
		CallID:      callID,
		Answer:      "v=0 answer-sdp",
	})
	answered := unmarshal[protocol.CallAnsweredPayload](t, ca.expect(protocol.TypeCallAnswered))
	assert.Equal(t, "v=0 answer-sdp", answered.Answer)

	cb.send(protocol.TypeCallEnd, protocol.CallEndPayload{ToWhisperID: alice.whisperID, CallID: callID})
	ended := unmarshal[protocol.CallEndedPayload](t, ca.expect(protocol.TypeCallEnded))
	assert.Equal(t, bob.whisperID, ended.FromWhisperID)
}

func TestPendingOfferDeliveredOnConnect(t *testing.T) {
	e := newEnv(t)
	alice := newUser(t, "WSP-ALIC-0000-0001")
	bob := newUser(t, "WSP-BOBB-0000-0002")

	ca := e.dial(t)
	ca.authenticate(alice)

	callID := uuid.NewString()
	ca.send(protocol.TypeCallInitiate, protocol.CallInitiatePayload{
		ToWhisperID: bob.whisperID,
		CallID:      callID,
		Offer:       "v=0 offer-sdp",
	})

	require.Eventually(t, func() bool { return e.offers.Len() == 1 },
		time.Second, 10*time.Millisecond)

	cb := e.dial(t)
	cb.authenticate(bob)
	incoming := unmarshal[protocol.IncomingCallPayload](t, cb.expect(protocol.TypeIncomingCall))
	assert.Equal(t, callID, incoming.CallID)
	assert.Equal(t, alice.whisperID, incoming.FromWhisperID)
}

func TestCallerDisconnectEndsCall(t *testing.T) {
	e := newEnv(t)
	alice := newUser(t, "WSP-ALIC-0000-0001")
	bob := newUser(t, "WSP-BOBB-0000-0002")

	ca := e.dial(t)
	ca.authenticate(alice)
	cb := e.dial(t)
	cb.authenticate(bob)

	callID := uuid.NewString()
	ca.send(protocol.TypeCallInitiate, protocol.CallInitiatePayload{
		ToWhisperID: bob.whisperID,
		CallID:      callID,
		Offer:       "v=0 offer-sdp",
	})
	incoming := unmarshal[protocol.IncomingCallPayload](t, cb.expect(protocol.TypeIncomingCall))
	assert.Equal(t, callID, incoming.CallID)

	// The caller's socket dies mid-call; the callee gets a hang-up.
	require.NoError(t, ca.conn.Close())
	ended := unmarshal[protocol.CallEndedPayload](t, cb.expect(protocol.TypeCallEnded))
	assert.Equal(t, alice.whisperID, ended.FromWhisperID)
	assert.Equal(t, callID, ended.CallID)
}

func TestCallInitiateBlocked(t *testing.T) {
	e := newEnv(t)
	alice := newUser(t, "WSP-ALIC-0000-0001")
	bob := newUser(t, "WSP-BOBB-0000-0002")

	cb := e.dial(t)
	cb.authenticate(bob)
	cb.send(protocol.TypeBlockUser, protocol.BlockPayload{WhisperID: alice.whisperID})
	cb.expect(protocol.TypeBlockAck)

	ca := e.dial(t)
	ca.authenticate(alice)
	ca.send(protocol.TypeCallInitiate, protocol.CallInitiatePayload{
		ToWhisperID: bob.whisperID,
		CallID:      uuid.NewString(),
		Offer:       "v=0 offer-sdp",
	})
	errPayload := unmarshal[protocol.ErrorPayload](t, ca.expect(protocol.TypeError))
	assert.Equal(t, protocol.CodeBlocked, errPayload.Code)
}

func TestGroupLifecycle(t *testing.T) {
	e := newEnv(t)
	alice := newUser(t, "WSP-ALIC-0000-0001")
	bob := newUser(t, "WSP-BOBB-0000-0002")
	carol := newUser(t, "WSP-CARL-0000-0003")

	ca := e.dial(t)
	ca.authenticate(alice)
	cb := e.dial(t)
	cb.authenticate(bob)

	gid := "GRP-AAAA-BBBB-CCCC"
	ca.send(protocol.TypeCreateGroup, protocol.CreateGroupPayload{
		GroupID: gid,
		Name:    "Trip",
		Members: []string{bob.whisperID, carol.whisperID},
	})

	created := unmarshal[protocol.GroupCreatedPayload](t, cb.expect(protocol.TypeGroupCreated))
	assert.Equal(t, "Trip", created.Name)
	echo := unmarshal[protocol.GroupCreatedPayload](t, ca.expect(protocol.TypeGroupCreated))
	assert.Equal(t, alice.whisperID, echo.Creator)

	// Offline member gets the invite on next auth.
	cc := e.dial(t)
	cc.authenticate(carol)
	invite := unmarshal[protocol.GroupCreatedPayload](t, cc.expect(protocol.TypeGroupCreated))
	assert.Equal(t, gid, invite.GroupID)

	// Fan a message out.
	mid := uuid.NewString()
	ca.send(protocol.TypeSendGroupMessage, protocol.SendGroupMessagePayload{
		GroupID:          gid,
		MessageID:        mid,
		EncryptedContent: "group-ct",
		Nonce:            "group-nonce",
	})
	for _, c := range []*wsClient{cb, cc} {
		msg := unmarshal[protocol.GroupMessageReceivedPayload](t, c.expect(protocol.TypeGroupMessageReceived))
		assert.Equal(t, mid, msg.MessageID)
		assert.Equal(t, alice.whisperID, msg.FromWhisperID)
	}

	// Bob leaves; everyone who was a member hears about it.
	cb.send(protocol.TypeLeaveGroup, protocol.LeaveGroupPayload{GroupID: gid})
	for _, c := range []*wsClient{ca, cb, cc} {
		left := unmarshal[protocol.MemberLeftGroupPayload](t, c.expect(protocol.TypeMemberLeftGroup))
		assert.Equal(t, bob.whisperID, left.WhisperID)
		assert.False(t, left.Destroyed)
	}

	// Non-member can no longer post.
	cb.send(protocol.TypeSendGroupMessage, protocol.SendGroupMessagePayload{
		GroupID: gid, MessageID: uuid.NewString(), EncryptedContent: "x", Nonce: "n",
	})
	errPayload := unmarshal[protocol.ErrorPayload](t, cb.expect(protocol.TypeError))
	assert.Equal(t, protocol.CodeUnauthorized, errPayload.Code)
}

func TestTURNCredentialsFrame(t *testing.T) {
	e := newEnv(t)
	alice := newUser(t, "WSP-ALIC-0000-0001")
	ca := e.dial(t)
	ca.authenticate(alice)

	ca.send(protocol.TypeGetTURNCredentials, struct{}{})
	creds := unmarshal[protocol.TURNCredentialsPayload](t, ca.expect(protocol.TypeTURNCredentials))
	assert.Contains(t, creds.Username, alice.whisperID)
	assert.NotEmpty(t, creds.Credential)
	assert.Equal(t, []string{"turn:turn.test:3478"}, creds.URLs)
}

func TestSessionSupersession(t *testing.T) {
	e := newEnv(t)
	alice := newUser(t, "WSP-ALIC-0000-0001")

	first := e.dial(t)
	first.authenticate(alice)
	second := e.dial(t)
	second.authenticate(alice)

	// The first socket is closed with a normal close frame.
	require.NoError(t, first.conn.SetReadDeadline(time.Now().Add(readWait)))
	_, _, err := first.conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected close error, got %v", err)
	assert.Equal(t, presence.CloseNormal, closeErr.Code)
	assert.Equal(t, presence.SupersededReason, closeErr.Text)
}

func TestDeleteAccount(t *testing.T) {
	e := newEnv(t)
	alice := newUser(t, "WSP-ALIC-0000-0001")
	ca := e.dial(t)
	ca.authenticate(alice)

	ts := time.Now().Unix()
	statement := fmt.Sprintf("%s:%d", auth.DeletionConfirmation, ts)
	signature := ed25519.Sign(alice.signPriv, []byte(statement))

	ca.send(protocol.TypeDeleteAccount, protocol.DeleteAccountPayload{
		Confirmation: auth.DeletionConfirmation,
		Timestamp:    ts,
		Signature:    base64.StdEncoding.EncodeToString(signature),
	})
	deleted := unmarshal[protocol.AccountDeletedPayload](t, ca.expect(protocol.TypeAccountDeleted))
	assert.True(t, deleted.Success)

	_, err := e.dir.GetKeys(context.Background(), alice.whisperID)
	assert.ErrorIs(t, err, directory.ErrUnknownUser)
}

func TestBannedUserCannotRegister(t *testing.T) {
	e := newEnv(t)
	alice := newUser(t, "WSP-ALIC-0000-0001")
	e.accts.Ban(context.Background(), alice.whisperID, "abuse")

	ca := e.dial(t)
	ca.send(protocol.TypeRegister, protocol.RegisterPayload{
		WhisperID:        alice.whisperID,
		PublicKey:        alice.publicKey(),
		SigningPublicKey: alice.signingPublicKey(),
	})
	errPayload := unmarshal[protocol.ErrorPayload](t, ca.expect(protocol.TypeError))
	assert.Equal(t, protocol.CodeBanned, errPayload.Code)
}

func TestCheckOnlineHonorsPrivacy(t *testing.T) {
	e := newEnv(t)
	alice := newUser(t, "WSP-ALIC-0000-0001")
	bob := newUser(t, "WSP-BOBB-0000-0002")

	ca := e.dial(t)
	ca.authenticate(alice)
	cb := e.dial(t)
	cb.authenticate(bob)

	cb.send(protocol.TypeCheckOnline, protocol.CheckOnlinePayload{WhisperID: alice.whisperID})
	status := unmarshal[protocol.OnlineStatusPayload](t, cb.expect(protocol.TypeOnlineStatus))
	assert.True(t, status.Online)

	// Alice hides; the next query says offline even though her socket is
	// live.
	ca.send(protocol.TypeUpdatePrivacy, protocol.PrivacyPrefs{
		SendReadReceipts:    true,
		SendTypingIndicator: true,
		HideOnlineStatus:    true,
	})
	ca.expect(protocol.TypePrivacyAck)

	cb.send(protocol.TypeCheckOnline, protocol.CheckOnlinePayload{WhisperID: alice.whisperID})
	status = unmarshal[protocol.OnlineStatusPayload](t, cb.expect(protocol.TypeOnlineStatus))
	assert.False(t, status.Online)
}
