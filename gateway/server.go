// Package gateway is the websocket front door: it upgrades connections,
// runs the challenge-response handshake, dispatches authenticated frames
// to the routing and signaling layers, and forwards cross-instance
// pub/sub traffic to local sockets.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/whisper-relay/accounts"
	"github.com/opd-ai/whisper-relay/auth"
	"github.com/opd-ai/whisper-relay/block"
	"github.com/opd-ai/whisper-relay/call"
	"github.com/opd-ai/whisper-relay/directory"
	"github.com/opd-ai/whisper-relay/group"
	"github.com/opd-ai/whisper-relay/limits"
	"github.com/opd-ai/whisper-relay/metrics"
	"github.com/opd-ai/whisper-relay/presence"
	"github.com/opd-ai/whisper-relay/protocol"
	"github.com/opd-ai/whisper-relay/push"
	"github.com/opd-ai/whisper-relay/queue"
	"github.com/opd-ai/whisper-relay/router"
	"github.com/opd-ai/whisper-relay/store"
)

// Server wires the websocket endpoint to every backing service.
type Server struct {
	kv       store.KV
	auth     *auth.Service
	presence *presence.Manager
	router   *router.Router
	queue    *queue.Queue
	blocks   *block.Registry
	dir      *directory.Directory
	groups   *group.Store
	offers   *call.OfferStore
	turn     *call.TURNIssuer
	push     *push.Dispatcher
	accounts *accounts.Service
	calls    *call.Tracker

	upgrader websocket.Upgrader
}

// Deps bundles the Server's collaborators.
type Deps struct {
	KV       store.KV
	Auth     *auth.Service
	Presence *presence.Manager
	Router   *router.Router
	Queue    *queue.Queue
	Blocks   *block.Registry
	Dir      *directory.Directory
	Groups   *group.Store
	Offers   *call.OfferStore
	TURN     *call.TURNIssuer
	Push     *push.Dispatcher
	Accounts *accounts.Service

	// AllowedOrigins is the Origin allow-list; empty allows every origin
	// (native mobile clients send none).
	AllowedOrigins []string
}

// New creates the gateway server.
func New(d Deps) *Server {
	s := &Server{
		kv:       d.KV,
		auth:     d.Auth,
		presence: d.Presence,
		router:   d.Router,
		queue:    d.Queue,
		blocks:   d.Blocks,
		dir:      d.Dir,
		groups:   d.Groups,
		offers:   d.Offers,
		turn:     d.TURN,
		push:     d.Push,
		accounts: d.Accounts,
		calls:    call.NewTracker(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(d.AllowedOrigins),
	}
	return s
}

// originChecker builds the Origin policy. Requests without an Origin
// header (native apps, server-side clients) always pass.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	hosts := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		if u, err := url.Parse(a); err == nil && u.Host != "" {
			hosts[strings.ToLower(u.Host)] = struct{}{}
			continue
		}
		hosts[strings.ToLower(a)] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := hosts[strings.ToLower(u.Host)]
		return ok
	}
}

// HandleWS upgrades the connection and runs its read loop.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithField("error", err.Error()).Debug("Upgrade rejected")
		return
	}

	c := newClient(uuid.NewString(), conn)
	conn.SetReadLimit(limits.MaxFrameSize)

	logrus.WithField("socket_id", c.socketID).Debug("Connection opened")
	s.readLoop(r.Context(), c)
}

func (s *Server) readLoop(ctx context.Context, c *client) {
	defer s.disconnect(c)

	for {
		msgType, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		var frame protocol.Frame
		if err := json.Unmarshal(raw, &frame); err != nil || frame.Type == "" {
			c.sendError(protocol.CodeParseError, "malformed frame")
			continue
		}
		metrics.FramesIn.WithLabelValues(frame.Type).Inc()
		s.dispatch(ctx, c, frame)
	}
}

// disconnect tears down everything the socket owned. Runs exactly once
// per connection, whatever killed the read loop.
func (s *Server) disconnect(c *client) {
	_ = c.conn.Close()
	s.auth.Drop(c.socketID)

	whisperID := c.WhisperID()
	if whisperID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// An evicted socket must not tear down user-level state the successor
	// session now owns.
	if sess, ok := s.presence.Get(whisperID); !ok || sess.Conn.SocketID() == c.socketID {
		// A caller that vanishes mid-ring hangs up for the callee.
		for _, callee := range s.offers.CancelAllFrom(whisperID) {
			s.router.Deliver(ctx, callee, protocol.TypeCallEnded, protocol.CallEndedPayload{
				FromWhisperID: whisperID,
			})
		}
		// Same for an in-flight call: the close is the end signal.
		if peer, callID, ok := s.calls.Drop(whisperID); ok {
			s.router.Deliver(ctx, peer, protocol.TypeCallEnded, protocol.CallEndedPayload{
				FromWhisperID: whisperID,
				CallID:        callID,
			})
		}
		s.router.Typing().ForgetUser(whisperID)
	}

	s.presence.Unregister(ctx, whisperID, c.socketID)
	metrics.ConnectionsActive.Set(float64(s.presence.Count()))
}

// dispatch routes one inbound frame. Everything except the handshake and
// ping requires an authenticated session. A panicking handler never takes
// down the read loop.
func (s *Server) dispatch(ctx context.Context, c *client, frame protocol.Frame) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"socket_id": c.socketID,
				"type":      frame.Type,
				"panic":     fmt.Sprint(r),
			}).Error("Handler panicked")
			c.sendError(protocol.CodeInternalError, "internal error")
		}
	}()

	switch frame.Type {
	case protocol.TypeRegister:
		s.handleRegister(ctx, c, frame.Payload)
		return
	case protocol.TypeRegisterProof:
		s.handleRegisterProof(ctx, c, frame.Payload)
		return
	case protocol.TypePing:
		if id := c.WhisperID(); id != "" {
			s.presence.Ping(ctx, id)
		}
		_ = c.Send(protocol.TypePong, struct{}{})
		return
	}

	whisperID := c.WhisperID()
	if whisperID == "" {
		c.sendError(protocol.CodeNotRegistered, "authenticate first")
		return
	}
	session, ok := s.presence.Get(whisperID)
	if !ok || session.Conn.SocketID() != c.socketID {
		c.sendError(protocol.CodeNotRegistered, "session superseded")
		return
	}

	switch frame.Type {
	case protocol.TypeSendMessage:
		s.handleSendMessage(ctx, c, whisperID, frame.Payload)
	case protocol.TypeDeliveryReceipt:
		s.handleDeliveryReceipt(ctx, c, whisperID, session, frame.Payload)
	case protocol.TypeFetchPending:
		s.handleFetchPending(ctx, c, whisperID, frame.Payload)
	case protocol.TypeTyping:
		s.handleTyping(ctx, c, whisperID, session, frame.Payload)
	case protocol.TypeReaction:
		s.handleReaction(ctx, c, whisperID, frame.Payload)
	case protocol.TypeBlockUser:
		s.handleBlock(ctx, c, whisperID, frame.Payload, true)
	case protocol.TypeUnblockUser:
		s.handleBlock(ctx, c, whisperID, frame.Payload, false)
	case protocol.TypeDeleteAccount:
		s.handleDeleteAccount(ctx, c, whisperID, frame.Payload)
	case protocol.TypeCallInitiate:
		s.handleCallInitiate(ctx, c, whisperID, frame.Payload)
	case protocol.TypeCallAnswer:
		s.handleCallAnswer(ctx, c, whisperID, frame.Payload)
	case protocol.TypeCallICECandidate:
		s.handleCallICECandidate(ctx, c, whisperID, frame.Payload)
	case protocol.TypeCallEnd:
		s.handleCallEnd(ctx, c, whisperID, frame.Payload)
	case protocol.TypeGetTURNCredentials:
		s.handleTURNCredentials(c, whisperID)
	case protocol.TypeCreateGroup:
		s.handleCreateGroup(ctx, c, whisperID, frame.Payload)
	case protocol.TypeSendGroupMessage:
		s.handleSendGroupMessage(ctx, c, whisperID, frame.Payload)
	case protocol.TypeUpdateGroup:
		s.handleUpdateGroup(ctx, c, whisperID, frame.Payload)
	case protocol.TypeLeaveGroup:
		s.handleLeaveGroup(ctx, c, whisperID, frame.Payload)
	case protocol.TypeLookupPublicKey:
		s.handleLookupPublicKey(ctx, c, frame.Payload)
	case protocol.TypeReportUser:
		s.handleReportUser(ctx, c, whisperID, frame.Payload)
	case protocol.TypeUpdatePrivacy:
		s.handleUpdatePrivacy(ctx, c, whisperID, session, frame.Payload)
	case protocol.TypeCheckOnline:
		s.handleCheckOnline(ctx, c, frame.Payload)
	default:
		c.sendError(protocol.CodeUnknownType, "unknown frame type "+frame.Type)
	}
}

// decode unmarshals a payload, reporting a parse error to the client on
// failure.
func decode[T any](c *client, raw json.RawMessage, out *T) bool {
	if err := json.Unmarshal(raw, out); err != nil {
		c.sendError(protocol.CodeParseError, "malformed payload")
		return false
	}
	return true
}
