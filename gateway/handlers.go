package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/whisper-relay/auth"
	"github.com/opd-ai/whisper-relay/call"
	"github.com/opd-ai/whisper-relay/directory"
	"github.com/opd-ai/whisper-relay/group"
	"github.com/opd-ai/whisper-relay/identity"
	"github.com/opd-ai/whisper-relay/limits"
	"github.com/opd-ai/whisper-relay/metrics"
	"github.com/opd-ai/whisper-relay/presence"
	"github.com/opd-ai/whisper-relay/protocol"
	"github.com/opd-ai/whisper-relay/router"
	"github.com/opd-ai/whisper-relay/store"
)

func (s *Server) handleRegister(ctx context.Context, c *client, raw json.RawMessage) {
	var p protocol.RegisterPayload
	if !decode(c, raw, &p) {
		return
	}
	if err := identity.CheckWhisperID(p.WhisperID); err != nil {
		c.sendError(protocol.CodeInvalidID, err.Error())
		return
	}
	if !identity.ValidPublicKey(p.PublicKey) || !identity.ValidPublicKey(p.SigningPublicKey) {
		c.sendError(protocol.CodeInvalidPayload, "malformed public key")
		return
	}
	if s.accounts.IsBanned(ctx, p.WhisperID) {
		c.sendError(protocol.CodeBanned, "account banned")
		_ = c.CloseWith(presence.ClosePolicy, "banned")
		return
	}

	challenge, err := s.auth.Issue(c.socketID, auth.Claim{
		WhisperID:        p.WhisperID,
		PublicKey:        p.PublicKey,
		SigningPublicKey: p.SigningPublicKey,
		PushToken:        p.PushToken,
		VoIPToken:        p.VoIPToken,
		Platform:         p.Platform,
	})
	if err != nil {
		c.sendError(protocol.CodeInternalError, "challenge issue failed")
		return
	}
	_ = c.Send(protocol.TypeRegisterChallenge, protocol.RegisterChallengePayload{Challenge: challenge})
}

func (s *Server) handleRegisterProof(ctx context.Context, c *client, raw json.RawMessage) {
	var p protocol.RegisterProofPayload
	if !decode(c, raw, &p) {
		return
	}

	claim, err := s.auth.Verify(c.socketID, p.Signature)
	switch {
	case errors.Is(err, auth.ErrNoChallenge):
		c.sendError(protocol.CodeNoChallenge, "no challenge outstanding")
		return
	case errors.Is(err, auth.ErrChallengeExpired):
		c.sendError(protocol.CodeChallengeExpired, "challenge expired, register again")
		return
	case err != nil:
		// The pending challenge is already gone; the client may start a
		// fresh register on the same socket.
		metrics.AuthFailures.Inc()
		c.sendError(protocol.CodeAuthFailed, "signature verification failed")
		return
	}

	if err := s.dir.SetKeys(ctx, claim.WhisperID, directory.Keys{
		PublicKey:        claim.PublicKey,
		SigningPublicKey: claim.SigningPublicKey,
	}); err != nil {
		c.sendError(protocol.CodeInternalError, "directory write failed")
		return
	}
	_ = s.dir.SetPushTokens(ctx, claim.WhisperID, directory.PushTokens{
		Token:     claim.PushToken,
		VoIPToken: claim.VoIPToken,
		Platform:  claim.Platform,
	})
	_ = s.dir.TouchLastSeen(ctx, claim.WhisperID, time.Now())

	prefs := s.loadPrefs(ctx, claim.WhisperID)
	c.setWhisperID(claim.WhisperID)
	s.presence.Register(ctx, claim.WhisperID, c, prefs)
	metrics.ConnectionsActive.Set(float64(s.presence.Count()))

	_ = c.Send(protocol.TypeRegisterAck, protocol.RegisterAckPayload{Success: true})

	// Post-auth catch-up: the first backfill page, group invites that
	// arrived while offline, then any still-live call offer. Further
	// backfill pages are client-driven via fetch_pending{cursor}.
	if page, err := s.router.Backfill(ctx, claim.WhisperID, "", 0); err == nil && len(page.Messages) > 0 {
		_ = c.Send(protocol.TypePendingMessages, page)
	}
	invites, err := s.groups.DrainInvites(ctx, claim.WhisperID)
	if err == nil {
		for _, invite := range invites {
			_ = c.Send(protocol.TypeGroupCreated, invite)
		}
	}
	if offer, ok := s.offers.Take(claim.WhisperID); ok {
		_ = c.Send(protocol.TypeIncomingCall, offer)
	}

	logrus.WithFields(logrus.Fields{
		"whisper_id": claim.WhisperID,
		"socket_id":  c.socketID,
	}).Info("Session authenticated")
}

func (s *Server) loadPrefs(ctx context.Context, whisperID string) protocol.PrivacyPrefs {
	prefs := protocol.DefaultPrivacyPrefs()
	raw, err := s.kv.Get(ctx, store.PrefsKey(whisperID))
	if err == nil {
		_ = json.Unmarshal([]byte(raw), &prefs)
	}
	return prefs
}

func (s *Server) handleSendMessage(ctx context.Context, c *client, whisperID string, raw json.RawMessage) {
	var env protocol.Envelope
	if !decode(c, raw, &env) {
		return
	}
	// The sender field is the session identity, whatever the client put
	// in the payload.
	env.FromWhisperID = whisperID

	if err := identity.CheckWhisperID(env.ToWhisperID); err != nil {
		c.sendError(protocol.CodeInvalidID, err.Error())
		return
	}
	if env.MessageID == "" {
		c.sendError(protocol.CodeInvalidPayload, "messageId required")
		return
	}
	if err := limits.ValidateSize("encryptedContent", env.EncryptedContent, limits.MaxEncryptedContent); err != nil {
		c.sendError(protocol.CodeInvalidPayload, err.Error())
		return
	}
	if env.Nonce == "" {
		c.sendError(protocol.CodeInvalidPayload, "nonce required")
		return
	}
	for field, value := range map[string]string{
		"encryptedVoice": env.EncryptedVoice,
		"encryptedImage": env.EncryptedImage,
		"encryptedFile":  env.EncryptedFile,
	} {
		if err := limits.ValidateOptionalSize(field, value, limits.MaxAttachment); err != nil {
			c.sendError(protocol.CodeInvalidPayload, err.Error())
			return
		}
	}

	result, err := s.router.Route(ctx, env)
	if errors.Is(err, router.ErrBlocked) {
		metrics.MessagesRouted.WithLabelValues("blocked").Inc()
		c.sendError(protocol.CodeBlocked, "recipient is unavailable")
		return
	}
	if err != nil {
		c.sendError(protocol.CodeInternalError, "routing failed")
		return
	}
	metrics.MessagesRouted.WithLabelValues(result.Status).Inc()
	_ = c.Send(protocol.TypeMessageDelivered, result)
}

func (s *Server) handleDeliveryReceipt(ctx context.Context, c *client, whisperID string, session *presence.Session, raw json.RawMessage) {
	var p protocol.DeliveryReceiptPayload
	if !decode(c, raw, &p) {
		return
	}
	if err := identity.CheckWhisperID(p.ToWhisperID); err != nil {
		c.sendError(protocol.CodeInvalidID, err.Error())
		return
	}
	s.router.ForwardReceipt(ctx, whisperID, session.Prefs(), p)
}

func (s *Server) handleFetchPending(ctx context.Context, c *client, whisperID string, raw json.RawMessage) {
	var p protocol.FetchPendingPayload
	if len(raw) > 0 && !decode(c, raw, &p) {
		return
	}
	page, err := s.router.Backfill(ctx, whisperID, p.Cursor, 0)
	if err != nil {
		c.sendError(protocol.CodeInternalError, "backfill failed")
		return
	}
	_ = c.Send(protocol.TypePendingMessages, page)
}

func (s *Server) handleTyping(ctx context.Context, c *client, whisperID string, session *presence.Session, raw json.RawMessage) {
	var p protocol.TypingPayload
	if !decode(c, raw, &p) {
		return
	}
	if err := identity.CheckWhisperID(p.ToWhisperID); err != nil {
		c.sendError(protocol.CodeInvalidID, err.Error())
		return
	}
	if err := s.router.ForwardTyping(ctx, whisperID, session.Prefs(), p); errors.Is(err, router.ErrRateLimited) {
		c.sendError(protocol.CodeRateLimited, "typing indicators limited to one per pair per 2s")
	}
}

func (s *Server) handleReaction(ctx context.Context, c *client, whisperID string, raw json.RawMessage) {
	var p protocol.ReactionPayload
	if !decode(c, raw, &p) {
		return
	}
	if err := identity.CheckWhisperID(p.ToWhisperID); err != nil {
		c.sendError(protocol.CodeInvalidID, err.Error())
		return
	}
	if p.MessageID == "" {
		c.sendError(protocol.CodeInvalidPayload, "messageId required")
		return
	}
	if err := s.router.ForwardReaction(ctx, whisperID, p); err != nil {
		c.sendError(protocol.CodeInternalError, "reaction relay failed")
	}
}

func (s *Server) handleBlock(ctx context.Context, c *client, whisperID string, raw json.RawMessage, blocked bool) {
	var p protocol.BlockPayload
	if !decode(c, raw, &p) {
		return
	}
	if err := identity.CheckWhisperID(p.WhisperID); err != nil {
		c.sendError(protocol.CodeInvalidID, err.Error())
		return
	}

	var err error
	ackType := protocol.TypeBlockAck
	if blocked {
		err = s.blocks.Block(ctx, whisperID, p.WhisperID)
	} else {
		ackType = protocol.TypeUnblockAck
		err = s.blocks.Unblock(ctx, whisperID, p.WhisperID)
	}
	if err != nil {
		c.sendError(protocol.CodeInternalError, "block update failed")
		return
	}
	_ = c.Send(ackType, protocol.BlockAckPayload{WhisperID: p.WhisperID, Blocked: blocked})
}

func (s *Server) handleDeleteAccount(ctx context.Context, c *client, whisperID string, raw json.RawMessage) {
	var p protocol.DeleteAccountPayload
	if !decode(c, raw, &p) {
		return
	}
	keys, err := s.dir.GetKeys(ctx, whisperID)
	if err != nil {
		c.sendError(protocol.CodeInternalError, "directory lookup failed")
		return
	}
	if err := s.auth.VerifyDeletion(keys.SigningPublicKey, p.Confirmation, p.Timestamp, p.Signature); err != nil {
		c.sendError(protocol.CodeUnauthorized, "deletion proof rejected")
		return
	}

	s.accounts.Delete(ctx, whisperID)
	_ = c.Send(protocol.TypeAccountDeleted, protocol.AccountDeletedPayload{Success: true})
	_ = c.CloseWith(presence.CloseNormal, "account deleted")
}

func (s *Server) handleCallInitiate(ctx context.Context, c *client, whisperID string, raw json.RawMessage) {
	var p protocol.CallInitiatePayload
	if !decode(c, raw, &p) {
		return
	}
	if err := identity.CheckWhisperID(p.ToWhisperID); err != nil {
		c.sendError(protocol.CodeInvalidID, err.Error())
		return
	}
	if err := call.ValidateCallID(p.CallID); err != nil {
		c.sendError(protocol.CodeInvalidPayload, err.Error())
		return
	}
	if err := limits.ValidateSize("offer", p.Offer, limits.MaxSDP); err != nil {
		c.sendError(protocol.CodeInvalidPayload, err.Error())
		return
	}
	isBlocked, err := s.blocks.IsBlocked(ctx, p.ToWhisperID, whisperID)
	if err != nil {
		c.sendError(protocol.CodeInternalError, "block check failed")
		return
	}
	if isBlocked {
		c.sendError(protocol.CodeBlocked, "callee unavailable")
		return
	}

	incoming := protocol.IncomingCallPayload{
		FromWhisperID: whisperID,
		CallID:        p.CallID,
		Offer:         p.Offer,
		IsVideo:       p.IsVideo,
		CallerName:    p.CallerName,
	}

	if s.router.Deliver(ctx, p.ToWhisperID, protocol.TypeIncomingCall, incoming) {
		metrics.CallsInitiated.WithLabelValues("live").Inc()
		s.calls.Bind(whisperID, p.ToWhisperID, p.CallID)
		_ = c.Send(protocol.TypeCallRinging, protocol.CallRingingPayload{
			CallID:      p.CallID,
			ToWhisperID: p.ToWhisperID,
		})
		// The live socket may belong to a backgrounded app; the push makes
		// the device ring anyway.
		if tokens, err := s.dir.GetPushTokens(ctx, p.ToWhisperID); err == nil && tokens.Token != "" {
			s.push.SendCallPush(ctx, tokens.Token, whisperID, p.CallID, p.IsVideo)
		}
		return
	}

	// Callee offline: park the offer and wake the device. iOS gets the
	// VoIP push so the native call UI rings even from a killed app; the
	// regular push covers Android and backstops a failed VoIP delivery.
	metrics.CallsInitiated.WithLabelValues("pending").Inc()
	s.offers.Put(p.ToWhisperID, incoming)
	tokens, err := s.dir.GetPushTokens(ctx, p.ToWhisperID)
	if err != nil || (tokens.Token == "" && tokens.VoIPToken == "") {
		c.sendError(protocol.CodeRecipientOffline, "callee unreachable")
		return
	}
	if tokens.VoIPToken != "" && s.push.VoIPCapable() {
		s.push.SendVoIPPush(ctx, tokens.VoIPToken, whisperID, p.CallID, p.IsVideo, p.CallerName)
	}
	if tokens.Token != "" {
		s.push.SendCallPush(ctx, tokens.Token, whisperID, p.CallID, p.IsVideo)
	}
}

func (s *Server) handleCallAnswer(ctx context.Context, c *client, whisperID string, raw json.RawMessage) {
	var p protocol.CallAnswerPayload
	if !decode(c, raw, &p) {
		return
	}
	if err := identity.CheckWhisperID(p.ToWhisperID); err != nil {
		c.sendError(protocol.CodeInvalidID, err.Error())
		return
	}
	if err := call.ValidateCallID(p.CallID); err != nil {
		c.sendError(protocol.CodeInvalidPayload, err.Error())
		return
	}
	if err := limits.ValidateSize("answer", p.Answer, limits.MaxSDP); err != nil {
		c.sendError(protocol.CodeInvalidPayload, err.Error())
		return
	}
	// Bind here too: an offer handed off through a push arrives on a
	// socket the initiate path never saw.
	s.calls.Bind(whisperID, p.ToWhisperID, p.CallID)
	s.router.Deliver(ctx, p.ToWhisperID, protocol.TypeCallAnswered, protocol.CallAnsweredPayload{
		FromWhisperID: whisperID,
		CallID:        p.CallID,
		Answer:        p.Answer,
	})
}

func (s *Server) handleCallICECandidate(ctx context.Context, c *client, whisperID string, raw json.RawMessage) {
	var p protocol.CallICECandidatePayload
	if !decode(c, raw, &p) {
		return
	}
	if err := identity.CheckWhisperID(p.ToWhisperID); err != nil {
		c.sendError(protocol.CodeInvalidID, err.Error())
		return
	}
	// Best-effort: candidates for a dead peer just evaporate.
	s.router.Deliver(ctx, p.ToWhisperID, protocol.TypeCallICECandidate, protocol.CallICECandidatePayload{
		FromWhisperID: whisperID,
		CallID:        p.CallID,
		Candidate:     p.Candidate,
	})
}

func (s *Server) handleCallEnd(ctx context.Context, c *client, whisperID string, raw json.RawMessage) {
	var p protocol.CallEndPayload
	if !decode(c, raw, &p) {
		return
	}
	if err := identity.CheckWhisperID(p.ToWhisperID); err != nil {
		c.sendError(protocol.CodeInvalidID, err.Error())
		return
	}
	// Kill a still-parked offer so a push-woken callee does not pick up a
	// call the caller already abandoned.
	s.offers.Cancel(p.ToWhisperID, p.CallID)
	s.calls.Unbind(whisperID)
	s.router.Deliver(ctx, p.ToWhisperID, protocol.TypeCallEnded, protocol.CallEndedPayload{
		FromWhisperID: whisperID,
		CallID:        p.CallID,
	})
}

func (s *Server) handleTURNCredentials(c *client, whisperID string) {
	if s.turn == nil {
		c.sendError(protocol.CodeInternalError, "TURN not configured")
		return
	}
	_ = c.Send(protocol.TypeTURNCredentials, s.turn.Credentials(whisperID))
}

func (s *Server) handleCreateGroup(ctx context.Context, c *client, whisperID string, raw json.RawMessage) {
	var p protocol.CreateGroupPayload
	if !decode(c, raw, &p) {
		return
	}
	if err := identity.CheckGroupID(p.GroupID); err != nil {
		c.sendError(protocol.CodeInvalidGroupID, err.Error())
		return
	}
	for _, m := range p.Members {
		if !identity.ValidWhisperID(m) {
			c.sendError(protocol.CodeInvalidID, "member id "+m)
			return
		}
	}

	g, err := s.groups.Create(ctx, p.GroupID, p.Name, whisperID, p.Members)
	if err != nil {
		c.sendError(protocol.CodeInvalidPayload, err.Error())
		return
	}
	members, _ := s.groups.Members(ctx, p.GroupID)

	created := protocol.GroupCreatedPayload{
		GroupID:   g.GroupID,
		Name:      g.Name,
		Creator:   g.Creator,
		Members:   members,
		CreatedAt: g.CreatedAt,
	}
	for _, member := range members {
		if member == whisperID {
			continue
		}
		if s.router.Deliver(ctx, member, protocol.TypeGroupCreated, created) {
			continue
		}
		// Offline member: park an invite for next auth and nudge them.
		_ = s.groups.EnqueueInvite(ctx, member, created)
		if tokens, err := s.dir.GetPushTokens(ctx, member); err == nil && tokens.Token != "" {
			s.push.SendGroupInvitePush(ctx, tokens.Token, g.Name)
		}
	}
	_ = c.Send(protocol.TypeGroupCreated, created)
}

func (s *Server) handleSendGroupMessage(ctx context.Context, c *client, whisperID string, raw json.RawMessage) {
	var p protocol.SendGroupMessagePayload
	if !decode(c, raw, &p) {
		return
	}
	if err := identity.CheckGroupID(p.GroupID); err != nil {
		c.sendError(protocol.CodeInvalidGroupID, err.Error())
		return
	}
	if p.MessageID == "" {
		c.sendError(protocol.CodeInvalidPayload, "messageId required")
		return
	}
	if err := limits.ValidateSize("encryptedContent", p.EncryptedContent, limits.MaxEncryptedContent); err != nil {
		c.sendError(protocol.CodeInvalidPayload, err.Error())
		return
	}
	isMember, err := s.groups.IsMember(ctx, p.GroupID, whisperID)
	if err != nil {
		c.sendError(protocol.CodeInternalError, "membership check failed")
		return
	}
	if !isMember {
		c.sendError(protocol.CodeUnauthorized, "not a group member")
		return
	}

	members, err := s.groups.Members(ctx, p.GroupID)
	if err != nil {
		c.sendError(protocol.CodeInternalError, "membership read failed")
		return
	}
	live := s.router.FanOutGroup(ctx, whisperID, members, p)
	metrics.GroupMessagesFanned.Add(float64(live))
}

func (s *Server) handleUpdateGroup(ctx context.Context, c *client, whisperID string, raw json.RawMessage) {
	var p protocol.UpdateGroupPayload
	if !decode(c, raw, &p) {
		return
	}
	g, removed, err := s.groups.Update(ctx, p.GroupID, whisperID, p.Name, p.AddMembers, p.RemoveMembers)
	switch {
	case errors.Is(err, group.ErrNotFound):
		c.sendError(protocol.CodeInvalidGroupID, "no such group")
		return
	case errors.Is(err, group.ErrNotCreator):
		c.sendError(protocol.CodeUnauthorized, "only the creator may update the group")
		return
	case err != nil:
		c.sendError(protocol.CodeInvalidPayload, err.Error())
		return
	}

	members, _ := s.groups.Members(ctx, p.GroupID)
	updated := protocol.GroupUpdatedPayload{
		GroupID: g.GroupID,
		Name:    g.Name,
		Members: members,
	}
	// Removed members get the update too, so they learn they are out.
	for _, member := range append(append([]string{}, members...), removed...) {
		if member == whisperID {
			continue
		}
		s.router.Deliver(ctx, member, protocol.TypeGroupUpdated, updated)
	}
	_ = c.Send(protocol.TypeGroupUpdated, updated)
}

func (s *Server) handleLeaveGroup(ctx context.Context, c *client, whisperID string, raw json.RawMessage) {
	var p protocol.LeaveGroupPayload
	if !decode(c, raw, &p) {
		return
	}
	before, destroyed, err := s.groups.Leave(ctx, p.GroupID, whisperID)
	switch {
	case errors.Is(err, group.ErrNotFound):
		c.sendError(protocol.CodeInvalidGroupID, "no such group")
		return
	case errors.Is(err, group.ErrNotMember):
		c.sendError(protocol.CodeUnauthorized, "not a group member")
		return
	case err != nil:
		c.sendError(protocol.CodeInternalError, "leave failed")
		return
	}

	left := protocol.MemberLeftGroupPayload{
		GroupID:   p.GroupID,
		WhisperID: whisperID,
		Destroyed: destroyed,
	}
	for _, member := range before {
		if member == whisperID {
			continue
		}
		s.router.Deliver(ctx, member, protocol.TypeMemberLeftGroup, left)
	}
	_ = c.Send(protocol.TypeMemberLeftGroup, left)
}

func (s *Server) handleLookupPublicKey(ctx context.Context, c *client, raw json.RawMessage) {
	var p protocol.LookupPublicKeyPayload
	if !decode(c, raw, &p) {
		return
	}
	if err := identity.CheckWhisperID(p.WhisperID); err != nil {
		c.sendError(protocol.CodeInvalidID, err.Error())
		return
	}
	resp := protocol.PublicKeyResponsePayload{WhisperID: p.WhisperID}
	if keys, err := s.dir.GetKeys(ctx, p.WhisperID); err == nil {
		resp.Exists = true
		resp.PublicKey = &keys.PublicKey
		resp.SigningPublicKey = &keys.SigningPublicKey
	}
	_ = c.Send(protocol.TypePublicKeyResponse, resp)
}

func (s *Server) handleReportUser(ctx context.Context, c *client, whisperID string, raw json.RawMessage) {
	var p protocol.ReportUserPayload
	if !decode(c, raw, &p) {
		return
	}
	if err := identity.CheckWhisperID(p.WhisperID); err != nil {
		c.sendError(protocol.CodeInvalidID, err.Error())
		return
	}
	if err := s.accounts.FileReport(ctx, uuid.NewString(), whisperID, p.WhisperID, p.Reason); err != nil {
		c.sendError(protocol.CodeInternalError, "report storage failed")
		return
	}
	_ = c.Send(protocol.TypeReportAck, protocol.ReportAckPayload{Received: true})
}

func (s *Server) handleUpdatePrivacy(ctx context.Context, c *client, whisperID string, session *presence.Session, raw json.RawMessage) {
	var prefs protocol.PrivacyPrefs
	if !decode(c, raw, &prefs) {
		return
	}
	session.SetPrefs(prefs)
	if encoded, err := json.Marshal(prefs); err == nil {
		_ = s.kv.Set(ctx, store.PrefsKey(whisperID), string(encoded), 0)
	}
	_ = c.Send(protocol.TypePrivacyAck, protocol.PrivacyAckPayload{Prefs: prefs})
}

func (s *Server) handleCheckOnline(ctx context.Context, c *client, raw json.RawMessage) {
	var p protocol.CheckOnlinePayload
	if !decode(c, raw, &p) {
		return
	}
	if err := identity.CheckWhisperID(p.WhisperID); err != nil {
		c.sendError(protocol.CodeInvalidID, err.Error())
		return
	}
	_ = c.Send(protocol.TypeOnlineStatus, protocol.OnlineStatusPayload{
		WhisperID: p.WhisperID,
		Online:    s.presence.AppearsOnline(ctx, p.WhisperID),
	})
}
