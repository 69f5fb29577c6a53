// Package push wakes recipient devices through out-of-band notification
// providers: Expo for general pushes on both platforms, and APNs VoIP
// pushes for incoming calls on iOS, which raise the native call UI even
// when the app is killed or the device is locked.
//
// Every notification is content-free. Only the sender's Whisper ID prefix
// ever appears in a visible body; ciphertext is never copied into a push
// payload. Pushes are fire-and-forget with bounded timeouts: a slow or
// failing provider never delays message delivery or its ack.
package push

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/whisper-relay/metrics"
)

// RequestTimeout bounds every provider HTTP call.
const RequestTimeout = 10 * time.Second

// Sender delivers general (non-VoIP) notifications. Implemented by the
// Expo client; tests substitute a recorder.
type Sender interface {
	// Send delivers one notification to a device token. Channel selects
	// the platform notification channel ("default", "calls").
	Send(ctx context.Context, token, title, body, channel string, data map[string]string) error
}

// VoIPSender delivers APNs VoIP pushes. Nil when APNs credentials are not
// configured.
type VoIPSender interface {
	SendVoIP(ctx context.Context, voipToken string, payload map[string]any) error
}

// Dispatcher fans notifications out to the configured providers.
type Dispatcher struct {
	general Sender
	voip    VoIPSender
}

// NewDispatcher creates a dispatcher. voip may be nil; call pushes then
// fall back to the general channel only.
func NewDispatcher(general Sender, voip VoIPSender) *Dispatcher {
	return &Dispatcher{general: general, voip: voip}
}

// VoIPCapable reports whether a VoIP provider is configured.
func (d *Dispatcher) VoIPCapable() bool { return d.voip != nil }

// idPrefix returns the short sender prefix shown in notification bodies.
func idPrefix(whisperID string) string {
	if len(whisperID) > 8 {
		return whisperID[:8]
	}
	return whisperID
}

// SendMessagePush notifies about a waiting encrypted message.
func (d *Dispatcher) SendMessagePush(ctx context.Context, token, fromWhisperID string) {
	d.fire(ctx, "message", func(ctx context.Context) error {
		return d.general.Send(ctx, token,
			"New message",
			fmt.Sprintf("From %s…", idPrefix(fromWhisperID)),
			"default",
			map[string]string{"type": "message", "fromWhisperId": fromWhisperID},
		)
	})
}

// SendCallPush notifies about an incoming call on the high-priority calls
// channel. Android relies on this; on iOS it backstops VoIP push.
func (d *Dispatcher) SendCallPush(ctx context.Context, token, fromWhisperID, callID string, isVideo bool) {
	kind := "Incoming call"
	if isVideo {
		kind = "Incoming video call"
	}
	d.fire(ctx, "call", func(ctx context.Context) error {
		return d.general.Send(ctx, token,
			kind,
			fmt.Sprintf("From %s…", idPrefix(fromWhisperID)),
			"calls",
			map[string]string{
				"type":          "call",
				"fromWhisperId": fromWhisperID,
				"callId":        callID,
				"isVideo":       fmt.Sprintf("%t", isVideo),
			},
		)
	})
}

// SendGroupInvitePush notifies an offline member about a group they were
// added to. The group name is client-chosen metadata, not ciphertext.
func (d *Dispatcher) SendGroupInvitePush(ctx context.Context, token, groupName string) {
	d.fire(ctx, "group_invite", func(ctx context.Context) error {
		return d.general.Send(ctx, token,
			"Group invite",
			fmt.Sprintf("You were added to %q", groupName),
			"default",
			map[string]string{"type": "group_invite"},
		)
	})
}

// SendVoIPPush wakes an iOS device into the native call UI.
func (d *Dispatcher) SendVoIPPush(ctx context.Context, voipToken, fromWhisperID, callID string, isVideo bool, callerName string) {
	if d.voip == nil {
		return
	}
	payload := map[string]any{
		"type":          "call",
		"fromWhisperId": fromWhisperID,
		"callId":        callID,
		"isVideo":       isVideo,
	}
	if callerName != "" {
		payload["callerName"] = callerName
	}
	d.fire(ctx, "voip", func(ctx context.Context) error {
		return d.voip.SendVoIP(ctx, voipToken, payload)
	})
}

// fire runs one provider call in the background with a bounded timeout,
// logging failures and never propagating them.
func (d *Dispatcher) fire(ctx context.Context, kind string, send func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), RequestTimeout)
		defer cancel()
		if err := send(ctx); err != nil {
			metrics.Pushes.WithLabelValues(kind, "failed").Inc()
			logrus.WithFields(logrus.Fields{
				"kind":  kind,
				"error": err.Error(),
			}).Warn("Push delivery failed")
			return
		}
		metrics.Pushes.WithLabelValues(kind, "sent").Inc()
	}()
}
