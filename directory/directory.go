// Package directory maintains the persistent per-user records the relay
// is allowed to hold: public key material and push tokens. Both are
// written on every successful authentication and removed only on account
// deletion.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/whisper-relay/store"
)

// ErrUnknownUser indicates the directory holds no entry for the user.
var ErrUnknownUser = errors.New("unknown user")

// Keys is a user's public key material.
type Keys struct {
	// PublicKey is the X25519 encryption public key, base64.
	PublicKey string
	// SigningPublicKey is the Ed25519 signing public key, base64.
	SigningPublicKey string
}

// PushTokens is a user's push routing record.
type PushTokens struct {
	Token     string `json:"token,omitempty"`
	VoIPToken string `json:"voipToken,omitempty"`
	Platform  string `json:"platform,omitempty"`
}

// Directory stores key material and push tokens in the KV store.
type Directory struct {
	kv store.KV
}

// New creates a directory over the given store.
func New(kv store.KV) *Directory {
	return &Directory{kv: kv}
}

// SetKeys records a user's key material. Keys are immutable for the life
// of an account in the client's eyes; a re-register with different keys is
// simply a new directory entry for the same ID.
func (d *Directory) SetKeys(ctx context.Context, whisperID string, keys Keys) error {
	if err := d.kv.Set(ctx, store.PublicKeyKey(whisperID), keys.PublicKey, 0); err != nil {
		return fmt.Errorf("store public key: %w", err)
	}
	if err := d.kv.Set(ctx, store.SigningKeyKey(whisperID), keys.SigningPublicKey, 0); err != nil {
		return fmt.Errorf("store signing key: %w", err)
	}
	return nil
}

// GetKeys retrieves a user's key material.
func (d *Directory) GetKeys(ctx context.Context, whisperID string) (Keys, error) {
	pub, err := d.kv.Get(ctx, store.PublicKeyKey(whisperID))
	if errors.Is(err, store.ErrNotFound) {
		return Keys{}, ErrUnknownUser
	}
	if err != nil {
		return Keys{}, err
	}
	sign, err := d.kv.Get(ctx, store.SigningKeyKey(whisperID))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Keys{}, err
	}
	return Keys{PublicKey: pub, SigningPublicKey: sign}, nil
}

// Exists reports whether the directory knows the user.
func (d *Directory) Exists(ctx context.Context, whisperID string) (bool, error) {
	_, err := d.GetKeys(ctx, whisperID)
	if errors.Is(err, ErrUnknownUser) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SetPushTokens records a user's push tokens. Empty token values clear the
// corresponding entry.
func (d *Directory) SetPushTokens(ctx context.Context, whisperID string, tokens PushTokens) error {
	if tokens.Token == "" && tokens.VoIPToken == "" {
		return d.kv.Del(ctx, store.PushTokenKey(whisperID), store.VoIPTokenKey(whisperID))
	}

	raw, err := json.Marshal(tokens)
	if err != nil {
		return err
	}
	if err := d.kv.Set(ctx, store.PushTokenKey(whisperID), string(raw), 0); err != nil {
		return fmt.Errorf("store push tokens: %w", err)
	}
	if tokens.VoIPToken != "" {
		if err := d.kv.Set(ctx, store.VoIPTokenKey(whisperID), tokens.VoIPToken, 0); err != nil {
			return fmt.Errorf("store voip token: %w", err)
		}
	} else if err := d.kv.Del(ctx, store.VoIPTokenKey(whisperID)); err != nil {
		return err
	}
	return nil
}

// GetPushTokens retrieves a user's push routing record. A missing record
// is returned as the zero value, not an error; callers treat no-token as
// "cannot wake this device".
func (d *Directory) GetPushTokens(ctx context.Context, whisperID string) (PushTokens, error) {
	raw, err := d.kv.Get(ctx, store.PushTokenKey(whisperID))
	if errors.Is(err, store.ErrNotFound) {
		return PushTokens{}, nil
	}
	if err != nil {
		return PushTokens{}, err
	}
	var tokens PushTokens
	if err := json.Unmarshal([]byte(raw), &tokens); err != nil {
		logrus.WithFields(logrus.Fields{
			"whisper_id": whisperID,
			"error":      err.Error(),
		}).Warn("Corrupt push token record, clearing")
		_ = d.kv.Del(ctx, store.PushTokenKey(whisperID), store.VoIPTokenKey(whisperID))
		return PushTokens{}, nil
	}
	return tokens, nil
}

// TouchLastSeen records the time of a successful authentication.
func (d *Directory) TouchLastSeen(ctx context.Context, whisperID string, at time.Time) error {
	return d.kv.Set(ctx, store.LastSeenKey(whisperID), fmt.Sprintf("%d", at.Unix()), 0)
}

// DeleteUser removes every directory record for the user.
func (d *Directory) DeleteUser(ctx context.Context, whisperID string) error {
	return d.kv.Del(ctx,
		store.PublicKeyKey(whisperID),
		store.SigningKeyKey(whisperID),
		store.PushTokenKey(whisperID),
		store.VoIPTokenKey(whisperID),
		store.LastSeenKey(whisperID),
	)
}
