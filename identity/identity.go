// Package identity validates the external identifiers and key material the
// relay accepts on the wire.
//
// Whisper IDs and Group IDs are opaque to the server: it never generates
// them and never derives anything from them. It only checks their shape
// before using them as storage keys, so a malformed ID can never escape
// into the keyspace or a log line.
package identity

import (
	"encoding/base64"
	"errors"
	"regexp"
)

// KeySize is the byte length of both X25519 and Ed25519 public keys.
const KeySize = 32

var (
	// ErrInvalidWhisperID indicates an ID that does not match the
	// WSP-XXXX-XXXX-XXXX shape.
	ErrInvalidWhisperID = errors.New("invalid whisper id")
	// ErrInvalidGroupID indicates an ID that does not match the
	// GRP-XXXX-XXXX-XXXX shape.
	ErrInvalidGroupID = errors.New("invalid group id")
	// ErrInvalidPublicKey indicates key material that is not 32 bytes of
	// valid base64.
	ErrInvalidPublicKey = errors.New("invalid public key")
)

var (
	whisperIDPattern = regexp.MustCompile(`^WSP-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}$`)
	groupIDPattern   = regexp.MustCompile(`^GRP-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}$`)
)

// ValidWhisperID reports whether id has the exact WSP-XXXX-XXXX-XXXX shape.
func ValidWhisperID(id string) bool {
	return whisperIDPattern.MatchString(id)
}

// ValidGroupID reports whether id has the exact GRP-XXXX-XXXX-XXXX shape.
func ValidGroupID(id string) bool {
	return groupIDPattern.MatchString(id)
}

// CheckWhisperID returns ErrInvalidWhisperID unless id is well-formed.
func CheckWhisperID(id string) error {
	if !ValidWhisperID(id) {
		return ErrInvalidWhisperID
	}
	return nil
}

// CheckGroupID returns ErrInvalidGroupID unless id is well-formed.
func CheckGroupID(id string) error {
	if !ValidGroupID(id) {
		return ErrInvalidGroupID
	}
	return nil
}

// DecodePublicKey decodes a base64 public key and enforces the 32-byte
// length shared by X25519 and Ed25519 keys.
func DecodePublicKey(encoded string) ([KeySize]byte, error) {
	var key [KeySize]byte
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return key, ErrInvalidPublicKey
	}
	if len(raw) != KeySize {
		return key, ErrInvalidPublicKey
	}
	copy(key[:], raw)
	return key, nil
}

// ValidPublicKey reports whether encoded is 32 bytes of valid base64.
func ValidPublicKey(encoded string) bool {
	_, err := DecodePublicKey(encoded)
	return err == nil
}
