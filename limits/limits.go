// Package limits provides centralized size limits for the relay's wire
// protocol. This ensures consistent validation across the gateway, the
// message router, and the offline queue.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxFrameSize is the maximum size of a single inbound WebSocket frame.
	// Large enough for an envelope with an attached encrypted image or
	// file chunk, small enough to bound per-connection memory.
	MaxFrameSize = 512 * 1024

	// MaxEncryptedContent is the maximum base64 length of the primary
	// ciphertext field of an envelope.
	MaxEncryptedContent = 64 * 1024

	// MaxAttachment is the maximum base64 length of an attached encrypted
	// voice note, image, or file blob.
	MaxAttachment = 384 * 1024

	// MaxGroupName bounds group names as counted in characters.
	MaxGroupName = 50

	// MaxGroupMembers bounds the membership of a single group.
	MaxGroupMembers = 256

	// MaxSDP bounds an SDP offer or answer blob.
	MaxSDP = 64 * 1024

	// MaxQueuePageSize is the largest backfill page a client may request.
	MaxQueuePageSize = 200

	// DefaultQueuePageSize is the backfill page size when the client does
	// not ask for one.
	DefaultQueuePageSize = 50

	// MaxQueuedPerRecipient caps the offline queue per recipient to
	// prevent abuse.
	MaxQueuedPerRecipient = 1000
)

var (
	// ErrEmpty indicates an empty value where content is required.
	ErrEmpty = errors.New("empty value")

	// ErrTooLarge indicates a value exceeding its size limit.
	ErrTooLarge = errors.New("value too large")
)

// ValidateSize validates a string field against the given maximum byte
// length. Returns an error with context including the actual and maximum
// sizes.
func ValidateSize(field, value string, max int) error {
	if len(value) == 0 {
		return fmt.Errorf("%w: %s", ErrEmpty, field)
	}
	if len(value) > max {
		return fmt.Errorf("%w: %s is %d bytes (max %d)", ErrTooLarge, field, len(value), max)
	}
	return nil
}

// ValidateOptionalSize is ValidateSize for fields that may be absent.
func ValidateOptionalSize(field, value string, max int) error {
	if len(value) == 0 {
		return nil
	}
	return ValidateSize(field, value, max)
}

// ValidateGroupName validates a group name length in characters, 1 through
// MaxGroupName.
func ValidateGroupName(name string) error {
	runes := []rune(name)
	if len(runes) == 0 {
		return fmt.Errorf("%w: group name", ErrEmpty)
	}
	if len(runes) > MaxGroupName {
		return fmt.Errorf("%w: group name is %d characters (max %d)", ErrTooLarge, len(runes), MaxGroupName)
	}
	return nil
}

// ClampPageSize normalizes a requested backfill page size into the allowed
// range, substituting the default for zero or negative requests.
func ClampPageSize(requested int) int {
	if requested <= 0 {
		return DefaultQueuePageSize
	}
	if requested > MaxQueuePageSize {
		return MaxQueuePageSize
	}
	return requested
}
