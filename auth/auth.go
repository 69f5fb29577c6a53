// Package auth implements the relay's challenge-response authentication.
//
// A client claims an identity with a register frame; the service issues 32
// cryptographically random bytes bound to that socket. The client proves
// possession of its Ed25519 signing key by returning a detached signature
// of the challenge bytes. Challenges are socket-bound and expire after 30
// seconds, so a replayed signature cannot hijack a different connection.
//
// The service never stores private key material of any kind.
package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/whisper-relay/identity"
)

const (
	// ChallengeSize is the number of random bytes in a challenge.
	ChallengeSize = 32
	// ChallengeTTL is how long a pending challenge stays valid.
	ChallengeTTL = 30 * time.Second
	// SweepInterval is how often expired challenges are collected.
	SweepInterval = 60 * time.Second

	// DeletionConfirmation is the literal string an account-deletion frame
	// must carry, and the prefix of the signed deletion statement.
	DeletionConfirmation = "DELETE_MY_ACCOUNT"
	// DeletionWindow bounds the clock skew accepted on deletion proofs.
	DeletionWindow = 5 * time.Minute
)

var (
	// ErrNoChallenge indicates no pending challenge is bound to the socket.
	ErrNoChallenge = errors.New("no pending challenge")
	// ErrChallengeExpired indicates the challenge outlived its 30 s TTL.
	ErrChallengeExpired = errors.New("challenge expired")
	// ErrAuthFailed indicates the signature did not verify.
	ErrAuthFailed = errors.New("signature verification failed")
)

// Claim is the identity and push metadata a client presented with its
// register frame. It is only trusted once the proof verifies.
type Claim struct {
	WhisperID        string
	PublicKey        string
	SigningPublicKey string
	PushToken        string
	VoIPToken        string
	Platform         string
}

// PendingChallenge binds a challenge to one socket and one claim.
type PendingChallenge struct {
	SocketID  string
	Claim     Claim
	Challenge []byte
	ExpiresAt time.Time
}

// Service issues and verifies socket-bound challenges.
type Service struct {
	mu      sync.Mutex
	pending map[string]*PendingChallenge
	now     func() time.Time
}

// NewService creates an auth service.
func NewService() *Service {
	return &Service{
		pending: make(map[string]*PendingChallenge),
		now:     time.Now,
	}
}

// SetClock overrides the time source for tests.
func (s *Service) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Issue generates a fresh challenge for the socket, replacing any prior
// pending challenge, and returns it base64-encoded.
func (s *Service) Issue(socketID string, claim Claim) (string, error) {
	challenge := make([]byte, ChallengeSize)
	if _, err := rand.Read(challenge); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}

	s.mu.Lock()
	s.pending[socketID] = &PendingChallenge{
		SocketID:  socketID,
		Claim:     claim,
		Challenge: challenge,
		ExpiresAt: s.now().Add(ChallengeTTL),
	}
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"socket_id":  socketID,
		"whisper_id": claim.WhisperID,
	}).Debug("Issued auth challenge")

	return base64.StdEncoding.EncodeToString(challenge), nil
}

// Verify checks a base64 Ed25519 detached signature against the pending
// challenge for the socket. The pending challenge is removed in every
// terminal case. On success the verified claim is returned.
func (s *Service) Verify(socketID, signatureB64 string) (Claim, error) {
	s.mu.Lock()
	pc, ok := s.pending[socketID]
	if ok {
		delete(s.pending, socketID)
	}
	now := s.now()
	s.mu.Unlock()

	if !ok {
		return Claim{}, ErrNoChallenge
	}
	if now.After(pc.ExpiresAt) {
		return Claim{}, ErrChallengeExpired
	}

	signature, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil || len(signature) != ed25519.SignatureSize {
		return Claim{}, ErrAuthFailed
	}

	signingKey, err := identity.DecodePublicKey(pc.Claim.SigningPublicKey)
	if err != nil {
		return Claim{}, ErrAuthFailed
	}

	if !ed25519.Verify(signingKey[:], pc.Challenge, signature) {
		logrus.WithFields(logrus.Fields{
			"socket_id":  socketID,
			"whisper_id": pc.Claim.WhisperID,
		}).Warn("Challenge signature verification failed")
		return Claim{}, ErrAuthFailed
	}

	return pc.Claim, nil
}

// Drop removes any pending challenge for the socket. Called when the
// socket closes before completing the handshake.
func (s *Service) Drop(socketID string) {
	s.mu.Lock()
	delete(s.pending, socketID)
	s.mu.Unlock()
}

// Sweep removes expired challenges and returns how many were collected.
func (s *Service) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for socketID, pc := range s.pending {
		if now.After(pc.ExpiresAt) {
			delete(s.pending, socketID)
			removed++
		}
	}
	return removed
}

// Run sweeps expired challenges until the stop channel closes.
func (s *Service) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				logrus.WithField("expired", n).Debug("Swept expired challenges")
			}
		}
	}
}

// VerifyDeletion validates the three-part account deletion proof: the
// literal confirmation, a timestamp within the allowed window of server
// time, and a signature by the account's signing key over the exact byte
// string "DELETE_MY_ACCOUNT:" + timestamp.
func (s *Service) VerifyDeletion(signingPublicKey string, confirmation string, timestamp int64, signatureB64 string) error {
	if confirmation != DeletionConfirmation {
		return ErrAuthFailed
	}

	s.mu.Lock()
	now := s.now()
	s.mu.Unlock()

	// Clients send unix seconds; tolerate milliseconds from older builds.
	var skew time.Duration
	if timestamp > 1e12 {
		skew = now.Sub(time.UnixMilli(timestamp))
	} else {
		skew = now.Sub(time.Unix(timestamp, 0))
	}
	if skew < 0 {
		skew = -skew
	}
	if skew > DeletionWindow {
		return ErrChallengeExpired
	}

	signature, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil || len(signature) != ed25519.SignatureSize {
		return ErrAuthFailed
	}

	signingKey, err := identity.DecodePublicKey(signingPublicKey)
	if err != nil {
		return ErrAuthFailed
	}

	statement := fmt.Sprintf("%s:%d", DeletionConfirmation, timestamp)
	if !ed25519.Verify(signingKey[:], []byte(statement), signature) {
		return ErrAuthFailed
	}
	return nil
}
