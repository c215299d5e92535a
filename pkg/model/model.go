// Package model holds the two data records owned by the Pairing Manager:
// a short-lived PairingState and a longer-lived Session. Both are plain
// structs; all mutation happens through broker.Manager so invariants stay
// in one place.
package model

import (
	"time"

	"github.com/backkem/approvald/pkg/crypto/pake"
)

// PairingTTL is how long a pairing code remains valid after creation.
const PairingTTL = 5 * time.Minute

// SessionTTL is the absolute lifetime of a session, measured from
// creation — it is never extended by activity.
const SessionTTL = 30 * time.Minute

// PairingState is a pending pairing keyed by its six-digit code.
//
// Invariants: VaultToken is non-empty iff UserEntered is true; once both
// UserEntered and AgentPakeMessage are set and the code has not expired,
// the pairing is eligible for promotion to a Session.
type PairingState struct {
	AgentID     string
	AgentName   string
	PairingCode string

	CreatedAt time.Time
	ExpiresAt time.Time

	// AgentPakeMessage is the initiator's protocol element, present once
	// the agent has posted it. A later poll with an identical value is a
	// no-op, not an error.
	AgentPakeMessage []byte

	// UserEntered latches true exactly once, when the human supplies the
	// matching code and a master password the vault driver accepts.
	UserEntered bool

	// VaultToken is obtained from the vault driver at the moment
	// UserEntered is set. Only meaningful when UserEntered is true.
	VaultToken string
}

// Expired reports whether the pairing is past its deadline as of now.
func (p *PairingState) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// ReadyForPromotion reports whether the pairing has everything it needs
// to be promoted into a Session: a stored agent message and a completed
// human unlock, and it hasn't expired.
func (p *PairingState) ReadyForPromotion(now time.Time) bool {
	return p.UserEntered && p.AgentPakeMessage != nil && !p.Expired(now)
}

// Session is an established secure channel, keyed by a random session id.
//
// Invariants: a Session is reachable only while now <= ExpiresAt; it owns
// exactly one vault token; two distinct sessions never share a PAKE
// engine; the master password is never stored here or anywhere else.
type Session struct {
	SessionID string
	AgentID   string
	AgentName string

	// Responder is the completed PAKE engine for this session, ready for
	// Encrypt/Decrypt. It is exclusive to this session.
	Responder *pake.Engine

	// VaultToken was moved out of the originating pairing at promotion.
	VaultToken string

	CreatedAt  time.Time
	LastAccess time.Time
	ExpiresAt  time.Time

	// seenNonces tracks recently-used request nonces to reject replays
	// inside the timestamp window, beyond the timestamp check alone.
	seenNonces map[string]time.Time
}

// NewSession constructs a Session with its absolute expiry fixed at
// creation time; nothing ever extends it.
func NewSession(sessionID, agentID, agentName string, responder *pake.Engine, vaultToken string, now time.Time) *Session {
	return &Session{
		SessionID:  sessionID,
		AgentID:    agentID,
		AgentName:  agentName,
		Responder:  responder,
		VaultToken: vaultToken,
		CreatedAt:  now,
		LastAccess: now,
		ExpiresAt:  now.Add(SessionTTL),
		seenNonces: make(map[string]time.Time),
	}
}

// Expired reports whether the session is past its absolute deadline.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Touch records an access for observability; it does not affect ExpiresAt.
func (s *Session) Touch(now time.Time) {
	s.LastAccess = now
}

// CheckAndRecordNonce reports whether nonce has already been seen on this
// session. If not, it records it and returns false (not a replay). Entries
// older than the replay window are pruned lazily.
func (s *Session) CheckAndRecordNonce(nonce string, now time.Time, window time.Duration) bool {
	for n, seenAt := range s.seenNonces {
		if now.Sub(seenAt) > window {
			delete(s.seenNonces, n)
		}
	}
	if _, ok := s.seenNonces[nonce]; ok {
		return true
	}
	s.seenNonces[nonce] = now
	return false
}

// Status is the read-only snapshot returned by getSessionStatus.
type Status struct {
	Active     bool
	AgentName  string
	LastAccess time.Time
	ExpiresAt  time.Time
}

// Status returns a read-only snapshot of the session.
func (s *Session) Status() Status {
	return Status{
		Active:     true,
		AgentName:  s.AgentName,
		LastAccess: s.LastAccess,
		ExpiresAt:  s.ExpiresAt,
	}
}
