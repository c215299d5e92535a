// Package broker implements the Pairing Manager: the sole owner of the
// pending-pairings and active-sessions tables, and the only place that
// mutates them. It coordinates the PAKE responder, vault unlock timing,
// human approval callbacks, and replay defense described for the core
// pairing/session state machine.
package broker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/backkem/approvald/pkg/approver"
	"github.com/backkem/approvald/pkg/audit"
	"github.com/backkem/approvald/pkg/crypto/pake"
	"github.com/backkem/approvald/pkg/model"
	"github.com/backkem/approvald/pkg/vault"
)

// Stable error taxonomy surfaced at the transport boundary. Internal
// errors (e.g. from the vault driver) are wrapped with more detail for
// logs but never cross the wire verbatim.
var (
	ErrInvalidPairing    = errors.New("Invalid pairing code")
	ErrExpiredPairing    = errors.New("Pairing code expired")
	ErrPAKEFailed        = errors.New("PAKE exchange failed")
	ErrInvalidSession    = errors.New("Invalid or expired session")
	ErrExpiredSession    = errors.New("Session expired")
	ErrDecryptionFailed  = errors.New("Decryption failed")
	ErrReplayRejected    = errors.New("Request too old (possible replay attack)")
	ErrNotFound          = errors.New("No credential found")
	ErrIncompleteRecord  = errors.New("Incomplete credential record")
	ErrDenied            = errors.New("User denied")
)

// ReplayWindow bounds how far a request timestamp may drift from the
// server's clock in either direction.
const ReplayWindow = 5 * time.Minute

// ExchangeStatus is the three-way outcome of exchangePakeMessage.
type ExchangeStatus int

const (
	ExchangeWaiting ExchangeStatus = iota
	ExchangeSuccess
	ExchangeError
)

// ExchangeResult carries the outcome of an exchange attempt.
type ExchangeResult struct {
	Status          ExchangeStatus
	SessionID       string
	ResponderMsg    []byte
	AgentID         string
	Err             error
}

// CredentialStatus is the three-way outcome of handleCredentialRequest.
type CredentialStatus int

const (
	CredentialApproved CredentialStatus = iota
	CredentialDenied
	CredentialError
)

// CredentialResult carries the outcome of a credential request.
type CredentialResult struct {
	Status     CredentialStatus
	Ciphertext []byte
	Err        error
}

// requestPayload is the decrypted schema for a credential request.
type requestPayload struct {
	Domain    string `json:"domain"`
	Reason    string `json:"reason"`
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name"`
	Timestamp string `json:"timestamp"`
	Nonce     string `json:"nonce"`
}

// responsePayload is the encrypted schema for a credential response.
type responsePayload struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	Timestamp string `json:"timestamp"`
	Nonce     string `json:"nonce"`
}

// Clock abstracts time.Now so tests can rewind the clock deterministically
// (e.g. to simulate pairing expiry).
type Clock func() time.Time

// Manager owns pendingPairings and activeSessions under a single mutex,
// exactly as described for the core: all operations are non-blocking
// except vault calls and the approver callback, across which the lock is
// released and state re-validated on reacquire.
type Manager struct {
	mu sync.Mutex

	pendingPairings map[string]*model.PairingState
	activeSessions  map[string]*model.Session

	vault    vault.Driver
	approver approver.Approver
	audit    *audit.Logger
	log      logging.LeveledLogger

	now Clock

	pairingTTL   time.Duration
	sessionTTL   time.Duration
	replayWindow time.Duration
}

// Config configures a Manager. Zero-value durations fall back to the
// spec's defaults (5 min pairing, 30 min session, 5 min replay window).
type Config struct {
	Vault         vault.Driver
	Approver      approver.Approver
	Audit         *audit.Logger
	LoggerFactory logging.LoggerFactory

	PairingTTL   time.Duration
	SessionTTL   time.Duration
	ReplayWindow time.Duration

	// Now overrides the clock; nil uses time.Now. Tests use this to
	// simulate expiry.
	Now Clock
}

// New constructs a Manager. cfg.Vault must not be nil. cfg.Approver may be
// nil (or set later with SetApprover); while it is nil, no pairing
// notification is sent and every credential request is denied.
func New(cfg Config) *Manager {
	m := &Manager{
		pendingPairings: make(map[string]*model.PairingState),
		activeSessions:  make(map[string]*model.Session),
		vault:           cfg.Vault,
		approver:        cfg.Approver,
		audit:           cfg.Audit,
		pairingTTL:      cfg.PairingTTL,
		sessionTTL:      cfg.SessionTTL,
		replayWindow:    cfg.ReplayWindow,
		now:             cfg.Now,
	}
	if cfg.LoggerFactory != nil {
		m.log = cfg.LoggerFactory.NewLogger("broker")
	}
	if m.pairingTTL == 0 {
		m.pairingTTL = model.PairingTTL
	}
	if m.sessionTTL == 0 {
		m.sessionTTL = model.SessionTTL
	}
	if m.replayWindow == 0 {
		m.replayWindow = ReplayWindow
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.audit == nil {
		m.audit = audit.New(nil)
	}
	return m
}

// SetApprover replaces the registered approver. Useful when the approver
// implementation itself needs a reference to the Manager (e.g. a callback
// that drives MarkUserEnteredCode), which can't be constructed before New
// returns.
func (m *Manager) SetApprover(a approver.Approver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.approver = a
}

func (m *Manager) infof(format string, args ...interface{}) {
	if m.log != nil {
		m.log.Infof(format, args...)
	}
}

// CreatePairing draws a fresh six-digit code, stores a new PairingState,
// and notifies the approver. It returns as soon as the code exists so the
// agent can start polling /pairing/exchange immediately; the human acts out
// of band, so the approver is notified in the background rather than on
// this call's goroutine.
func (m *Manager) CreatePairing(agentID, agentName string) (code string, expiresAt time.Time, err error) {
	m.mu.Lock()

	now := m.now()
	code, err = m.drawUniqueCodeLocked()
	if err != nil {
		m.mu.Unlock()
		return "", time.Time{}, err
	}

	state := &model.PairingState{
		AgentID:     agentID,
		AgentName:   agentName,
		PairingCode: code,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.pairingTTL),
	}
	m.pendingPairings[code] = state
	m.mu.Unlock()

	m.audit.Record(audit.EventRequested, agentID, "", fmt.Sprintf("pairing created code=%s", code))
	if m.approver != nil {
		go m.approver.OnPairingCreated(state)
	}

	return code, state.ExpiresAt, nil
}

// drawUniqueCodeLocked must be called with mu held.
func (m *Manager) drawUniqueCodeLocked() (string, error) {
	for {
		n, err := rand.Int(rand.Reader, big.NewInt(900000))
		if err != nil {
			return "", err
		}
		code := fmt.Sprintf("%06d", n.Int64()+100000)
		if _, exists := m.pendingPairings[code]; !exists {
			return code, nil
		}
	}
}

// MarkUserEnteredCode attempts to unlock the vault with masterPassword on
// behalf of the human operator who read code off the pairing display. It
// never removes the pairing on an unlock failure — the human may retry
// within the window.
func (m *Manager) MarkUserEnteredCode(ctx context.Context, code, masterPassword string) bool {
	m.mu.Lock()
	state, ok := m.pendingPairings[code]
	if !ok {
		m.mu.Unlock()
		return false
	}

	now := m.now()
	if state.Expired(now) {
		delete(m.pendingPairings, code)
		m.mu.Unlock()
		return false
	}
	m.mu.Unlock()

	// vault.Unlock blocks briefly; release the lock across it and
	// re-validate the pairing still exists and hasn't expired.
	token, err := m.vault.Unlock(ctx, masterPassword)
	masterPassword = "" // best-effort clear of the local copy
	if err != nil {
		m.infof("vault unlock failed for pairing %s: %v", code, err)
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok = m.pendingPairings[code]
	if !ok || state.Expired(m.now()) {
		// Pairing vanished or expired while we were unlocking; lock the
		// vault back up rather than leaving a token stranded.
		_ = m.vault.Lock(ctx, token)
		return false
	}

	state.VaultToken = token
	state.UserEntered = true
	return true
}

// ExchangePakeMessage implements exchangePakeMessage.
func (m *Manager) ExchangePakeMessage(ctx context.Context, code string, initiatorMessage []byte) ExchangeResult {
	m.mu.Lock()

	state, ok := m.pendingPairings[code]
	if !ok {
		m.mu.Unlock()
		return ExchangeResult{Status: ExchangeError, Err: ErrInvalidPairing}
	}

	now := m.now()
	if state.Expired(now) {
		delete(m.pendingPairings, code)
		m.mu.Unlock()
		return ExchangeResult{Status: ExchangeError, Err: ErrExpiredPairing}
	}

	state.AgentPakeMessage = initiatorMessage

	if !state.UserEntered {
		m.mu.Unlock()
		return ExchangeResult{Status: ExchangeWaiting}
	}

	// Promotion path: construct the responder engine, complete PAKE, and
	// move the pairing into a session. finish() is a pure computation (no
	// blocking I/O), so it's fine to run under the lock.
	responder := pake.NewResponder(code)
	responderMsg, err := responder.Start()
	if err != nil {
		m.mu.Unlock()
		m.infof("responder.Start failed for pairing %s: %v", code, err)
		return ExchangeResult{Status: ExchangeError, Err: ErrPAKEFailed}
	}
	if err := responder.Finish(state.AgentPakeMessage); err != nil {
		m.mu.Unlock()
		// Per the open-question decision in SPEC_FULL.md: a PAKE failure
		// during promotion forces a fresh pairing rather than permitting
		// retry against an already-unlocked vault.
		token := state.VaultToken
		delete(m.pendingPairings, code)
		go func() { _ = m.vault.Lock(context.Background(), token) }()
		return ExchangeResult{Status: ExchangeError, Err: ErrPAKEFailed}
	}

	sessionID := "sess_" + hex.EncodeToString(randomBytes(16))
	session := model.NewSession(sessionID, state.AgentID, state.AgentName, responder, state.VaultToken, now)
	session.ExpiresAt = now.Add(m.sessionTTL)
	m.activeSessions[sessionID] = session
	delete(m.pendingPairings, code)
	m.mu.Unlock()

	m.audit.Record(audit.EventSuccess, state.AgentID, "", fmt.Sprintf("session %s established", sessionID))

	return ExchangeResult{
		Status:       ExchangeSuccess,
		SessionID:    sessionID,
		ResponderMsg: responderMsg,
		AgentID:      state.AgentID,
	}
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}

// HandleCredentialRequest implements handleCredentialRequest.
func (m *Manager) HandleCredentialRequest(ctx context.Context, sessionID string, ciphertext []byte) CredentialResult {
	m.mu.Lock()
	session, ok := m.activeSessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return CredentialResult{Status: CredentialError, Err: ErrInvalidSession}
	}

	now := m.now()
	if session.Expired(now) {
		delete(m.activeSessions, sessionID)
		m.mu.Unlock()
		go func() { _ = m.vault.Lock(context.Background(), session.VaultToken) }()
		return CredentialResult{Status: CredentialError, Err: ErrExpiredSession}
	}
	session.Touch(now)

	plaintext, err := session.Responder.Decrypt(string(ciphertext))
	if err != nil {
		m.mu.Unlock()
		return CredentialResult{Status: CredentialError, Err: ErrDecryptionFailed}
	}

	var req requestPayload
	if err := json.Unmarshal([]byte(plaintext), &req); err != nil || req.Domain == "" || req.Timestamp == "" || req.Nonce == "" {
		m.mu.Unlock()
		return CredentialResult{Status: CredentialError, Err: ErrDecryptionFailed}
	}

	ts, err := time.Parse(time.RFC3339Nano, req.Timestamp)
	if err != nil {
		m.mu.Unlock()
		return CredentialResult{Status: CredentialError, Err: ErrDecryptionFailed}
	}

	age := now.Sub(ts)
	if age > m.replayWindow || age < -m.replayWindow {
		m.mu.Unlock()
		return CredentialResult{Status: CredentialError, Err: ErrReplayRejected}
	}

	if session.CheckAndRecordNonce(req.Nonce, now, m.replayWindow) {
		m.mu.Unlock()
		return CredentialResult{Status: CredentialError, Err: ErrReplayRejected}
	}
	vaultToken := session.VaultToken
	m.mu.Unlock()

	m.audit.Record(audit.EventRequested, req.AgentID, req.Domain, "credential requested")

	// onCredentialRequest blocks on a human; the lock must be released
	// across this call.
	var decision approver.CredentialDecision
	if m.approver != nil {
		decision = m.approver.OnCredentialRequest(session, req.Domain, req.Reason)
	}
	if !decision.Approved {
		m.audit.Record(audit.EventDenied, req.AgentID, req.Domain, "user denied")
		return CredentialResult{Status: CredentialDenied, Err: ErrDenied}
	}

	m.mu.Lock()
	session, ok = m.activeSessions[sessionID]
	if !ok || session.Expired(m.now()) {
		m.mu.Unlock()
		return CredentialResult{Status: CredentialError, Err: ErrExpiredSession}
	}
	m.mu.Unlock()

	items, err := m.vault.List(ctx, req.Domain, vaultToken)
	if err != nil {
		m.audit.Record(audit.EventError, req.AgentID, req.Domain, "vault list failed")
		m.infof("vault list for session %s failed: %v", sessionID, err)
		return CredentialResult{Status: CredentialError, Err: errors.New("Vault access failed")}
	}

	var match *vault.Item
	for i := range items {
		if items[i].Type == "login" {
			match = &items[i]
			break
		}
	}
	if match == nil {
		m.audit.Record(audit.EventNotFound, req.AgentID, req.Domain, "no login item")
		return CredentialResult{Status: CredentialError, Err: fmt.Errorf("%w for %s", ErrNotFound, req.Domain)}
	}
	if match.Username == "" || match.Password == "" {
		return CredentialResult{Status: CredentialError, Err: ErrIncompleteRecord}
	}

	cred := vault.NewCredential(match.Username, match.Password)
	defer cred.Clear()

	resp := responsePayload{
		Username:  cred.Username(),
		Password:  cred.Password(),
		Timestamp: req.Timestamp,
		Nonce:     req.Nonce,
	}
	respJSON, err := json.Marshal(resp)
	if err != nil {
		return CredentialResult{Status: CredentialError, Err: err}
	}

	m.mu.Lock()
	session, ok = m.activeSessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return CredentialResult{Status: CredentialError, Err: ErrInvalidSession}
	}
	sealed, err := session.Responder.Encrypt(string(respJSON))
	m.mu.Unlock()
	if err != nil {
		return CredentialResult{Status: CredentialError, Err: err}
	}

	m.audit.Record(audit.EventSuccess, req.AgentID, req.Domain, "credential released")
	return CredentialResult{Status: CredentialApproved, Ciphertext: []byte(sealed)}
}

// RevokeSession locks the vault (best-effort) and deletes the session. A
// no-op if sessionID is unknown.
func (m *Manager) RevokeSession(ctx context.Context, sessionID string) {
	m.mu.Lock()
	session, ok := m.activeSessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.activeSessions, sessionID)
	m.mu.Unlock()

	if err := m.vault.Lock(ctx, session.VaultToken); err != nil {
		m.infof("vault lock on revoke of %s failed: %v", sessionID, err)
	}
}

// GetSessionStatus returns a read-only snapshot, or ok=false if unknown.
func (m *Manager) GetSessionStatus(sessionID string) (model.Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.activeSessions[sessionID]
	if !ok {
		return model.Status{}, false
	}
	return session.Status(), true
}

// ActiveSessionCount returns the number of sessions currently tracked.
// Informational only; /health reports it uncounted against any limit.
func (m *Manager) ActiveSessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.activeSessions)
}

// CleanupExpired sweeps expired pairings (silent drop) and expired
// sessions (revoke path, which locks the vault). Safe to call on a timer;
// every invocation is idempotent.
func (m *Manager) CleanupExpired(ctx context.Context) {
	now := m.now()

	m.mu.Lock()
	for code, state := range m.pendingPairings {
		if state.Expired(now) {
			delete(m.pendingPairings, code)
		}
	}
	var expiredSessions []*model.Session
	for id, session := range m.activeSessions {
		if session.Expired(now) {
			expiredSessions = append(expiredSessions, session)
			delete(m.activeSessions, id)
		}
	}
	m.mu.Unlock()

	for _, session := range expiredSessions {
		if err := m.vault.Lock(ctx, session.VaultToken); err != nil {
			m.infof("vault lock during cleanup of %s failed: %v", session.SessionID, err)
		}
	}
}
