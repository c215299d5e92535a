package broker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/backkem/approvald/pkg/approver"
	"github.com/backkem/approvald/pkg/crypto/pake"
	"github.com/backkem/approvald/pkg/vault"
)

const testPassword = "correct horse battery staple"

func newTestManager(t *testing.T, now func() time.Time, approverImpl approver.Approver) (*Manager, *vault.MemoryDriver) {
	t.Helper()
	driver := vault.NewMemoryDriver(testPassword, []vault.Item{
		{Type: "login", Domain: "example.com", Username: "alice", Password: "s3cr3t"},
	})
	if approverImpl == nil {
		approverImpl = approver.NoOp{}
	}
	mgr := New(Config{
		Vault:    driver,
		Approver: approverImpl,
		Now:      now,
	})
	return mgr, driver
}

type movableClock struct {
	t time.Time
}

func (c *movableClock) now() time.Time          { return c.t }
func (c *movableClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestSuccessfulPairing(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	mgr, _ := newTestManager(t, clock, nil)

	code, expiresAt, err := mgr.CreatePairing("a1", "A1")
	if err != nil {
		t.Fatalf("CreatePairing: %v", err)
	}
	if len(code) != 6 {
		t.Fatalf("pairing code %q is not 6 digits", code)
	}
	if !expiresAt.After(now) {
		t.Fatalf("expiresAt %v not after now %v", expiresAt, now)
	}

	initiator := pake.NewInitiator(code)
	initiatorMsg, err := initiator.Start()
	if err != nil {
		t.Fatalf("initiator.Start: %v", err)
	}

	result := mgr.ExchangePakeMessage(context.Background(), code, initiatorMsg)
	if result.Status != ExchangeWaiting {
		t.Fatalf("exchange before approval: got status %v, want waiting", result.Status)
	}

	if ok := mgr.MarkUserEnteredCode(context.Background(), code, testPassword); !ok {
		t.Fatal("MarkUserEnteredCode should succeed with the correct password")
	}

	result = mgr.ExchangePakeMessage(context.Background(), code, initiatorMsg)
	if result.Status != ExchangeSuccess {
		t.Fatalf("exchange after approval: got status %v err %v, want success", result.Status, result.Err)
	}
	if len(result.SessionID) != len("sess_")+32 {
		t.Fatalf("unexpected session id shape: %q", result.SessionID)
	}
	if result.SessionID[:5] != "sess_" {
		t.Fatalf("session id missing sess_ prefix: %q", result.SessionID)
	}

	if err := initiator.Finish(result.ResponderMsg); err != nil {
		t.Fatalf("initiator.Finish: %v", err)
	}

	status, ok := mgr.GetSessionStatus(result.SessionID)
	if !ok {
		t.Fatal("session should be present after promotion")
	}
	if !status.Active {
		t.Fatal("session should report active")
	}
}

func TestWrongMasterPassword(t *testing.T) {
	now := time.Now()
	mgr, _ := newTestManager(t, func() time.Time { return now }, nil)

	code, _, err := mgr.CreatePairing("a1", "A1")
	if err != nil {
		t.Fatalf("CreatePairing: %v", err)
	}

	if ok := mgr.MarkUserEnteredCode(context.Background(), code, "wrong password"); ok {
		t.Fatal("MarkUserEnteredCode should fail with the wrong password")
	}

	initiator := pake.NewInitiator(code)
	msg, err := initiator.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	result := mgr.ExchangePakeMessage(context.Background(), code, msg)
	if result.Status != ExchangeWaiting {
		t.Fatalf("exchange after wrong password: got %v, want waiting (pairing should still be pending)", result.Status)
	}
}

func TestExpiredPairing(t *testing.T) {
	now := time.Now()
	clock := &movableClock{t: now}
	mgr, _ := newTestManager(t, clock.now, nil)

	code, _, err := mgr.CreatePairing("a1", "A1")
	if err != nil {
		t.Fatalf("CreatePairing: %v", err)
	}

	clock.advance(6 * time.Minute)

	if ok := mgr.MarkUserEnteredCode(context.Background(), code, testPassword); ok {
		t.Fatal("MarkUserEnteredCode should fail for an expired pairing")
	}
}

func establishSession(t *testing.T, mgr *Manager) (sessionID string, initiator *pake.Engine) {
	t.Helper()
	code, _, err := mgr.CreatePairing("a1", "A1")
	if err != nil {
		t.Fatalf("CreatePairing: %v", err)
	}
	initiator = pake.NewInitiator(code)
	msg, err := initiator.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if ok := mgr.MarkUserEnteredCode(context.Background(), code, testPassword); !ok {
		t.Fatalf("MarkUserEnteredCode should succeed")
	}
	result := mgr.ExchangePakeMessage(context.Background(), code, msg)
	if result.Status != ExchangeSuccess {
		t.Fatalf("exchange: got status %v err %v, want success", result.Status, result.Err)
	}
	if err := initiator.Finish(result.ResponderMsg); err != nil {
		t.Fatalf("initiator.Finish: %v", err)
	}
	return result.SessionID, initiator
}

func buildEncryptedRequest(t *testing.T, initiator *pake.Engine, ts time.Time) string {
	t.Helper()
	payload := map[string]string{
		"domain":     "example.com",
		"reason":     "test",
		"agent_id":   "a1",
		"agent_name": "A1",
		"timestamp":  ts.UTC().Format("2006-01-02T15:04:05.000000Z"),
		"nonce":      "deadbeefcafef00d",
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ciphertext, err := initiator.Encrypt(string(raw))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	return ciphertext
}

func TestReplayRejected(t *testing.T) {
	now := time.Now()
	clock := &movableClock{t: now}
	mgr, _ := newTestManager(t, clock.now, approver.AlwaysApprove{})

	sessionID, initiator := establishSession(t, mgr)

	old := clock.now().Add(-10 * time.Minute)
	ciphertext := buildEncryptedRequest(t, initiator, old)

	result := mgr.HandleCredentialRequest(context.Background(), sessionID, []byte(ciphertext))
	if result.Status != CredentialError {
		t.Fatalf("got status %v, want error", result.Status)
	}
	if result.Err != ErrReplayRejected {
		t.Fatalf("got err %v, want %v", result.Err, ErrReplayRejected)
	}
}

func TestTamperedCiphertextRejected(t *testing.T) {
	now := time.Now()
	mgr, _ := newTestManager(t, func() time.Time { return now }, approver.AlwaysApprove{})

	sessionID, initiator := establishSession(t, mgr)
	ciphertext := buildEncryptedRequest(t, initiator, now)

	decoded, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	decoded[len(decoded)-1] ^= 0x01
	tampered := base64.StdEncoding.EncodeToString(decoded)

	result := mgr.HandleCredentialRequest(context.Background(), sessionID, []byte(tampered))
	if result.Status != CredentialError || result.Err != ErrDecryptionFailed {
		t.Fatalf("got status %v err %v, want DECRYPTION_FAILED", result.Status, result.Err)
	}
}

func TestRevokeThenRequest(t *testing.T) {
	now := time.Now()
	mgr, _ := newTestManager(t, func() time.Time { return now }, approver.AlwaysApprove{})

	sessionID, initiator := establishSession(t, mgr)

	mgr.RevokeSession(context.Background(), sessionID)

	ciphertext := buildEncryptedRequest(t, initiator, now)
	result := mgr.HandleCredentialRequest(context.Background(), sessionID, []byte(ciphertext))
	if result.Status != CredentialError || result.Err != ErrInvalidSession {
		t.Fatalf("got status %v err %v, want INVALID_SESSION", result.Status, result.Err)
	}

	if _, ok := mgr.GetSessionStatus(sessionID); ok {
		t.Fatal("session should not be resolvable after revoke")
	}
}

func TestSuccessfulCredentialRequest(t *testing.T) {
	now := time.Now()
	mgr, _ := newTestManager(t, func() time.Time { return now }, approver.AlwaysApprove{})

	sessionID, initiator := establishSession(t, mgr)
	ciphertext := buildEncryptedRequest(t, initiator, now)

	result := mgr.HandleCredentialRequest(context.Background(), sessionID, []byte(ciphertext))
	if result.Status != CredentialApproved {
		t.Fatalf("got status %v err %v, want approved", result.Status, result.Err)
	}

	plaintext, err := initiator.Decrypt(string(result.Ciphertext))
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	var cred struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.Unmarshal([]byte(plaintext), &cred); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cred.Username != "alice" || cred.Password != "s3cr3t" {
		t.Fatalf("unexpected credential: %+v", cred)
	}
}

func TestDeniedCredentialRequest(t *testing.T) {
	now := time.Now()
	mgr, _ := newTestManager(t, func() time.Time { return now }, approver.NoOp{})

	sessionID, initiator := establishSession(t, mgr)
	ciphertext := buildEncryptedRequest(t, initiator, now)

	result := mgr.HandleCredentialRequest(context.Background(), sessionID, []byte(ciphertext))
	if result.Status != CredentialDenied {
		t.Fatalf("got status %v, want denied", result.Status)
	}
}

func TestMarkUserEnteredCodeOnPromotedCodeIsIgnored(t *testing.T) {
	now := time.Now()
	mgr, _ := newTestManager(t, func() time.Time { return now }, approver.AlwaysApprove{})

	code, _, err := mgr.CreatePairing("a1", "A1")
	if err != nil {
		t.Fatalf("CreatePairing: %v", err)
	}
	initiator := pake.NewInitiator(code)
	msg, err := initiator.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if ok := mgr.MarkUserEnteredCode(context.Background(), code, testPassword); !ok {
		t.Fatal("first MarkUserEnteredCode should succeed")
	}
	result := mgr.ExchangePakeMessage(context.Background(), code, msg)
	if result.Status != ExchangeSuccess {
		t.Fatalf("exchange: got %v, want success", result.Status)
	}

	// The pairing is now gone (promoted). A late/racing call with the
	// same code must not re-unlock the vault.
	if ok := mgr.MarkUserEnteredCode(context.Background(), code, testPassword); ok {
		t.Fatal("MarkUserEnteredCode on an already-promoted code should return false")
	}
}

func TestCleanupExpiredSweepsBoth(t *testing.T) {
	now := time.Now()
	clock := &movableClock{t: now}
	mgr, driver := newTestManager(t, clock.now, approver.AlwaysApprove{})

	// A pairing that will expire untouched.
	staleCode, _, err := mgr.CreatePairing("a2", "A2")
	if err != nil {
		t.Fatalf("CreatePairing: %v", err)
	}

	sessionID, _ := establishSession(t, mgr)

	clock.advance(31 * time.Minute)
	mgr.CleanupExpired(context.Background())

	if _, ok := mgr.GetSessionStatus(sessionID); ok {
		t.Fatal("expired session should be swept")
	}
	if mgr.ActiveSessionCount() != 0 {
		t.Fatalf("expected 0 active sessions after sweep, got %d", mgr.ActiveSessionCount())
	}
	// A swept pairing is gone entirely (invalid), not merely expired.
	if result := mgr.ExchangePakeMessage(context.Background(), staleCode, []byte("msg")); result.Err != ErrInvalidPairing {
		t.Fatalf("expired pairing should be swept: got err %v, want %v", result.Err, ErrInvalidPairing)
	}
	_ = driver
}
