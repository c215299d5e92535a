// Package agentsdk is the client-side counterpart to the approval
// service: the initiator half of PAKE, the pairing poll loop, and the
// encrypted credential request/response cycle, wired behind a small HTTP
// client the way a requesting agent would use it.
package agentsdk

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pion/logging"

	"github.com/backkem/approvald/pkg/crypto/pake"
)

// pollInterval is how often Pair polls /pairing/exchange, per spec.
const pollInterval = 2 * time.Second

// Errors returned by Client methods.
var (
	ErrPairingTimeout = fmt.Errorf("agentsdk: pairing timed out waiting for approval")
	ErrNotPaired      = fmt.Errorf("agentsdk: no established session")
)

// CredentialStatus mirrors the server's three-way credential outcome.
type CredentialStatus string

const (
	CredentialApproved CredentialStatus = "approved"
	CredentialDenied   CredentialStatus = "denied"
	CredentialError    CredentialStatus = "error"
)

// CredentialResponse is the decoded result of RequestCredential.
type CredentialResponse struct {
	Status   CredentialStatus
	Username string
	Password string
	Error    string
}

// Client is the requesting agent's SDK handle. Not safe for concurrent
// use by multiple goroutines pairing simultaneously; a single agent
// process pairs once and then issues serialized requests.
type Client struct {
	baseURL string
	http    *http.Client
	log     logging.LeveledLogger

	// requestTimeout bounds RequestCredential when the caller's context
	// carries no deadline of its own. Generous, since the server blocks
	// on human approval.
	requestTimeout time.Duration

	initiator *pake.Engine
	sessionID string
}

// defaultRequestTimeout is generously long because credential requests
// block on a human clicking approve or deny.
const defaultRequestTimeout = 120 * time.Second

// New constructs a Client talking to baseURL (e.g. "http://127.0.0.1:8443").
// factory may be nil (logging disabled).
func New(baseURL string, factory logging.LoggerFactory) *Client {
	c := &Client{
		baseURL:        baseURL,
		http:           &http.Client{},
		requestTimeout: defaultRequestTimeout,
	}
	if factory != nil {
		c.log = factory.NewLogger("agentsdk")
	}
	return c
}

func (c *Client) infof(format string, args ...interface{}) {
	if c.log != nil {
		c.log.Infof(format, args...)
	}
}

type initiateRequest struct {
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name"`
}

type initiateResponse struct {
	PairingCode string `json:"pairing_code"`
	ExpiresAt   string `json:"expires_at"`
}

type exchangeRequest struct {
	PairingCode string `json:"pairing_code"`
	PakeMessage string `json:"pake_message"`
}

type exchangeResponse struct {
	Status      string `json:"status"`
	SessionID   string `json:"session_id"`
	PakeMessage string `json:"pake_message"`
	AgentID     string `json:"agent_id"`
	Error       string `json:"error"`
}

// Pair runs the full pairing handshake: POST initiate, start the
// initiator PAKE engine keyed by the returned pairing code, then poll
// exchange every two seconds until the server reports 200 or timeout
// elapses. Returns the pairing code so the caller can display it to the
// human through an external channel.
func (c *Client) Pair(ctx context.Context, agentID, agentName string, timeout time.Duration) (string, error) {
	initResp, err := c.postInitiate(ctx, agentID, agentName)
	if err != nil {
		return "", err
	}

	initiator := pake.NewInitiator(initResp.PairingCode)
	initiatorMsg, err := initiator.Start()
	if err != nil {
		return "", fmt.Errorf("agentsdk: starting PAKE: %w", err)
	}
	initiatorMsgB64 := base64.StdEncoding.EncodeToString(initiatorMsg)

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		resp, err := c.postExchange(ctx, initResp.PairingCode, initiatorMsgB64)
		if err != nil {
			return "", err
		}

		switch resp.Status {
		case "waiting":
			c.infof("pairing %s still waiting for approval", initResp.PairingCode)
		case "":
			// 200 with a session_id: promotion succeeded.
			responderMsg, err := base64.StdEncoding.DecodeString(resp.PakeMessage)
			if err != nil {
				return "", fmt.Errorf("agentsdk: malformed responder message: %w", err)
			}
			if err := initiator.Finish(responderMsg); err != nil {
				return "", fmt.Errorf("agentsdk: %w", err)
			}
			c.initiator = initiator
			c.sessionID = resp.SessionID
			return initResp.PairingCode, nil
		default:
			return "", fmt.Errorf("agentsdk: %s", resp.Error)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
			if time.Now().After(deadline) {
				return "", ErrPairingTimeout
			}
		}
	}
}

func (c *Client) postInitiate(ctx context.Context, agentID, agentName string) (*initiateResponse, error) {
	body, err := json.Marshal(initiateRequest{AgentID: agentID, AgentName: agentName})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/pairing/initiate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out initiateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("agentsdk: decoding initiate response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agentsdk: initiate failed with status %d", resp.StatusCode)
	}
	return &out, nil
}

func (c *Client) postExchange(ctx context.Context, code, initiatorMsgB64 string) (*exchangeResponse, error) {
	body, err := json.Marshal(exchangeRequest{PairingCode: code, PakeMessage: initiatorMsgB64})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/pairing/exchange", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusAccepted:
		return &exchangeResponse{Status: "waiting"}, nil
	case http.StatusOK:
		var out exchangeResponse
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("agentsdk: decoding exchange response: %w", err)
		}
		out.Status = ""
		return &out, nil
	default:
		var out exchangeResponse
		_ = json.Unmarshal(data, &out)
		out.Status = "error"
		return &out, nil
	}
}

type credentialWireRequest struct {
	SessionID        string `json:"session_id"`
	EncryptedPayload string `json:"encrypted_payload"`
}

type credentialWireResponse struct {
	Status           string `json:"status"`
	EncryptedPayload string `json:"encrypted_payload"`
	Error            string `json:"error"`
}

type requestPlaintext struct {
	Domain    string `json:"domain"`
	Reason    string `json:"reason"`
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name"`
	Timestamp string `json:"timestamp"`
	Nonce     string `json:"nonce"`
}

type responsePlaintext struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RequestCredential builds and encrypts a credential request and waits
// (until ctx's deadline, or the client's 120-second default request timeout
// when ctx has none) for the server to resolve it, which may take minutes
// pending human approval.
func (c *Client) RequestCredential(ctx context.Context, domain, reason, agentID, agentName string) (*CredentialResponse, error) {
	if c.initiator == nil || c.sessionID == "" {
		return nil, ErrNotPaired
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	nonce, err := randomHex(8)
	if err != nil {
		return nil, err
	}

	plaintext := requestPlaintext{
		Domain:    domain,
		Reason:    reason,
		AgentID:   agentID,
		AgentName: agentName,
		Timestamp: time.Now().UTC().Format("2006-01-02T15:04:05.000000Z"),
		Nonce:     nonce,
	}
	plaintextJSON, err := json.Marshal(plaintext)
	if err != nil {
		return nil, err
	}

	ciphertext, err := c.initiator.Encrypt(string(plaintextJSON))
	if err != nil {
		return nil, fmt.Errorf("agentsdk: encrypting request: %w", err)
	}

	body, err := json.Marshal(credentialWireRequest{SessionID: c.sessionID, EncryptedPayload: ciphertext})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/credential/request", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var wire credentialWireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("agentsdk: decoding credential response: %w", err)
	}

	switch CredentialStatus(wire.Status) {
	case CredentialApproved:
		decrypted, err := c.initiator.Decrypt(wire.EncryptedPayload)
		if err != nil {
			return nil, fmt.Errorf("agentsdk: decrypting credential response: %w", err)
		}
		var cred responsePlaintext
		if err := json.Unmarshal([]byte(decrypted), &cred); err != nil {
			return nil, fmt.Errorf("agentsdk: malformed credential payload: %w", err)
		}
		return &CredentialResponse{Status: CredentialApproved, Username: cred.Username, Password: cred.Password}, nil
	case CredentialDenied:
		return &CredentialResponse{Status: CredentialDenied, Error: wire.Error}, nil
	default:
		return &CredentialResponse{Status: CredentialError, Error: wire.Error}, nil
	}
}

type revokeWireRequest struct {
	SessionID string `json:"session_id"`
}

// RevokeSession tells the server to revoke the current session.
func (c *Client) RevokeSession(ctx context.Context) error {
	if c.sessionID == "" {
		return ErrNotPaired
	}
	body, err := json.Marshal(revokeWireRequest{SessionID: c.sessionID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/session/revoke", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	c.sessionID = ""
	c.initiator = nil
	return nil
}

// SessionStatusResponse mirrors GET /session/status.
type SessionStatusResponse struct {
	Active     bool   `json:"active"`
	AgentName  string `json:"agent_name"`
	LastAccess string `json:"last_access"`
	ExpiresAt  string `json:"expires_at"`
}

// GetSessionStatus fetches the current session's status.
func (c *Client) GetSessionStatus(ctx context.Context) (*SessionStatusResponse, error) {
	if c.sessionID == "" {
		return nil, ErrNotPaired
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/session/status?session_id="+c.sessionID, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out SessionStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
