// Package httpapi is the thin, stateless HTTP/JSON transport layer in
// front of the broker: it decodes requests, calls the Pairing Manager,
// and encodes status codes and JSON responses. It carries no state of its
// own and is not security-sensitive beyond refusing malformed input and
// not leaking detail in error bodies.
package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/pion/logging"

	"github.com/backkem/approvald/pkg/broker"
)

// maxRequestBodySize bounds JSON request bodies to guard against
// unbounded memory consumption from oversized payloads.
const maxRequestBodySize = 1 << 20 // 1 MB

// Server wires a broker.Manager behind the wire surface described for the
// transport endpoints.
type Server struct {
	mgr *broker.Manager
	log logging.LeveledLogger
}

// New constructs a Server. factory may be nil (logging disabled).
func New(mgr *broker.Manager, factory logging.LoggerFactory) *Server {
	s := &Server{mgr: mgr}
	if factory != nil {
		s.log = factory.NewLogger("httpapi")
	}
	return s
}

// Handler returns the configured http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /pairing/initiate", s.handlePairingInitiate)
	mux.HandleFunc("POST /pairing/exchange", s.handlePairingExchange)
	mux.HandleFunc("POST /credential/request", s.handleCredentialRequest)
	mux.HandleFunc("POST /session/revoke", s.handleSessionRevoke)
	mux.HandleFunc("GET /session/status", s.handleSessionStatus)
	return mux
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodySize)).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000Z")
}

// --- /health ---

type healthResponse struct {
	Status         string `json:"status"`
	ActiveSessions int    `json:"active_sessions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, healthResponse{
		Status:         "ok",
		ActiveSessions: s.mgr.ActiveSessionCount(),
	})
}

// --- POST /pairing/initiate ---

type initiateRequest struct {
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name"`
}

type initiateResponse struct {
	PairingCode string `json:"pairing_code"`
	ExpiresAt   string `json:"expires_at"`
}

func (s *Server) handlePairingInitiate(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.AgentID == "" || req.AgentName == "" {
		respondError(w, http.StatusBadRequest, "agent_id and agent_name are required")
		return
	}

	code, expiresAt, err := s.mgr.CreatePairing(req.AgentID, req.AgentName)
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to create pairing")
		return
	}

	respondJSON(w, http.StatusOK, initiateResponse{
		PairingCode: code,
		ExpiresAt:   formatTime(expiresAt),
	})
}

// --- POST /pairing/exchange ---

type exchangeRequest struct {
	PairingCode string `json:"pairing_code"`
	PakeMessage string `json:"pake_message"`
}

type exchangeWaitingResponse struct {
	Status string `json:"status"`
}

type exchangeSuccessResponse struct {
	SessionID   string `json:"session_id"`
	PakeMessage string `json:"pake_message"`
	AgentID     string `json:"agent_id"`
}

func (s *Server) handlePairingExchange(w http.ResponseWriter, r *http.Request) {
	var req exchangeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.PairingCode == "" || req.PakeMessage == "" {
		respondError(w, http.StatusBadRequest, "pairing_code and pake_message are required")
		return
	}

	msg, err := base64.StdEncoding.DecodeString(req.PakeMessage)
	if err != nil {
		respondError(w, http.StatusBadRequest, "pake_message is not valid base64")
		return
	}

	result := s.mgr.ExchangePakeMessage(r.Context(), req.PairingCode, msg)
	switch result.Status {
	case broker.ExchangeWaiting:
		respondJSON(w, http.StatusAccepted, exchangeWaitingResponse{Status: "waiting"})
	case broker.ExchangeSuccess:
		respondJSON(w, http.StatusOK, exchangeSuccessResponse{
			SessionID:   result.SessionID,
			PakeMessage: base64.StdEncoding.EncodeToString(result.ResponderMsg),
			AgentID:     result.AgentID,
		})
	default:
		respondError(w, http.StatusBadRequest, result.Err.Error())
	}
}

// --- POST /credential/request ---

type credentialRequest struct {
	SessionID        string `json:"session_id"`
	EncryptedPayload string `json:"encrypted_payload"`
}

type credentialResponse struct {
	Status           string `json:"status"`
	EncryptedPayload string `json:"encrypted_payload,omitempty"`
	Error            string `json:"error,omitempty"`
}

func (s *Server) handleCredentialRequest(w http.ResponseWriter, r *http.Request) {
	var req credentialRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SessionID == "" || req.EncryptedPayload == "" {
		respondError(w, http.StatusBadRequest, "session_id and encrypted_payload are required")
		return
	}

	result := s.mgr.HandleCredentialRequest(r.Context(), req.SessionID, []byte(req.EncryptedPayload))
	switch result.Status {
	case broker.CredentialApproved:
		respondJSON(w, http.StatusOK, credentialResponse{
			Status:           "approved",
			EncryptedPayload: string(result.Ciphertext),
		})
	case broker.CredentialDenied:
		respondJSON(w, http.StatusOK, credentialResponse{Status: "denied", Error: result.Err.Error()})
	default:
		respondJSON(w, http.StatusOK, credentialResponse{Status: "error", Error: result.Err.Error()})
	}
}

// --- POST /session/revoke ---

type revokeRequest struct {
	SessionID string `json:"session_id"`
}

type revokeResponse struct {
	Revoked   bool   `json:"revoked"`
	SessionID string `json:"session_id"`
}

func (s *Server) handleSessionRevoke(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		respondError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	s.mgr.RevokeSession(r.Context(), req.SessionID)
	respondJSON(w, http.StatusOK, revokeResponse{Revoked: true, SessionID: req.SessionID})
}

// --- GET /session/status ---

type statusResponse struct {
	Active     bool   `json:"active"`
	AgentName  string `json:"agent_name"`
	LastAccess string `json:"last_access"`
	ExpiresAt  string `json:"expires_at"`
}

var errMissingSessionID = errors.New("session_id query parameter is required")

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, errMissingSessionID.Error())
		return
	}

	status, ok := s.mgr.GetSessionStatus(sessionID)
	if !ok {
		respondError(w, http.StatusNotFound, "session not found")
		return
	}

	respondJSON(w, http.StatusOK, statusResponse{
		Active:     status.Active,
		AgentName:  status.AgentName,
		LastAccess: formatTime(status.LastAccess),
		ExpiresAt:  formatTime(status.ExpiresAt),
	})
}
