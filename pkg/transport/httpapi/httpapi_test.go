package httpapi

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/backkem/approvald/pkg/approver"
	"github.com/backkem/approvald/pkg/broker"
	"github.com/backkem/approvald/pkg/crypto/pake"
	"github.com/backkem/approvald/pkg/vault"
)

func newTestServer(t *testing.T) (*httptest.Server, *broker.Manager) {
	t.Helper()
	driver := vault.NewMemoryDriver("hunter2", []vault.Item{
		{Type: "login", Domain: "example.com", Username: "bob", Password: "pw"},
	})
	mgr := broker.New(broker.Config{
		Vault:    driver,
		Approver: approver.AlwaysApprove{},
	})
	s := New(mgr, nil)
	return httptest.NewServer(s.Handler()), mgr
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d, want 200", resp.StatusCode)
	}

	var out healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Status != "ok" {
		t.Fatalf("got status %q, want ok", out.Status)
	}
}

func TestPairingFlowEndToEnd(t *testing.T) {
	srv, mgr := newTestServer(t)
	defer srv.Close()

	initResp := postJSON(t, srv.URL+"/pairing/initiate", initiateRequest{AgentID: "a1", AgentName: "A1"})
	defer initResp.Body.Close()
	if initResp.StatusCode != http.StatusOK {
		t.Fatalf("initiate: got status %d, want 200", initResp.StatusCode)
	}
	var initOut initiateResponse
	if err := json.NewDecoder(initResp.Body).Decode(&initOut); err != nil {
		t.Fatalf("decode initiate: %v", err)
	}
	if len(initOut.PairingCode) != 6 {
		t.Fatalf("got pairing code %q, want 6 digits", initOut.PairingCode)
	}

	initiator := pake.NewInitiator(initOut.PairingCode)
	msg, err := initiator.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	msgB64 := base64.StdEncoding.EncodeToString(msg)

	waitResp := postJSON(t, srv.URL+"/pairing/exchange", exchangeRequest{PairingCode: initOut.PairingCode, PakeMessage: msgB64})
	defer waitResp.Body.Close()
	if waitResp.StatusCode != http.StatusAccepted {
		t.Fatalf("exchange before approval: got status %d, want 202", waitResp.StatusCode)
	}

	if ok := mgr.MarkUserEnteredCode(t.Context(), initOut.PairingCode, "hunter2"); !ok {
		t.Fatal("MarkUserEnteredCode should succeed")
	}

	successResp := postJSON(t, srv.URL+"/pairing/exchange", exchangeRequest{PairingCode: initOut.PairingCode, PakeMessage: msgB64})
	defer successResp.Body.Close()
	if successResp.StatusCode != http.StatusOK {
		t.Fatalf("exchange after approval: got status %d, want 200", successResp.StatusCode)
	}
	var exchangeOut exchangeSuccessResponse
	if err := json.NewDecoder(successResp.Body).Decode(&exchangeOut); err != nil {
		t.Fatalf("decode exchange: %v", err)
	}
	if exchangeOut.SessionID == "" {
		t.Fatal("missing session_id in successful exchange response")
	}

	responderMsg, err := base64.StdEncoding.DecodeString(exchangeOut.PakeMessage)
	if err != nil {
		t.Fatalf("decode responder message: %v", err)
	}
	if err := initiator.Finish(responderMsg); err != nil {
		t.Fatalf("initiator.Finish: %v", err)
	}

	statusResp, err := http.Get(srv.URL + "/session/status?session_id=" + exchangeOut.SessionID)
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	defer statusResp.Body.Close()
	if statusResp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d, want 200", statusResp.StatusCode)
	}

	revokeResp := postJSON(t, srv.URL+"/session/revoke", revokeRequest{SessionID: exchangeOut.SessionID})
	defer revokeResp.Body.Close()
	if revokeResp.StatusCode != http.StatusOK {
		t.Fatalf("revoke: got %d, want 200", revokeResp.StatusCode)
	}

	notFoundResp, err := http.Get(srv.URL + "/session/status?session_id=" + exchangeOut.SessionID)
	if err != nil {
		t.Fatalf("GET status after revoke: %v", err)
	}
	defer notFoundResp.Body.Close()
	if notFoundResp.StatusCode != http.StatusNotFound {
		t.Fatalf("status after revoke: got %d, want 404", notFoundResp.StatusCode)
	}
}

func TestPairingInitiateRejectsMissingFields(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/pairing/initiate", map[string]string{"agent_id": "a1"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400", resp.StatusCode)
	}
}
