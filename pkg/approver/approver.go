// Package approver defines the human-in-the-loop callback surface the
// broker calls into. The broker never inspects the concrete type behind
// this interface; it only invokes it and waits.
package approver

import "github.com/backkem/approvald/pkg/model"

// CredentialDecision is the human's answer to a credential request.
type CredentialDecision struct {
	Approved bool
}

// Approver is the opaque UI surface. Implementations must be side-effect
// only from the broker's point of view: OnPairingCreated's return value is
// ignored, and OnCredentialRequest must block until a human answers and
// must never prompt for a password.
type Approver interface {
	// OnPairingCreated notifies the approver that a new pairing code
	// exists, so it can be displayed out-of-band and the human prompted
	// for the matching master password.
	OnPairingCreated(state *model.PairingState)

	// OnCredentialRequest asks whether to release a credential for
	// domain, given reason, on behalf of the session's agent. Blocks
	// until the human responds.
	OnCredentialRequest(session *model.Session, domain, reason string) CredentialDecision
}

// NoOp is a headless Approver that creates no side effects: it ignores
// pairing notifications and denies every credential request. Useful for
// tests that don't exercise the human-approval path.
type NoOp struct{}

// OnPairingCreated implements Approver.
func (NoOp) OnPairingCreated(*model.PairingState) {}

// OnCredentialRequest implements Approver.
func (NoOp) OnCredentialRequest(*model.Session, string, string) CredentialDecision {
	return CredentialDecision{Approved: false}
}

// AlwaysApprove is a headless Approver that approves every credential
// request without prompting anyone. Useful for broker tests that exercise
// the happy path without wiring a real UI.
type AlwaysApprove struct{}

// OnPairingCreated implements Approver.
func (AlwaysApprove) OnPairingCreated(*model.PairingState) {}

// OnCredentialRequest implements Approver.
func (AlwaysApprove) OnCredentialRequest(*model.Session, string, string) CredentialDecision {
	return CredentialDecision{Approved: true}
}
