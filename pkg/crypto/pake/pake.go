// Package pake wraps a two-message SPAKE2 password-authenticated key
// exchange with an authenticated-encryption layer keyed by the resulting
// shared secret.
//
// Both parties hold the same low-entropy password (the pairing code) and
// exchange a single group element each; from the completed exchange both
// derive an identical 32-byte secret, used directly as an XChaCha20-Poly1305
// key. Neither party ever transmits the password, in any form, on the wire.
//
// Protocol flow:
//
//	Initiator                          Responder
//	----------                         ---------
//	Start() -> X -----------X-------->
//	                    <----Y-------- Start() -> Y
//	Finish(Y)                          Finish(X)
//	Ke = shared secret                 Ke = shared secret (equal if passwords match)
package pake

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"io"
	"math/big"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Errors returned by Engine. Per the exchange's threat model, Finish and
// Decrypt deliberately collapse every internal failure mode into one
// generic error so a peer learns nothing about *why* an exchange or
// decryption failed.
var (
	ErrInvalidState     = errors.New("pake: invalid state for this operation")
	ErrExchangeFailed   = errors.New("pake: PAKE exchange failed")
	ErrDecryptionFailed = errors.New("pake: decryption failed")
)

// Role identifies which side of the exchange an Engine plays. The two
// roles use distinct generator points (M for the initiator, N for the
// responder) so that the protocol transcript is unambiguous.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

type state int

const (
	stateNew state = iota
	stateStarted
	stateReady
)

// Engine implements the linear NEW -> STARTED -> READY -> (encrypt|decrypt)*
// state machine described for the PAKE Engine.
type Engine struct {
	role  Role
	state state

	w         *big.Int
	myRandom  *big.Int
	myShare   []byte
	peerShare []byte

	key  []byte // 32-byte AEAD key, derived at Finish
	rand io.Reader
}

func newEngine(role Role, password string) *Engine {
	return &Engine{
		role: role,
		w:    scalarFromWideBytes(passwordHash(password)),
		rand: rand.Reader,
	}
}

// NewInitiator creates an Engine for the side that starts the exchange
// (the requesting agent in this system).
func NewInitiator(password string) *Engine { return newEngine(RoleInitiator, password) }

// NewResponder creates an Engine for the side that completes the exchange
// (the approval service in this system).
func NewResponder(password string) *Engine { return newEngine(RoleResponder, password) }

// SetRandom overrides the engine's entropy source. Intended for tests that
// need deterministic transcripts; production callers never need this.
func (e *Engine) SetRandom(r io.Reader) { e.rand = r }

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return "unknown"
	}
}

// passwordHash folds the password into the wide bytes scalarFromWideBytes
// reduces into a group scalar. Using the password's own bytes (rather than
// a fixed-iteration KDF) is appropriate here because the "password" is
// never a master password — it's an ephemeral, high-entropy-enough,
// one-time pairing code.
func passwordHash(password string) []byte {
	h := sha256.Sum256([]byte(password))
	return h[:]
}

// Start produces this side's outbound protocol element. It may only be
// called once, from the NEW state.
func (e *Engine) Start() ([]byte, error) {
	if e.state != stateNew {
		return nil, ErrInvalidState
	}

	k, err := randomScalar(e.rand)
	if err != nil {
		return nil, err
	}
	e.myRandom = k

	var generator *point
	if e.role == RoleInitiator {
		generator = pointM
	} else {
		generator = pointN
	}

	share := pointAdd(scalarBaseMult(k), scalarMult(generator, e.w))
	e.myShare = encodePoint(share)
	e.state = stateStarted

	out := make([]byte, len(e.myShare))
	copy(out, e.myShare)
	return out, nil
}

// Finish consumes the peer's protocol element, derives the shared secret,
// and moves the engine to READY. It may only be called once, from STARTED.
//
// Any failure here — a malformed or off-curve peer element — is reported
// uniformly as ErrExchangeFailed; no structural detail is leaked. A
// mismatched password is not detected here: Finish succeeds, and the
// mismatch surfaces later as ErrDecryptionFailed from Decrypt.
func (e *Engine) Finish(peerShare []byte) error {
	if e.state != stateStarted {
		return ErrInvalidState
	}

	peer, err := decodePoint(peerShare)
	if err != nil {
		return ErrExchangeFailed
	}
	e.peerShare = append([]byte(nil), peerShare...)

	var theirGenerator *point
	if e.role == RoleInitiator {
		theirGenerator = pointN
	} else {
		theirGenerator = pointM
	}

	// Shared = myRandom * (peer - w*theirGenerator) = myRandom*peerRandom*G
	wG := scalarMult(theirGenerator, e.w)
	diff := pointSub(peer, wG)
	shared := scalarMult(diff, e.myRandom)

	var transcriptX, transcriptY []byte
	if e.role == RoleInitiator {
		transcriptX, transcriptY = e.myShare, e.peerShare
	} else {
		transcriptX, transcriptY = e.peerShare, e.myShare
	}

	key, err := deriveKey(transcriptX, transcriptY, encodePoint(shared))
	if err != nil {
		return ErrExchangeFailed
	}
	e.key = key
	e.state = stateReady
	return nil
}

// hkdfInfo is the HKDF context label for the session key derived at the
// end of a pairing exchange.
const hkdfInfo = "approvald-pake-v1"

// deriveKey runs HKDF-SHA256 over the shared point, salted with the
// length-prefixed handshake transcript (X, Y), into a 32-byte AEAD key.
// Salting with the transcript rather than deriving from the shared point
// alone binds the key to both parties' contributions, the same way
// shurlinet-shurli's invite PAKE binds its key to the DH output plus the
// invite token.
func deriveKey(x, y, shared []byte) ([]byte, error) {
	salt := make([]byte, 0, len(x)+len(y)+16)
	var lenBuf [8]byte
	for _, part := range [][]byte{x, y} {
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(part)))
		salt = append(salt, lenBuf[:]...)
		salt = append(salt, part...)
	}

	r := hkdf.New(sha256.New, shared, salt, []byte(hkdfInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// IsReady reports whether Encrypt/Decrypt are available.
func (e *Engine) IsReady() bool {
	return e.state == stateReady
}

// Encrypt seals plaintext under the derived key and returns a
// base64-standard-encoded blob (random nonce || ciphertext || tag). Each
// call draws a fresh nonce, so encrypting identical plaintext twice
// produces different ciphertexts.
func (e *Engine) Encrypt(plaintext string) (string, error) {
	if e.state != stateReady {
		return "", ErrInvalidState
	}

	aead, err := chacha20poly1305.NewX(e.key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a blob produced by Encrypt. Any failure — bad base64,
// truncation, wrong key, or a flipped tag bit — surfaces as the single
// ErrDecryptionFailed so a peer cannot distinguish failure modes.
func (e *Engine) Decrypt(ciphertext string) (string, error) {
	if e.state != stateReady {
		return "", ErrInvalidState
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	aead, err := chacha20poly1305.NewX(e.key)
	if err != nil {
		return "", err
	}

	if len(raw) < aead.NonceSize() {
		return "", ErrDecryptionFailed
	}

	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}

func randomScalar(r io.Reader) (*big.Int, error) {
	n := p256.Params().N
	for {
		b := make([]byte, groupSizeBytes)
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, err
		}
		k := new(big.Int).SetBytes(b)
		if k.Sign() > 0 && k.Cmp(n) < 0 {
			return k, nil
		}
	}
}
