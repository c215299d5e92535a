// Package vault defines the opaque vault driver surface the broker depends
// on, plus an in-memory reference implementation used by tests and the
// example agent. A real deployment would instead adapt a local password
// manager's CLI or library behind this same interface; the broker is never
// aware of the difference.
package vault

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"runtime"
	"sync"
)

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}

// ErrWrongPassword is returned by Driver.Unlock when the supplied master
// password does not match. The broker deliberately does not distinguish
// this from other unlock failures when reporting to a remote peer.
var ErrWrongPassword = errors.New("vault: wrong master password")

// Item is a single vault record. Type identifies what kind of record it
// is; only records whose Type is "login" are eligible for credential
// requests.
type Item struct {
	Type     string
	Domain   string
	Username string
	Password string
}

// Driver is the capability set the broker depends on: unlock, list, lock.
// Any concrete backend (subprocess CLI, library, HTTP API) that implements
// this interface is a valid vault driver.
type Driver interface {
	// Unlock validates masterPassword and returns an opaque token usable
	// for subsequent List calls, or ErrWrongPassword / a driver-specific
	// error on failure.
	Unlock(ctx context.Context, masterPassword string) (token string, err error)

	// List returns vault items matching domain, scoped by token.
	List(ctx context.Context, domain string, token string) ([]Item, error)

	// Lock invalidates token. Best-effort: callers log but do not fail
	// on a Lock error.
	Lock(ctx context.Context, token string) error
}

// MemoryDriver is an in-memory reference Driver, useful for tests and the
// example agent. It is not a substitute for a real vault backend.
type MemoryDriver struct {
	mu sync.Mutex

	// MasterPassword is the single password MemoryDriver accepts.
	MasterPassword string

	Items []Item

	tokens map[string]bool
}

// NewMemoryDriver constructs a MemoryDriver seeded with masterPassword and
// items.
func NewMemoryDriver(masterPassword string, items []Item) *MemoryDriver {
	return &MemoryDriver{
		MasterPassword: masterPassword,
		Items:          items,
		tokens:         make(map[string]bool),
	}
}

// Unlock implements Driver.
func (d *MemoryDriver) Unlock(ctx context.Context, masterPassword string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if subtle.ConstantTimeCompare([]byte(masterPassword), []byte(d.MasterPassword)) != 1 {
		return "", ErrWrongPassword
	}

	token := "tok_" + randomHex(16)
	d.tokens[token] = true
	return token, nil
}

// List implements Driver.
func (d *MemoryDriver) List(ctx context.Context, domain string, token string) ([]Item, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.tokens[token] {
		return nil, errors.New("vault: invalid or locked token")
	}

	var out []Item
	for _, it := range d.Items {
		if it.Domain == domain {
			out = append(out, it)
		}
	}
	return out, nil
}

// Lock implements Driver.
func (d *MemoryDriver) Lock(ctx context.Context, token string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.tokens, token)
	return nil
}

// Credential is a scoped container for a retrieved {username, password}
// pair. Callers must call Clear when done; a finalizer serves as a
// backstop on platforms without deterministic destruction.
type Credential struct {
	username string
	password []byte
	cleared  bool
}

// NewCredential wraps username/password in a scoped container and arms
// the finalizer backstop.
func NewCredential(username, password string) *Credential {
	c := &Credential{
		username: username,
		password: []byte(password),
	}
	runtime.SetFinalizer(c, func(c *Credential) { c.Clear() })
	return c
}

// Username returns the stored username. Safe to call after Clear (it is
// not considered sensitive on its own).
func (c *Credential) Username() string { return c.username }

// Password returns the stored password. Panics if called after Clear,
// since the caller has no business reading it anymore.
func (c *Credential) Password() string {
	if c.cleared {
		panic("vault: Password() called on a cleared Credential")
	}
	return string(c.password)
}

// Clear zeroes the stored password. Idempotent.
func (c *Credential) Clear() {
	if c.cleared {
		return
	}
	for i := range c.password {
		c.password[i] = 0
	}
	c.cleared = true
	runtime.SetFinalizer(c, nil)
}
