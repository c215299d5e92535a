// Package config parses standard CLI flags for the approvald server and
// the approval-agent example binary: a plain options struct, a Default*Options
// constructor, and a fresh flag.FlagSet for each parse call, with no
// config-file framework.
package config

import (
	"flag"
	"time"
)

// ServerOptions holds the approvald server's CLI configuration.
type ServerOptions struct {
	// ListenAddr is the loopback address to bind, e.g. "127.0.0.1:8443".
	ListenAddr string

	// PairingTTL overrides the pairing code lifetime.
	PairingTTL time.Duration

	// SessionTTL overrides the absolute session lifetime.
	SessionTTL time.Duration

	// ReplayWindow overrides the request timestamp replay tolerance.
	ReplayWindow time.Duration

	// CleanupInterval is how often the expiry sweep runs.
	CleanupInterval time.Duration

	// VaultMasterPassword seeds the in-memory reference vault driver used
	// when no external vault is configured.
	VaultMasterPassword string
}

// DefaultServerOptions returns sensible defaults for local development.
func DefaultServerOptions() ServerOptions {
	return ServerOptions{
		ListenAddr:          "127.0.0.1:8443",
		PairingTTL:          5 * time.Minute,
		SessionTTL:          30 * time.Minute,
		ReplayWindow:        5 * time.Minute,
		CleanupInterval:     30 * time.Second,
		VaultMasterPassword: "",
	}
}

// ParseServerFlags parses args (typically os.Args[1:]) into ServerOptions
// using a dedicated FlagSet, so tests can parse arbitrary argument sets
// without touching the global flag.CommandLine.
func ParseServerFlags(args []string) (ServerOptions, error) {
	defaults := DefaultServerOptions()
	o := defaults

	fs := flag.NewFlagSet("approvald", flag.ContinueOnError)
	fs.StringVar(&o.ListenAddr, "listen", defaults.ListenAddr, "address to listen on")
	fs.DurationVar(&o.PairingTTL, "pairing-ttl", defaults.PairingTTL, "pairing code lifetime")
	fs.DurationVar(&o.SessionTTL, "session-ttl", defaults.SessionTTL, "absolute session lifetime")
	fs.DurationVar(&o.ReplayWindow, "replay-window", defaults.ReplayWindow, "request timestamp replay tolerance")
	fs.DurationVar(&o.CleanupInterval, "cleanup-interval", defaults.CleanupInterval, "expiry sweep interval")
	fs.StringVar(&o.VaultMasterPassword, "vault-password", defaults.VaultMasterPassword, "master password for the in-memory reference vault")

	if err := fs.Parse(args); err != nil {
		return ServerOptions{}, err
	}
	return o, nil
}

// AgentOptions holds the example agent binary's CLI configuration.
type AgentOptions struct {
	ServerAddr     string
	AgentID        string
	AgentName      string
	Domain         string
	Reason         string
	PairTimeout    time.Duration
	RequestTimeout time.Duration
}

// DefaultAgentOptions returns sensible defaults for local development.
func DefaultAgentOptions() AgentOptions {
	return AgentOptions{
		ServerAddr:     "http://127.0.0.1:8443",
		AgentID:        "agent-1",
		AgentName:      "Example Agent",
		Domain:         "example.com",
		Reason:         "demonstration",
		PairTimeout:    120 * time.Second,
		RequestTimeout: 120 * time.Second,
	}
}

// ParseAgentFlags parses args into AgentOptions.
func ParseAgentFlags(args []string) (AgentOptions, error) {
	defaults := DefaultAgentOptions()
	o := defaults

	fs := flag.NewFlagSet("approval-agent", flag.ContinueOnError)
	fs.StringVar(&o.ServerAddr, "server", defaults.ServerAddr, "approvald base URL")
	fs.StringVar(&o.AgentID, "agent-id", defaults.AgentID, "agent identifier")
	fs.StringVar(&o.AgentName, "agent-name", defaults.AgentName, "human-readable agent name")
	fs.StringVar(&o.Domain, "domain", defaults.Domain, "credential domain to request")
	fs.StringVar(&o.Reason, "reason", defaults.Reason, "reason shown to the approving human")
	fs.DurationVar(&o.PairTimeout, "pair-timeout", defaults.PairTimeout, "pairing poll timeout")
	fs.DurationVar(&o.RequestTimeout, "request-timeout", defaults.RequestTimeout, "credential request timeout")

	if err := fs.Parse(args); err != nil {
		return AgentOptions{}, err
	}
	return o, nil
}
