// approvald is the approval service: it brokers vault secrets to
// requesting agents, gated by a PAKE-bound pairing code and a human
// approval step on every credential release.
//
// Usage:
//
//	approvald [options]
//
// Options:
//
//	-listen           address to listen on (default: 127.0.0.1:8443)
//	-pairing-ttl      pairing code lifetime (default: 5m)
//	-session-ttl      absolute session lifetime (default: 30m)
//	-replay-window    request timestamp replay tolerance (default: 5m)
//	-cleanup-interval expiry sweep interval (default: 30s)
//	-vault-password   master password accepted by the in-memory reference vault
package main

import (
	"bufio"
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pion/logging"

	"github.com/backkem/approvald/pkg/approver"
	"github.com/backkem/approvald/pkg/audit"
	"github.com/backkem/approvald/pkg/broker"
	"github.com/backkem/approvald/pkg/config"
	"github.com/backkem/approvald/pkg/model"
	"github.com/backkem/approvald/pkg/transport/httpapi"
	"github.com/backkem/approvald/pkg/vault"
)

func main() {
	opts, err := config.ParseServerFlags(os.Args[1:])
	if err != nil {
		log.Fatalf("parsing flags: %v", err)
	}

	loggerFactory := logging.NewDefaultLoggerFactory()

	vaultDriver := vault.NewMemoryDriver(opts.VaultMasterPassword, nil)

	mgr := broker.New(broker.Config{
		Vault:         vaultDriver,
		Audit:         audit.New(loggerFactory),
		LoggerFactory: loggerFactory,
		PairingTTL:    opts.PairingTTL,
		SessionTTL:    opts.SessionTTL,
		ReplayWindow:  opts.ReplayWindow,
	})
	mgr.SetApprover(&cliApprover{mgr: mgr, stdin: bufio.NewReader(os.Stdin)})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runCleanupLoop(ctx, mgr, opts.CleanupInterval)

	server := httpapi.New(mgr, loggerFactory)
	httpServer := &http.Server{
		Addr:    opts.ListenAddr,
		Handler: server.Handler(),
	}

	go func() {
		log.Printf("approvald listening on %s", opts.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("serving: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Print("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
}

func runCleanupLoop(ctx context.Context, mgr *broker.Manager, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mgr.CleanupExpired(ctx)
		}
	}
}

// cliApprover is a minimal stdin/stdout Approver. It prompts for the vault
// master password when a pairing appears and for a yes/no decision on every
// credential request. A production deployment would replace this with a
// GUI or notification-based approver behind the same interface; nothing
// else in the broker depends on how the decision is obtained.
type cliApprover struct {
	mgr   *broker.Manager
	stdin *bufio.Reader
}

func (c *cliApprover) OnPairingCreated(state *model.PairingState) {
	log.Printf("pairing code %s for agent %q (%s) — enter the vault master password to approve pairing", state.PairingCode, state.AgentName, state.AgentID)
	password, err := c.stdin.ReadString('\n')
	if err != nil {
		log.Printf("reading master password: %v", err)
		return
	}
	password = strings.TrimRight(password, "\r\n")
	if ok := c.mgr.MarkUserEnteredCode(context.Background(), state.PairingCode, password); !ok {
		log.Printf("pairing %s: incorrect master password or expired code", state.PairingCode)
	}
}

func (c *cliApprover) OnCredentialRequest(session *model.Session, domain, reason string) approver.CredentialDecision {
	log.Printf("agent %s requests credential for %q (%s) — approve? [y/N]", session.AgentName, domain, reason)
	answer, err := c.stdin.ReadString('\n')
	if err != nil {
		log.Printf("reading approval decision: %v", err)
		return approver.CredentialDecision{Approved: false}
	}
	answer = strings.TrimSpace(strings.ToLower(answer))
	return approver.CredentialDecision{Approved: answer == "y" || answer == "yes"}
}
