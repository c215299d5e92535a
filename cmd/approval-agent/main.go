// approval-agent is an example requesting agent: it pairs with a running
// approvald (whose approver shows the pairing code and asks the human for
// the vault master password), prints the code it paired with, then
// requests a single credential and prints the result. It demonstrates the
// Agent SDK end-to-end; it is not a production credential consumer.
//
// Usage:
//
//	approval-agent [options]
//
// Options:
//
//	-server          approvald base URL (default: http://127.0.0.1:8443)
//	-agent-id        agent identifier
//	-agent-name      human-readable agent name
//	-domain          credential domain to request
//	-reason          reason shown to the approving human
//	-pair-timeout    pairing poll timeout
//	-request-timeout credential request timeout
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/pion/logging"

	"github.com/backkem/approvald/pkg/agentsdk"
	"github.com/backkem/approvald/pkg/config"
)

func main() {
	opts, err := config.ParseAgentFlags(os.Args[1:])
	if err != nil {
		log.Fatalf("parsing flags: %v", err)
	}

	loggerFactory := logging.NewDefaultLoggerFactory()
	client := agentsdk.New(opts.ServerAddr, loggerFactory)

	ctx := context.Background()

	fmt.Printf("pairing as %s (%s)...\n", opts.AgentName, opts.AgentID)
	code, err := client.Pair(ctx, opts.AgentID, opts.AgentName, opts.PairTimeout)
	if err != nil {
		log.Fatalf("pairing failed: %v", err)
	}
	fmt.Printf("paired using code %s\n", code)

	reqCtx, cancel := context.WithTimeout(ctx, opts.RequestTimeout)
	defer cancel()

	resp, err := client.RequestCredential(reqCtx, opts.Domain, opts.Reason, opts.AgentID, opts.AgentName)
	if err != nil {
		log.Fatalf("credential request failed: %v", err)
	}

	switch resp.Status {
	case agentsdk.CredentialApproved:
		fmt.Printf("credential for %s: username=%s password=%s\n", opts.Domain, resp.Username, resp.Password)
	case agentsdk.CredentialDenied:
		fmt.Printf("credential request denied: %s\n", resp.Error)
	default:
		fmt.Printf("credential request error: %s\n", resp.Error)
	}
}
