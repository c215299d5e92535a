// Package audit records a credential-request audit trail separate from
// ordinary operational logging. It never writes credential values: Record
// takes structured fields plus a short free-text detail rather than a format
// string, and replaces the detail with "[redacted]" when the line looks
// like it carries a secret.
package audit

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/pion/logging"
)

// Event is the outcome recorded for a single credential request.
type Event string

const (
	EventRequested Event = "REQUEST"
	EventDenied    Event = "DENIED"
	EventSuccess   Event = "SUCCESS"
	EventNotFound  Event = "NOT_FOUND"
	EventError     Event = "ERROR"
)

// sensitivePattern matches tokens that should never appear in a log line;
// it is a last-line guard, not the primary defense (the primary defense is
// that Record's callers never pass a raw secret as an argument).
var sensitivePattern = regexp.MustCompile(`(?i)(password|secret|token)\s*=`)

// Logger writes audit entries via an injected logging.LeveledLogger. A nil
// Logger is valid and makes every method a no-op, matching the rest of the
// module's nil-safe logging convention.
type Logger struct {
	log logging.LeveledLogger
}

// New wraps factory (or nil) into a Logger scoped to the "audit" subsystem.
func New(factory logging.LoggerFactory) *Logger {
	if factory == nil {
		return &Logger{}
	}
	return &Logger{log: factory.NewLogger("audit")}
}

// Record writes one audit entry and returns its correlation id, so a caller
// can thread the same id through a later follow-up entry for the same
// request. agentID and domain identify the subject of the request; detail
// is free text describing the outcome and must never contain a credential
// value — Record scrubs any line that still looks like it carries one as a
// defensive backstop.
func (l *Logger) Record(event Event, agentID, domain, detail string) string {
	corrID := uuid.NewString()
	if l == nil || l.log == nil {
		return corrID
	}
	line := fmt.Sprintf("%s corr=%s agent=%s domain=%s at=%s detail=%s",
		event, corrID, agentID, domain, time.Now().UTC().Format(time.RFC3339), detail)
	if sensitivePattern.MatchString(line) {
		line = fmt.Sprintf("%s corr=%s agent=%s domain=%s at=%s detail=[redacted]",
			event, corrID, agentID, domain, time.Now().UTC().Format(time.RFC3339))
	}
	l.log.Infof("%s", line)
	return corrID
}
