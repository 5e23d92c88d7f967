// Package relaywire holds the error taxonomy shared between the relay,
// pool and control layers.
package relaywire

import "fmt"

// Reason identifies why a RelayError occurred, so callers can branch on
// it without comparing error strings.
type Reason int

const (
	// ReasonTimeout means the relay did not reply within relay_timeout.
	ReasonTimeout Reason = iota
	// ReasonRelayReportedError means the relay itself replied "error".
	ReasonRelayReportedError
	// ReasonHalting means the relay replied "halting" and is no longer ready.
	ReasonHalting
	// ReasonDisconnected means the TLS connection dropped mid-command.
	ReasonDisconnected
	// ReasonRelayGone means the session's owning relay is no longer connected.
	ReasonRelayGone
	// ReasonMissingCallID means the request had no call_id header.
	ReasonMissingCallID
	// ReasonNoRelayAvailable means every candidate relay was exhausted.
	ReasonNoRelayAvailable
	// ReasonUnknownSession means a non-update command named an unknown call_id.
	ReasonUnknownSession
)

func (r Reason) String() string {
	switch r {
	case ReasonTimeout:
		return "timeout"
	case ReasonRelayReportedError:
		return "error"
	case ReasonHalting:
		return "halting"
	case ReasonDisconnected:
		return "disconnected"
	case ReasonRelayGone:
		return "relay gone"
	case ReasonMissingCallID:
		return "missing call_id"
	case ReasonNoRelayAvailable:
		return "no relay available"
	case ReasonUnknownSession:
		return "unknown session"
	default:
		return "unknown"
	}
}

// Retryable reports whether the router may try another candidate relay
// after this error, per spec §7. Disconnect errors are not retried
// because the command's side effects on the relay are unknown.
func (r Reason) Retryable() bool {
	switch r {
	case ReasonTimeout, ReasonRelayReportedError, ReasonHalting:
		return true
	default:
		return false
	}
}

// RelayError is the error type the relay and pool layers report to a
// control connection. Like any other error there, it collapses to the
// literal token "error" on the wire; the Reason and detail stay in the
// logs only.
type RelayError struct {
	Reason Reason
	Detail string
}

func New(reason Reason, detail string) *RelayError {
	return &RelayError{Reason: reason, Detail: detail}
}

func (e *RelayError) Error() string {
	if e.Detail == "" {
		return e.Reason.String()
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

// ConfigError is fatal at startup (spec §7, §6 exit codes).
type ConfigError struct {
	msg string
}

func NewConfigError(format string, args ...interface{}) *ConfigError {
	return &ConfigError{msg: fmt.Sprintf(format, args...)}
}

func (e *ConfigError) Error() string { return e.msg }
