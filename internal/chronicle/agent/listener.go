package agent

import (
	"fmt"
	"log/slog"
)

// Severity is the level of an agent diagnostic.
type Severity int

// Diagnostic severities, least to most serious.
const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityFatal
)

var severityNames = [...]string{
	SeverityInfo:    "info",
	SeverityWarning: "warning",
	SeverityError:   "error",
	SeverityFatal:   "fatal",
}

// ParseSeverity maps an agent severity name to a Severity.
func ParseSeverity(name string) (Severity, error) {
	for i, n := range severityNames {
		if n == name {
			return Severity(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownSeverity, name)
}

// String returns the agent's name for the severity.
func (s Severity) String() string {
	if s < 0 || int(s) >= len(severityNames) {
		return fmt.Sprintf("Severity(%d)", int(s))
	}
	return severityNames[s]
}

// Level maps the severity to a log level.
func (s Severity) Level() slog.Level {
	switch s {
	case SeverityInfo:
		return slog.LevelInfo
	case SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// Listener observes session traffic and diagnostics. Methods may be called
// from any goroutine and must not block.
type Listener interface {
	// Started is called once the session goroutines are running.
	Started()

	// Message reports a diagnostic. queryID is zero when the diagnostic
	// is not associated with a query.
	Message(severity Severity, text string, queryID int)

	// Sending is called with each request line before it is written.
	Sending(line []byte)

	// Received is called with each line read from the agent.
	Received(line []byte)
}

// ListenerFuncs adapts optional functions to the Listener interface.
type ListenerFuncs struct {
	OnStarted  func()
	OnMessage  func(severity Severity, text string, queryID int)
	OnSending  func(line []byte)
	OnReceived func(line []byte)
}

// Started implements Listener.
func (f ListenerFuncs) Started() {
	if f.OnStarted != nil {
		f.OnStarted()
	}
}

// Message implements Listener.
func (f ListenerFuncs) Message(severity Severity, text string, queryID int) {
	if f.OnMessage != nil {
		f.OnMessage(severity, text, queryID)
	}
}

// Sending implements Listener.
func (f ListenerFuncs) Sending(line []byte) {
	if f.OnSending != nil {
		f.OnSending(line)
	}
}

// Received implements Listener.
func (f ListenerFuncs) Received(line []byte) {
	if f.OnReceived != nil {
		f.OnReceived(line)
	}
}
