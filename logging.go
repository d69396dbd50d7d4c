package vone

import (
	"fmt"
	"strings"
)

// Logger is an object that is used to log messages. Use the New function in
// the internal logging sub-package to create one.
type Logger interface {
	// Debug writes a message to the log at Debug level.
	Debug(string)

	// Debugf writes a formatted message to the log at Debug level.
	Debugf(string, ...interface{})

	// Error writes a message to the log at Error level.
	Error(string)

	// Errorf writes a formatted message to the log at Error level.
	Errorf(string, ...interface{})

	// Info writes a message to the log at Info level.
	Info(string)

	// Infof writes a formatted message to the log at Info level.
	Infof(string, ...interface{})

	// Trace writes a message to the log at Trace level.
	Trace(string)

	// Tracef writes a formatted message to the log at Trace level.
	Tracef(string, ...interface{})

	// Warn writes a message to the log at Warn level.
	Warn(string)

	// Warnf writes a formatted message to the log at Warn level.
	Warnf(string, ...interface{})

	// DebugBreak adds a 'break' between events in the log at Debug level. The
	// meaning of a break varies based on the underlying log; for text-based
	// logs, it is generally a newline character.
	DebugBreak()

	// ErrorBreak adds a 'break' between events in the log at Error level.
	ErrorBreak()

	// InfoBreak adds a 'break' between events in the log at Info level.
	InfoBreak()

	// TraceBreak adds a 'break' between events in the log at Trace level.
	TraceBreak()

	// WarnBreak adds a 'break' between events in the log at Warn level.
	WarnBreak()

	// LogExchange logs an HTTP request and the status it was answered with.
	// Failures seen by the serving side are logged at Error level, other
	// server-side exchanges at Info, and client-side ones at Debug, where the
	// caller receives any failure as an error anyway.
	LogExchange(x Exchange)
}

// Exchange is one HTTP request and the status it was answered with.
type Exchange struct {
	// Server is whether the exchange is logged by the side that answered it.
	Server bool

	// Remote is the address of the requester. It may be empty. Only the host
	// part is logged.
	Remote string

	Method string
	Path   string
	Status int
	Msg    string
}

// Failed returns whether the status is 400 or above.
func (x Exchange) Failed() bool {
	return x.Status >= 400
}

func (x Exchange) String() string {
	// we don't really care about the ephemeral port from the client end
	remoteIP := strings.SplitN(x.Remote, ":", 2)[0]

	line := fmt.Sprintf("%s %s: HTTP-%d %s", x.Method, x.Path, x.Status, x.Msg)
	if remoteIP != "" {
		line = remoteIP + " " + line
	}
	return line
}

// LogProvider is the library used to produce log output.
type LogProvider int

const (
	NoLog LogProvider = iota
	Jellog
	StdLog
)

func (p LogProvider) String() string {
	switch p {
	case NoLog:
		return "none"
	case Jellog:
		return "jellog"
	case StdLog:
		return "std"
	default:
		return fmt.Sprintf("LogProvider(%d)", int(p))
	}
}

// ParseLogProvider parses the name of a LogProvider. The empty string parses
// as NoLog.
func ParseLogProvider(s string) (LogProvider, error) {
	switch strings.ToLower(s) {
	case NoLog.String(), "":
		return NoLog, nil
	case Jellog.String():
		return Jellog, nil
	case StdLog.String():
		return StdLog, nil
	default:
		return NoLog, fmt.Errorf("unknown LogProvider %q", s)
	}
}
