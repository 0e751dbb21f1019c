package toolrpc

import (
	"errors"
	"fmt"
)

// Kind classifies tool protocol failures.
type Kind string

const (
	KindNotFound   Kind = "not_found"
	KindNotRunning Kind = "not_running"
	KindTimeout    Kind = "timeout"
	KindMalformed  Kind = "malformed"
	KindRemote     Kind = "remote"
	KindTransport  Kind = "transport"
	KindDisabled   Kind = "disabled"
)

// Error is returned by every Client operation that fails on the protocol
// level. Remote errors carry the JSON-RPC code and message.
type Error struct {
	Kind    Kind
	Server  string
	Tool    string
	Code    int
	Message string
	Err     error
}

func (e *Error) Error() string {
	subject := e.Server
	if e.Tool != "" {
		subject = e.Tool
	}
	var what string
	switch e.Kind {
	case KindNotFound:
		what = "not found"
		if e.Message != "" {
			what += " (" + e.Message + ")"
		}
	case KindNotRunning:
		what = "server not running"
	case KindTimeout:
		what = "timeout"
	case KindMalformed:
		what = "malformed response"
	case KindRemote:
		what = fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
	case KindDisabled:
		what = "server disabled"
	default:
		what = "transport error"
	}
	if e.Err != nil && e.Kind != KindRemote {
		what += ": " + e.Err.Error()
	}
	if subject == "" {
		return "toolrpc: " + what
	}
	return fmt.Sprintf("toolrpc: %s: %s", subject, what)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err is an *Error of kind k.
func IsKind(err error, k Kind) bool { return KindOf(err) == k }

// IsNotFound reports an unknown server or tool.
func IsNotFound(err error) bool { return IsKind(err, KindNotFound) }

// IsTimeout reports a request that got no response in time.
func IsTimeout(err error) bool { return IsKind(err, KindTimeout) }
