package mcp

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an Error.
type Kind int

const (
	// KindConfiguration is an invalid server configuration: bad URL,
	// empty args, unknown deployment method.
	KindConfiguration Kind = iota + 1
	// KindProcessSpawn is an OS-level failure to launch a child process
	// or capture its pipes.
	KindProcessSpawn
	// KindConnectionFailed covers HTTP probe failures, EOF on stdio and
	// HTTP errors that are not JSON-RPC errors.
	KindConnectionFailed
	// KindInitialization means the handshake did not return a usable result.
	KindInitialization
	// KindProtocol is a JSON-RPC error envelope returned by the server.
	KindProtocol
	// KindServerNotRunning means a call was attempted on a server that is
	// not in the running state.
	KindServerNotRunning
	// KindServerNotFound is a manager lookup miss.
	KindServerNotFound
	// KindServerAlreadyExists is a duplicate name on spawn or update.
	KindServerAlreadyExists
	// KindTimeout means a read or HTTP exchange exceeded its deadline.
	KindTimeout
	// KindIO is any other low-level I/O failure.
	KindIO
	// KindSerialization is a JSON encoding or decoding failure.
	KindSerialization
	// KindDatabase is a store failure.
	KindDatabase
	// KindCircuitOpen means the server's circuit breaker refused the call.
	KindCircuitOpen
)

var kindNames = map[Kind]string{
	KindConfiguration:       "configuration error",
	KindProcessSpawn:        "process spawn failed",
	KindConnectionFailed:    "connection failed",
	KindInitialization:      "initialization failed",
	KindProtocol:            "protocol error",
	KindServerNotRunning:    "server not running",
	KindServerNotFound:      "server not found",
	KindServerAlreadyExists: "server already exists",
	KindTimeout:             "timeout",
	KindIO:                  "i/o error",
	KindSerialization:       "serialization error",
	KindDatabase:            "database error",
	KindCircuitOpen:         "circuit open",
}

// String returns a short human-readable name for the kind.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the error type surfaced by transports, clients and the
// Manager. Only the fields relevant to Kind are set.
type Error struct {
	Kind Kind

	// Server is the server name, when known.
	Server string

	// Field names the offending configuration field (KindConfiguration).
	Field string

	// Operation is the JSON-RPC method or I/O step that failed.
	Operation string

	// TimeoutMS is the deadline that was exceeded (KindTimeout).
	TimeoutMS int64

	// Code is the JSON-RPC error code (KindProtocol).
	Code int

	// Status is the server status observed (KindServerNotRunning).
	Status Status

	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Kind.String())
	if e.Server != "" {
		fmt.Fprintf(&sb, " [%s]", e.Server)
	}

	switch e.Kind {
	case KindTimeout:
		fmt.Fprintf(&sb, ": %s after %dms", e.Operation, e.TimeoutMS)
	case KindProtocol:
		fmt.Fprintf(&sb, ": code %d", e.Code)
	case KindServerNotRunning:
		fmt.Fprintf(&sb, ": status %s", e.Status)
	case KindConfiguration:
		if e.Field != "" {
			fmt.Fprintf(&sb, ": field %s", e.Field)
		}
	default:
		if e.Operation != "" {
			fmt.Fprintf(&sb, ": %s", e.Operation)
		}
	}

	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match on Kind: errors.Is(err, &Error{Kind: KindTimeout}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// CountsAgainstBreaker reports whether the failure says something about
// the health of the remote: timeouts and broken connections do, a
// well-formed JSON-RPC error does not.
func (e *Error) CountsAgainstBreaker() bool {
	return e.Kind == KindTimeout || e.Kind == KindConnectionFailed
}

// KindOf returns the Kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsKind reports whether err's chain contains an *Error of kind k.
func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}

// withServer stamps the server name on err if it is an *Error without one.
func withServer(err error, server string) error {
	var e *Error
	if errors.As(err, &e) && e.Server == "" {
		e.Server = server
	}
	return err
}

func errServerNotFound(name string) error {
	return &Error{Kind: KindServerNotFound, Server: name}
}

func errServerAlreadyExists(name string) error {
	return &Error{Kind: KindServerAlreadyExists, Server: name}
}

func errNotRunning(name string, status Status) error {
	return &Error{Kind: KindServerNotRunning, Server: name, Status: status}
}
