// Package transport carries enveloped messages between an agent and its
// broker. Two variants exist: a long-lived STOMP session over TCP/TLS with
// receipt-gated publishing, and a stateless HTTPS pull/ack client for the
// ARGO messaging service. The two models are deliberately not unified: the
// STOMP side pushes messages at a subscription handler from its own reader
// goroutine, while the AMS side only hands out messages when polled.
package transport

import (
	"errors"
	"fmt"
)

// PingID is the keep-alive empa-id. Frames carrying it are discarded
// without touching any store.
const PingID = "ping"

// Kind classifies a transport failure.
type Kind int

const (
	KindNoBroker Kind = iota + 1
	KindLostConnection
	KindPublishTimeout
	KindAuthRejected
)

func (k Kind) String() string {
	switch k {
	case KindNoBroker:
		return "no broker available"
	case KindLostConnection:
		return "connection lost"
	case KindPublishTimeout:
		return "publish timed out"
	case KindAuthRejected:
		return "authentication rejected"
	default:
		return "transport error"
	}
}

// Error is the typed failure returned by transport operations.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return "transport: " + e.Kind.String()
	}
	return "transport: " + e.Kind.String() + ": " + e.Detail
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so callers can match with errors.Is against a
// bare &Error{Kind: ...}.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func errKind(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...), Err: err}
}

// Handler receives one delivered message: the end-to-end empa-id carried in
// the message headers and the raw body.
type Handler func(empaID string, body []byte)

// Transport is the contract both variants implement. Pull is a no-op for
// push transports; Ping and Reconnect are no-ops for pull transports.
type Transport interface {
	// Start establishes whatever session the variant needs.
	Start() error
	// Stop tears the session down. Safe to call on a never-started
	// transport.
	Stop() error
	// Publish sends one message and does not return until the broker has
	// accepted it.
	Publish(body []byte, id string) error
	// Subscribe registers the receive handler (push transports).
	Subscribe(destination string, handler Handler) error
	// Pull fetches and acknowledges up to max messages (pull transports).
	Pull(max int, handler Handler) error
	// Ping keeps an idle session alive.
	Ping() error
	// Reconnect re-establishes a dropped session.
	Reconnect() error
	// Healthy reports whether the session is currently usable.
	Healthy() bool
}
