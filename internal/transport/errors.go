package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/nerrad567/factory-core/internal/infrastructure/mqtt"
)

// Sentinel errors for transport operations.
var (
	ErrNotConnected     = errors.New("transport: not connected")
	ErrAlreadyConnected = errors.New("transport: already connected")
	ErrWildcardTopic    = errors.New("transport: publish topic contains wildcards")
	ErrNotMock          = errors.New("transport: injection requires the mock environment")
	ErrNotSubscribed    = errors.New("transport: no subscription matches topic")
	ErrEncode           = errors.New("transport: payload is not JSON-encodable")
)

// ErrorKind classifies a TransportError.
type ErrorKind string

// Transport error kinds.
const (
	KindConnect    ErrorKind = "connect"
	KindDisconnect ErrorKind = "disconnect"
	KindPublish    ErrorKind = "publish"
	KindSubscribe  ErrorKind = "subscribe"
	KindTimeout    ErrorKind = "timeout"
	KindCancelled  ErrorKind = "cancelled"
)

// TransportError is returned by Connect, Disconnect and Publish.
type TransportError struct {
	Kind  ErrorKind
	Topic string
	Err   error
}

func (e *TransportError) Error() string {
	if e.Topic != "" {
		return fmt.Sprintf("transport %s %s: %v", e.Kind, e.Topic, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a TransportError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Kind == kind
}

// classify maps a backend error to a kind, falling back to def.
func classify(err error, def ErrorKind) ErrorKind {
	switch {
	case errors.Is(err, mqtt.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, mqtt.ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	default:
		return def
	}
}

func newError(kind ErrorKind, topic string, err error) *TransportError {
	return &TransportError{Kind: kind, Topic: topic, Err: err}
}
