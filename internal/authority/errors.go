package authority

import (
	"errors"
	"fmt"
)

// Kind classifies an authority failure.
type Kind int

const (
	// KindNetwork: authority unreachable or timed out; retry with backoff.
	KindNetwork Kind = iota + 1
	// KindProtocol: malformed or unexpected response; not retryable.
	KindProtocol
	// KindRejected: the authority refused the request (lost claim race,
	// unknown package, ...). Not an error condition, try another job.
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindProtocol:
		return "protocol"
	case KindRejected:
		return "rejected"
	}
	return "unknown"
}

// Response is the authority's answer category.
type Response string

const (
	ResponseOK             Response = "ok"
	ResponseAlreadyClaimed Response = "already-claimed"
	ResponseUnknownPackage Response = "unknown-package"
	ResponseDepWait        Response = "dep-wait"
	ResponseError          Response = "error"
)

// Sentinels usable with errors.Is against *Error.
var (
	ErrNetwork        = errors.New("authority: network error")
	ErrProtocol       = errors.New("authority: protocol error")
	ErrRejected       = errors.New("authority: rejected")
	ErrAlreadyClaimed = errors.New("authority: already claimed")
	ErrUnknownPackage = errors.New("authority: unknown package")
)

// Error is returned by every Client operation that fails.
type Error struct {
	Kind     Kind
	Op       string
	Response Response
	Reason   string
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("authority %s: %s", e.Op, e.Kind)
	if e.Response != "" && e.Response != ResponseError {
		msg += " (" + string(e.Response) + ")"
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrNetwork:
		return e.Kind == KindNetwork
	case ErrProtocol:
		return e.Kind == KindProtocol
	case ErrRejected:
		return e.Kind == KindRejected
	case ErrAlreadyClaimed:
		return e.Kind == KindRejected && e.Response == ResponseAlreadyClaimed
	case ErrUnknownPackage:
		return e.Kind == KindRejected && e.Response == ResponseUnknownPackage
	}
	return false
}

func networkError(op string, err error) *Error {
	return &Error{Kind: KindNetwork, Op: op, Err: err}
}

func protocolError(op, reason string) *Error {
	return &Error{Kind: KindProtocol, Op: op, Response: ResponseError, Reason: reason}
}

func rejected(op string, resp Response, reason string) *Error {
	return &Error{Kind: KindRejected, Op: op, Response: resp, Reason: reason}
}

// IsNetwork reports whether err is a retryable network failure.
func IsNetwork(err error) bool { return errors.Is(err, ErrNetwork) }

// IsProtocol reports whether err is a malformed-response failure.
func IsProtocol(err error) bool { return errors.Is(err, ErrProtocol) }

// IsRejected reports whether the authority refused the request.
func IsRejected(err error) bool { return errors.Is(err, ErrRejected) }
