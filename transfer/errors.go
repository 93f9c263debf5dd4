package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"
)

// TransientNetworkError is a network level failure that may succeed when retried.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("%s: transient network error: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// ServerBusyError is returned when the remote service asks the client to back off.
type ServerBusyError struct {
	Op         string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *ServerBusyError) Error() string {
	msg := fmt.Sprintf("%s: server busy", e.Op)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ServerBusyError) Unwrap() error { return e.Err }

// SessionExpiredError means the ticket is no longer valid on the remote side.
// A new ticket has to be issued; the current one can not be resumed.
type SessionExpiredError struct {
	SessionID string
	Err       error
}

func (e *SessionExpiredError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upload session %s expired: %v", e.SessionID, e.Err)
	}
	return fmt.Sprintf("upload session %s expired", e.SessionID)
}

func (e *SessionExpiredError) Unwrap() error { return e.Err }

// ProtocolMismatchError signals a violation of the upload protocol contract,
// for example a remote offset beyond the source length.
type ProtocolMismatchError struct {
	Reason string
	Err    error
}

func (e *ProtocolMismatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol mismatch: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol mismatch: %s", e.Reason)
}

func (e *ProtocolMismatchError) Unwrap() error { return e.Err }

// ResourceError is a local I/O failure while reading the content source.
type ResourceError struct {
	Op  string
	Err error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }

// AuthError is returned by collaborators when the credentials are rejected.
type AuthError struct {
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed (HTTP %d): %s", e.StatusCode, e.Message)
}

// QuotaError is returned by collaborators when the account ran out of upload quota.
type QuotaError struct {
	StatusCode int
	Message    string
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("upload quota exceeded (HTTP %d): %s", e.StatusCode, e.Message)
}

// RetriesExhaustedError carries the last underlying error once the retry budget is spent.
type RetriesExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.Err }

// FailureKind is the retry classification of an error.
type FailureKind int

const (
	KindFatal FailureKind = iota
	KindTransientNetwork
	KindServerBusy
	KindProtocolMismatch
	KindSessionExpired
	KindResource
	KindCancelled
)

func (k FailureKind) String() string {
	switch k {
	case KindTransientNetwork:
		return "transient-network"
	case KindServerBusy:
		return "server-busy"
	case KindProtocolMismatch:
		return "protocol-mismatch"
	case KindSessionExpired:
		return "session-expired"
	case KindResource:
		return "resource"
	case KindCancelled:
		return "cancelled"
	default:
		return "fatal"
	}
}

// Failure is a classified error.
type Failure struct {
	Kind FailureKind
	Err  error

	// ConfirmedOffset is set when the remote offset was read as part of the failed operation.
	ConfirmedOffset *int64
}

func (f Failure) Error() string {
	return f.Err.Error()
}

func (f Failure) Unwrap() error { return f.Err }

// Retryable reports whether the failure kind is worth another attempt.
func (f Failure) Retryable() bool {
	return f.Kind == KindTransientNetwork || f.Kind == KindServerBusy
}

// Classify maps an error to its failure kind.
// Unrecognised errors are fatal to avoid retrying forever on unexpected conditions.
func Classify(err error) Failure {
	if err == nil {
		return Failure{Kind: KindFatal}
	}

	var (
		transientErr *TransientNetworkError
		busyErr      *ServerBusyError
		expiredErr   *SessionExpiredError
		mismatchErr  *ProtocolMismatchError
		resourceErr  *ResourceError
		netErr       net.Error
		classified   Failure
	)

	switch {
	case errors.As(err, &classified):
		return Failure{Kind: classified.Kind, Err: err, ConfirmedOffset: classified.ConfirmedOffset}
	case errors.As(err, &expiredErr):
		return Failure{Kind: KindSessionExpired, Err: err}
	case errors.As(err, &mismatchErr):
		return Failure{Kind: KindProtocolMismatch, Err: err}
	case errors.As(err, &resourceErr):
		return Failure{Kind: KindResource, Err: err}
	case errors.As(err, &busyErr):
		return Failure{Kind: KindServerBusy, Err: err}
	case errors.As(err, &transientErr):
		return Failure{Kind: KindTransientNetwork, Err: err}
	case errors.Is(err, context.Canceled):
		return Failure{Kind: KindCancelled, Err: err}
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE):
		return Failure{Kind: KindTransientNetwork, Err: err}
	case errors.As(err, &netErr):
		return Failure{Kind: KindTransientNetwork, Err: err}
	}

	return Failure{Kind: KindFatal, Err: err}
}
