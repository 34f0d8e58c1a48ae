package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a MetaError.
type ErrorKind uint8

const (
	KindInternal ErrorKind = iota
	KindAuth
	KindProtocol
	KindConsensus
	KindStateMachine
	KindForward
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindProtocol:
		return "protocol"
	case KindConsensus:
		return "consensus"
	case KindStateMachine:
		return "state_machine"
	case KindForward:
		return "forward"
	default:
		return "internal"
	}
}

// Error codes carried in MetaError.Code.
const (
	CodeMissingToken    = "MISSING_TOKEN"
	CodeInvalidToken    = "INVALID_TOKEN"
	CodeUnverifiedToken = "UNVERIFIED_TOKEN"
	CodeUnknownUser     = "UNKNOWN_USER"
	CodeBadCredentials  = "BAD_CREDENTIALS"

	CodeBadEnvelope = "BAD_ENVELOPE"
	CodeBadCommand  = "BAD_COMMAND"

	CodeNotLeader      = "NOT_LEADER"
	CodeStaleTerm      = "STALE_TERM"
	CodeLogMismatch    = "LOG_MISMATCH"
	CodeLeadershipLost = "LEADERSHIP_LOST"
	CodeTimeout        = "TIMEOUT"
	CodeShutdown       = "SHUTDOWN"
	CodeChangePending  = "MEMBERSHIP_CHANGE_PENDING"

	CodeVersionConflict = "VERSION_CONFLICT"
	CodeNotFound        = "NOT_FOUND"
	CodeAlreadyExists   = "ALREADY_EXISTS"

	CodeNoLeader    = "NO_LEADER"
	CodeForwardLoop = "FORWARD_LOOP"

	CodeInternal = "INTERNAL"
)

// RetryPolicy tells a client what to do after a failure.
type RetryPolicy uint8

const (
	// RetryHere means the same node may succeed later.
	RetryHere RetryPolicy = iota
	// RetryElsewhere means the request should be sent to the leader.
	RetryElsewhere
	// FixRequest means retrying the same request can never succeed.
	FixRequest
)

func (p RetryPolicy) String() string {
	switch p {
	case RetryHere:
		return "here"
	case RetryElsewhere:
		return "elsewhere"
	default:
		return "fix"
	}
}

// ParseRetryPolicy is the inverse of RetryPolicy.String.
func ParseRetryPolicy(s string) RetryPolicy {
	switch s {
	case "here":
		return RetryHere
	case "elsewhere":
		return RetryElsewhere
	default:
		return FixRequest
	}
}

// MetaError is the structured error surfaced to callers of the metadata service.
type MetaError struct {
	Kind    ErrorKind `json:"kind"`
	Code    string    `json:"code"`
	Message string    `json:"message"`

	// Leader hint and term, when known.
	LeaderID   string `json:"leader_id,omitempty"`
	LeaderAddr string `json:"leader_addr,omitempty"`
	Term       uint64 `json:"term,omitempty"`
}

func (e *MetaError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.LeaderAddr != "" {
		msg += fmt.Sprintf(" (leader=%s@%s term=%d)", e.LeaderID, e.LeaderAddr, e.Term)
	}
	return msg
}

// Is matches two MetaErrors with the same code, so callers can write
// errors.Is(err, &MetaError{Code: CodeVersionConflict}).
func (e *MetaError) Is(target error) bool {
	t, ok := target.(*MetaError)
	return ok && t.Code == e.Code
}

// Retry classifies the error for client retry loops.
func (e *MetaError) Retry() RetryPolicy {
	switch e.Code {
	case CodeNotLeader, CodeLeadershipLost:
		return RetryElsewhere
	case CodeNoLeader, CodeForwardLoop, CodeTimeout, CodeShutdown, CodeChangePending, CodeStaleTerm, CodeLogMismatch, CodeInternal:
		return RetryHere
	default:
		return FixRequest
	}
}

func NewAuthError(code, msg string) *MetaError {
	return &MetaError{Kind: KindAuth, Code: code, Message: msg}
}

func NewProtocolError(code, msg string) *MetaError {
	return &MetaError{Kind: KindProtocol, Code: code, Message: msg}
}

func NewStateMachineError(code, msg string) *MetaError {
	return &MetaError{Kind: KindStateMachine, Code: code, Message: msg}
}

func NewInternalError(msg string) *MetaError {
	return &MetaError{Kind: KindInternal, Code: CodeInternal, Message: msg}
}

// AsMetaError returns err as a *MetaError, wrapping unknown errors as internal.
func AsMetaError(err error) *MetaError {
	if err == nil {
		return nil
	}
	var me *MetaError
	if errors.As(err, &me) {
		return me
	}
	return NewInternalError(err.Error())
}
