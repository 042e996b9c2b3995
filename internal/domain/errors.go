package domain

import (
	"errors"
	"fmt"
)

// Category sentinels.
var (
	ErrNotFound      = fmt.Errorf("not found")
	ErrDuplicate     = fmt.Errorf("duplicate")
	ErrTimeout       = fmt.Errorf("operation timed out")
	ErrInvalidInput  = fmt.Errorf("invalid input")
	ErrProviderError = fmt.Errorf("provider error")
)

// Sentinel errors for the domain layer.
var (
	ErrProviderNotFound  = fmt.Errorf("llm provider not found")
	ErrToolNotFound      = fmt.Errorf("tool not found")
	ErrCommandNotAllowed = fmt.Errorf("command not in allowlist")
	ErrShellDenied       = fmt.Errorf("shell access not permitted for agent")
	ErrConfigLoad        = fmt.Errorf("failed to load configuration")
	ErrDecryption        = fmt.Errorf("decryption failed")
	ErrEncryption        = fmt.Errorf("encryption operation failed")

	// Transport errors.
	ErrNoReplyDestination = fmt.Errorf("no reply destination")
	ErrDeliveryTimeout    = fmt.Errorf("delivery timed out")
	ErrAgentOffline       = fmt.Errorf("agent offline")
	ErrBridgeClosed       = fmt.Errorf("bridge closed")

	// Resilience errors.
	ErrCircuitOpen     = fmt.Errorf("circuit open")
	ErrContextOverflow = fmt.Errorf("context window exceeded")
	ErrRateLimit       = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid     = fmt.Errorf("authentication failed")
	ErrToolFailure     = fmt.Errorf("tool execution failed")

	// Ledger errors.
	ErrLedgerWrite = fmt.Errorf("ledger write failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Registry.Get")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsTransportError reports whether err came from the messaging transport
// rather than from the work itself.
func IsTransportError(err error) bool {
	return errors.Is(err, ErrNoReplyDestination) ||
		errors.Is(err, ErrDeliveryTimeout) ||
		errors.Is(err, ErrAgentOffline) ||
		errors.Is(err, ErrBridgeClosed)
}

// ErrorCode is a machine-parseable error category used on the wire and in logs.
type ErrorCode string

const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeDuplicate          ErrorCode = "DUPLICATE"
	CodeTimeout            ErrorCode = "TIMEOUT"
	CodeInvalidInput       ErrorCode = "INVALID_INPUT"
	CodeProviderError      ErrorCode = "PROVIDER_ERROR"
	CodeToolNotFound       ErrorCode = "TOOL_NOT_FOUND"
	CodeToolFailure        ErrorCode = "TOOL_FAILURE"
	CodeNoReplyDestination ErrorCode = "NO_REPLY_DESTINATION"
	CodeDeliveryTimeout    ErrorCode = "DELIVERY_TIMEOUT"
	CodeAgentOffline       ErrorCode = "AGENT_OFFLINE"
	CodeCircuitOpen        ErrorCode = "CIRCUIT_OPEN"
	CodeRateLimit          ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid        ErrorCode = "AUTH_INVALID"
)

var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:           CodeNotFound,
	ErrDuplicate:          CodeDuplicate,
	ErrTimeout:            CodeTimeout,
	ErrInvalidInput:       CodeInvalidInput,
	ErrProviderError:      CodeProviderError,
	ErrToolNotFound:       CodeToolNotFound,
	ErrToolFailure:        CodeToolFailure,
	ErrNoReplyDestination: CodeNoReplyDestination,
	ErrDeliveryTimeout:    CodeDeliveryTimeout,
	ErrAgentOffline:       CodeAgentOffline,
	ErrCircuitOpen:        CodeCircuitOpen,
	ErrRateLimit:          CodeRateLimit,
	ErrAuthInvalid:        CodeAuthInvalid,
}

// ErrorCodeOf returns the machine-parseable error code for err.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	if code, ok := errorCodeMap[err]; ok {
		return code
	}
	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}

// ErrorFromCode maps a wire error code back to its sentinel.
// Unknown codes yield nil.
func ErrorFromCode(code ErrorCode) error {
	for sentinel, c := range errorCodeMap {
		if c == code {
			return sentinel
		}
	}
	return nil
}
