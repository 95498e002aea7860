package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind is the closed set of failure classes surfaced by the engine.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindPolicy       Kind = "policy"
	KindConflict     Kind = "conflict"
	KindTransient    Kind = "transient"
	KindStaleQuote   Kind = "stale-quote"
	KindCircuitOpen  Kind = "circuit-open"
	KindProofFailure Kind = "proof-failure"
	KindNotFound     Kind = "not-found"
)

// Stable error codes returned to callers.
const (
	CodeInvalidInput           = "INVALID_INPUT"
	CodeInvoiceNotFound        = "INVOICE_NOT_FOUND"
	CodeReservationNotFound    = "RESERVATION_NOT_FOUND"
	CodeLegNotFound            = "LEG_NOT_FOUND"
	CodeAttestationNotFound    = "ATTESTATION_NOT_FOUND"
	CodeInvoicePaid            = "INVOICE_ALREADY_PAID"
	CodeInvoiceCancelled       = "INVOICE_CANCELLED"
	CodeInvoiceExpired         = "INVOICE_EXPIRED"
	CodeInvoiceTerminal        = "INVOICE_NOT_PAYABLE"
	CodeReservedByAnotherPayer = "RESERVED_BY_ANOTHER_PAYER"
	CodeNotReservationHolder   = "NOT_RESERVATION_HOLDER"
	CodeReservationInactive    = "RESERVATION_NOT_ACTIVE"
	CodeReservationExpired     = "RESERVATION_EXPIRED"
	CodeLegNotExecutable       = "LEG_NOT_EXECUTABLE"
	CodeLegOutOfOrder          = "LEG_OUT_OF_ORDER"
	CodeLegBusy                = "LEG_EXECUTION_IN_PROGRESS"
	CodeMissingArtifact        = "MISSING_ARTIFACT"
	CodePolicyViolation        = "POLICY_VIOLATION"
	CodeSlippageExceeded       = "SLIPPAGE_EXCEEDED"
	CodeStaleQuote             = "STALE_QUOTE"
	CodeRateLimited            = "RATE_LIMITED"
	CodeUpstreamUnavailable    = "UPSTREAM_UNAVAILABLE"
	CodeRouteNotFound          = "ROUTE_NOT_FOUND"
	CodeCircuitOpen            = "CIRCUIT_OPEN"
	CodeSignatureInvalid       = "SIGNATURE_INVALID"
	CodeMerkleMismatch         = "MERKLE_MISMATCH"
	CodeExecutionFailed        = "EXECUTION_FAILED"
	CodeConfirmationTimeout    = "CONFIRMATION_TIMEOUT"
	CodeExecutionDisabled      = "EXECUTION_DISABLED"
	CodeInvoiceNotPaid         = "INVOICE_NOT_PAID"
	CodeReservationExists      = "RESERVATION_ALREADY_ACTIVE"
	CodePayloadVersion         = "UNSUPPORTED_PAYLOAD_VERSION"
	CodeUntrustedSigner        = "UNTRUSTED_SIGNER"
	CodeSwitchNotFound         = "SWITCH_NOT_FOUND"
	CodeSettlementUnresolved   = "SETTLEMENT_NEEDS_RESOLUTION"
	CodeSettlementConflict     = "SETTLEMENT_CONFLICT"
)

// Error carries only the fields relevant to its Kind.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	// Fields lists the violated fields for validation and policy errors.
	Fields []string
	// Resource is the circuit id for circuit-open errors.
	Resource string
	Cause    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Code != "" {
		msg = e.Code + ": " + msg
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches another *Error by kind and, when set on the target, by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil {
		return false
	}
	if t.Kind != "" && t.Kind != e.Kind {
		return false
	}
	if t.Code != "" && t.Code != e.Code {
		return false
	}
	return true
}

func Validation(code, message string, fields ...string) *Error {
	if code == "" {
		code = CodeInvalidInput
	}
	return &Error{Kind: KindValidation, Code: code, Message: message, Fields: fields}
}

func Policy(message string, fields ...string) *Error {
	return &Error{Kind: KindPolicy, Code: CodePolicyViolation, Message: message, Fields: fields}
}

func Conflict(code, message string) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: message}
}

func NotFound(code, message string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: message}
}

func Transient(code, message string, cause error) *Error {
	if code == "" {
		code = CodeUpstreamUnavailable
	}
	return &Error{Kind: KindTransient, Code: code, Message: message, Cause: cause}
}

func StaleQuote(message string, cause error) *Error {
	return &Error{Kind: KindStaleQuote, Code: CodeStaleQuote, Message: message, Cause: cause}
}

func CircuitOpen(resource string) *Error {
	return &Error{
		Kind:     KindCircuitOpen,
		Code:     CodeCircuitOpen,
		Message:  fmt.Sprintf("circuit %s is open", resource),
		Resource: resource,
	}
}

func ProofFailure(code, message string) *Error {
	return &Error{Kind: KindProofFailure, Code: code, Message: message}
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CodeOf returns the code of the first *Error in err's chain, or fallback.
func CodeOf(err error, fallback string) string {
	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return fallback
}

func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps an error onto the status code the API returns for it.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindPolicy, KindProofFailure:
		return http.StatusUnprocessableEntity
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindTransient, KindStaleQuote, KindCircuitOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Describe flattens an error into caller-facing code and message.
func Describe(err error) (code, message string) {
	if err == nil {
		return "", ""
	}
	var e *Error
	if errors.As(err, &e) {
		msg := e.Message
		if len(e.Fields) > 0 {
			msg = msg + " (" + strings.Join(e.Fields, ", ") + ")"
		}
		return e.Code, msg
	}
	return CodeExecutionFailed, err.Error()
}
