package errs

import (
	"errors"
)

// Kind groups failures by how a caller should react to them.
type Kind string

const (
	KindIdentity      Kind = "identity"
	KindAuthorization Kind = "authorization"
	KindState         Kind = "state"
	KindMarket        Kind = "market"
	KindCondition     Kind = "condition"
	KindInvalid       Kind = "invalid"
	KindUnknown       Kind = "unknown"
)

// Error is a named failure reason. Sentinels are compared with errors.Is.
type Error struct {
	Code    string
	Kind    Kind
	Message string
	// RetryLater marks failures that may succeed on a fresh attempt without
	// any change to the request (schedule not due, exit condition not met).
	RetryLater bool
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

func newError(code string, kind Kind, message string) *Error {
	return &Error{Code: code, Kind: kind, Message: message}
}

func retryLater(code string, kind Kind, message string) *Error {
	return &Error{Code: code, Kind: kind, Message: message, RetryLater: true}
}

// Identity
var (
	ErrDuplicateID = newError("DuplicateId", KindIdentity, "the id is not unique")
	ErrNotFound    = newError("NotFound", KindIdentity, "pocket does not exist")
	ErrFundingUsed = newError("FundingAlreadyUsed", KindIdentity, "funding transaction was already credited")
)

// Authorization
var (
	ErrOnlyOwner      = newError("OnlyOwner", KindAuthorization, "only owner is permitted for the operation")
	ErrOnlyOperator   = newError("OnlyOperator", KindAuthorization, "only operator is permitted for the operation")
	ErrNotRelayer     = newError("NotRelayer", KindAuthorization, "only relayer is permitted")
	ErrNotAdmin       = newError("NotAdmin", KindAuthorization, "caller is not the admin")
	ErrNotWhitelisted = newError("NotWhitelisted", KindAuthorization, "address is not whitelisted")
)

// State
var (
	ErrNotUpdatable        = newError("NotUpdatable", KindState, "the pocket is not able to update")
	ErrCannotPause         = newError("CannotPause", KindState, "cannot pause pocket")
	ErrCannotRestart       = newError("CannotRestart", KindState, "cannot restart pocket")
	ErrCannotClose         = newError("CannotClose", KindState, "cannot close pocket")
	ErrCannotWithdrawFund  = newError("CannotWithdrawFund", KindState, "cannot withdraw pocket fund")
	ErrCannotDeposit       = newError("CannotDeposit", KindState, "cannot deposit")
	ErrCannotSwap          = newError("CannotSwap", KindState, "pocket is not active")
	ErrCannotClosePosition = newError("CannotClosePosition", KindState, "pocket has no position to close")
	ErrInsufficientBalance = newError("InsufficientBalance", KindState, "insufficient pocket balance")
	ErrNotWrappedNative    = newError("NotWrappedNative", KindState, "base token is not the wrapped native token")
	ErrNotDue              = retryLater("NotDue", KindState, "the pocket is not ready to swap yet")
)

// Market
var (
	ErrSlippageExceeded = newError("SlippageExceeded", KindMarket, "amount out is below the minimum")
)

// Condition
var (
	ErrConditionNotReached        = retryLater("ConditionNotReached", KindCondition, "closing position condition does not reach")
	ErrOpeningConditionNotReached = retryLater("OpeningConditionNotReached", KindCondition, "opening position condition does not reach")
)

// Invalid input
var (
	ErrInvalidParams        = newError("InvalidParams", KindInvalid, "invalid parameters")
	ErrUnknownRouterVersion = newError("UnknownRouterVersion", KindInvalid, "unsupported router version")
	ErrQuoterNotConfigured  = newError("QuoterNotConfigured", KindInvalid, "no quoter configured for router")
	ErrUnknownMethod        = newError("UnknownMethod", KindInvalid, "unknown multicall method")
	ErrUnpaidDeposit        = newError("UnpaidDeposit", KindInvalid, "funding transaction does not pay the deposit")
	ErrExternalCallNotLast  = newError("ExternalCallNotLast", KindInvalid, "a multicall may move funds in its last call only")
)

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// CodeOf returns the code of the first *Error in err's chain, or "Unknown".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "Unknown"
}

// IsRetryLater reports whether err only means "not yet".
func IsRetryLater(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryLater
	}
	return false
}
