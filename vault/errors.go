package vault

import (
	"errors"
	"fmt"
)

// Kind groups vault failures by what the caller did wrong.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindState
	KindArithmetic
	KindAuthorization
	KindTransfer
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindState:
		return "state"
	case KindArithmetic:
		return "arithmetic"
	case KindAuthorization:
		return "authorization"
	case KindTransfer:
		return "transfer"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error is a classified vault failure. Two errors match under errors.Is when
// their codes match, so callers compare against the sentinels below.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Wrapf returns a copy of e with extra detail appended to the message.
func (e *Error) Wrapf(format string, args ...any) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: e.Message + ": " + fmt.Sprintf(format, args...)}
}

var (
	ErrNameTooLong         = &Error{KindValidation, "NameTooLong", "strategy name too long"}
	ErrDescriptionTooLong  = &Error{KindValidation, "DescriptionTooLong", "strategy description too long"}
	ErrFeeTooHigh          = &Error{KindValidation, "FeeTooHigh", "performance fee too high"}
	ErrInsufficientDeposit = &Error{KindValidation, "InsufficientDeposit", "insufficient deposit amount"}

	ErrStrategyInactive  = &Error{KindState, "StrategyInactive", "strategy is not active"}
	ErrPositionInactive  = &Error{KindState, "PositionInactive", "position is not active"}
	ErrNoProfitToSettle  = &Error{KindState, "NoProfitToSettle", "no profit to settle"}
	ErrFeeAmountTooSmall = &Error{KindState, "FeeAmountTooSmall", "fee amount too small"}
	ErrStrategyExists    = &Error{KindState, "StrategyExists", "strategy already exists"}
	ErrPositionExists    = &Error{KindState, "PositionExists", "position already exists"}

	ErrMathOverflow        = &Error{KindArithmetic, "MathOverflow", "math overflow"}
	ErrInsufficientBalance = &Error{KindArithmetic, "InsufficientBalance", "insufficient balance"}

	ErrUnauthorized             = &Error{KindAuthorization, "Unauthorized", "caller is not authorized"}
	ErrPositionStrategyMismatch = &Error{KindAuthorization, "PositionStrategyMismatch", "position does not belong to strategy"}
	ErrInvalidSeeds             = &Error{KindAuthorization, "InvalidSeeds", "seeds do not derive the escrow account"}

	ErrInsufficientFunds = &Error{KindTransfer, "InsufficientFunds", "insufficient funds for transfer"}

	ErrStrategyNotFound = &Error{KindNotFound, "StrategyNotFound", "strategy not found"}
	ErrPositionNotFound = &Error{KindNotFound, "PositionNotFound", "position not found"}
)

// KindOf reports the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// CodeOf reports the code of the first *Error in err's chain, or "".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
