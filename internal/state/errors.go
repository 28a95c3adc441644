package state

import "errors"

// ErrorKind groups failures by how a caller should react to them.
type ErrorKind uint8

const (
	KindValidation ErrorKind = iota
	KindAuthorization
	KindState
	KindCapacity
	KindConfiguration
	KindNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuthorization:
		return "authorization"
	case KindState:
		return "state"
	case KindCapacity:
		return "capacity"
	case KindConfiguration:
		return "configuration"
	case KindNotFound:
		return "not_found"
	default:
		return "validation"
	}
}

// Error is a sentinel failure carrying its kind. Operations wrap these with
// context; match them with errors.Is.
type Error struct {
	Kind ErrorKind
	Code string
}

func (e *Error) Error() string { return e.Code }

func newError(kind ErrorKind, code string) *Error {
	return &Error{Kind: kind, Code: code}
}

// Authorization
var (
	ErrOnlyClaimManager          = newError(KindAuthorization, "OnlyClaimManager")
	ErrOnlyPositionOwner         = newError(KindAuthorization, "OnlyPositionOwner")
	ErrOnlyTokenOwner            = newError(KindAuthorization, "OnlyTokenOwner")
	ErrSenderNotLiquidityManager = newError(KindAuthorization, "SenderNotLiquidityManager")
	ErrOnlyOwner                 = newError(KindAuthorization, "OnlyOwner")
)

// State
var (
	ErrPoolIsPaused                             = newError(KindState, "PoolIsPaused")
	ErrCannotIncreaseIfCommittedWithdrawal      = newError(KindState, "CannotIncreaseIfCommittedWithdrawal")
	ErrCannotTakeInterestsIfCommittedWithdrawal = newError(KindState, "CannotTakeInterestsIfCommittedWithdrawal")
	ErrPositionNotCommited                      = newError(KindState, "PositionNotCommited")
	ErrWithdrawalNotReady                       = newError(KindState, "WithdrawalNotReady")
	ErrPoolHasOngoingClaims                     = newError(KindState, "PoolHasOngoingClaims")
	ErrNoOngoingClaims                          = newError(KindState, "NoOngoingClaims")
	ErrCoverIsExpired                           = newError(KindState, "CoverIsExpired")
	ErrPositionIsClosed                         = newError(KindState, "PositionIsClosed")
	ErrIncompatiblePools                        = newError(KindState, "IncompatiblePools")
	ErrIncompatibleStrategy                     = newError(KindState, "IncompatibleStrategy")
)

// Not found
var (
	ErrCoverDoesNotExist    = newError(KindNotFound, "CoverDoesNotExist")
	ErrPositionDoesNotExist = newError(KindNotFound, "PositionDoesNotExist")
	ErrPoolDoesNotExist     = newError(KindNotFound, "PoolDoesNotExist")
	ErrStrategyDoesNotExist = newError(KindNotFound, "StrategyDoesNotExist")
)

// Capacity
var (
	ErrInsufficientLiquidityForCover      = newError(KindCapacity, "InsufficientLiquidityForCover")
	ErrInsufficientLiquidityForWithdrawal = newError(KindCapacity, "InsufficientLiquidityForWithdrawal")
	ErrRatioAbovePoolCapacity             = newError(KindCapacity, "RatioAbovePoolCapacity")
	ErrAmountAtenTooHigh                  = newError(KindCapacity, "AmountAtenTooHigh")
	ErrLeverageTooHigh                    = newError(KindCapacity, "LeverageTooHigh")
	ErrAmountExceedsPosition              = newError(KindCapacity, "AmountExceedsPosition")
	ErrAmountExceedsCover                 = newError(KindCapacity, "AmountExceedsCover")
	ErrPremiumsExceedRemaining            = newError(KindCapacity, "PremiumsExceedRemaining")
	ErrDurationBelowOneTick               = newError(KindCapacity, "DurationBelowOneTick")
	ErrCoverAmountTooLow                  = newError(KindCapacity, "CoverAmountTooLow")
	ErrInsufficientStrategyBalance        = newError(KindCapacity, "InsufficientStrategyBalance")
	ErrLiquidityOverflow                  = newError(KindCapacity, "LiquidityOverflow")
)

// Configuration
var (
	ErrTiersNotAscending = newError(KindConfiguration, "TiersNotAscending")
	ErrInvalidFormula    = newError(KindConfiguration, "InvalidFormula")
	ErrInvalidConfig     = newError(KindConfiguration, "InvalidConfig")
)

// Validation
var (
	ErrZeroAmount    = newError(KindValidation, "ZeroAmount")
	ErrEmptyPoolSet  = newError(KindValidation, "EmptyPoolSet")
	ErrDuplicatePool = newError(KindValidation, "DuplicatePool")
	ErrSamePool      = newError(KindValidation, "SamePool")
)

// KindOf extracts the kind of a wrapped sentinel.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
