package models

import "fmt"

type ErrorCode string

const (
	CodeAuthInvalid       ErrorCode = "AuthInvalid"
	CodeUserBanned        ErrorCode = "UserBanned"
	CodeInvalidBetSize    ErrorCode = "InvalidBetSize"
	CodeInvalidCoinCount  ErrorCode = "InvalidCoinCount"
	CodeInvalidSideCount  ErrorCode = "InvalidSideCount"
	CodeSelfExcluded      ErrorCode = "SelfExcluded"
	CodeBettingRestricted ErrorCode = "BettingRestricted"
	CodeInsufficientFunds ErrorCode = "InsufficientFunds"
	CodeRateLimited       ErrorCode = "RateLimited"
	CodeInternalError     ErrorCode = "InternalError"
)

// WagerError is an expected, user-facing failure. Message is safe to show.
type WagerError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *WagerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any WagerError carrying the same code.
func (e *WagerError) Is(target error) bool {
	t, ok := target.(*WagerError)
	return ok && t.Code == e.Code
}

func NewWagerError(code ErrorCode, format string, args ...interface{}) *WagerError {
	return &WagerError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Sentinels for errors.Is checks.
var (
	ErrAuthInvalid       = &WagerError{Code: CodeAuthInvalid}
	ErrUserBanned        = &WagerError{Code: CodeUserBanned}
	ErrInvalidBetSize    = &WagerError{Code: CodeInvalidBetSize}
	ErrInvalidCoinCount  = &WagerError{Code: CodeInvalidCoinCount}
	ErrInvalidSideCount  = &WagerError{Code: CodeInvalidSideCount}
	ErrSelfExcluded      = &WagerError{Code: CodeSelfExcluded}
	ErrBettingRestricted = &WagerError{Code: CodeBettingRestricted}
	ErrInsufficientFunds = &WagerError{Code: CodeInsufficientFunds}
	ErrRateLimited       = &WagerError{Code: CodeRateLimited}
	ErrInternal          = &WagerError{Code: CodeInternalError}
)

// InternalError is what clients see for anything unexpected.
func InternalError() *WagerError {
	return &WagerError{
		Code:    CodeInternalError,
		Message: "Your bet couldn't be placed: internal server error, please try again later!",
	}
}
