// Package apperr определяет типизированные ошибки платежного ядра.
package apperr

import "errors"

// Code представляет машиночитаемый код ошибки.
type Code string

const (
	CodeInvalidInput      Code = "INVALID_INPUT"
	CodeInvalidAmount     Code = "INVALID_AMOUNT"
	CodeRateLimited       Code = "RATE_LIMITED"
	CodeLedgerUnavailable Code = "LEDGER_UNAVAILABLE"
	CodeNotFound          Code = "NOT_FOUND"
	CodeNotConfirmed      Code = "NOT_CONFIRMED"
	CodeAlreadyConsumed   Code = "ALREADY_CONSUMED"
	CodeStorage           Code = "STORAGE_ERROR"
)

// Error - ошибка приложения с кодом и опциональной причиной.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is позволяет сравнивать ошибки по коду через errors.Is.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

// Wrap оборачивает причину в типизированную ошибку.
func Wrap(code Code, msg string, err error) error {
	return &Error{Code: code, Message: msg, Err: err}
}

// New создает типизированную ошибку без причины.
func New(code Code, msg string) error {
	return &Error{Code: code, Message: msg}
}

// CodeOf возвращает код ошибки, либо пустую строку для нетипизированных ошибок.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

var (
	ErrInvalidAmount     = &Error{Code: CodeInvalidAmount, Message: "amount is below the configured minimum"}
	ErrRateLimited       = &Error{Code: CodeRateLimited, Message: "rate limit exceeded"}
	ErrLedgerUnavailable = &Error{Code: CodeLedgerUnavailable, Message: "ledger is unavailable"}
	ErrNotFound          = &Error{Code: CodeNotFound, Message: "payment request not found"}
	ErrNotConfirmed      = &Error{Code: CodeNotConfirmed, Message: "payment request is not confirmed"}
	ErrAlreadyConsumed   = &Error{Code: CodeAlreadyConsumed, Message: "payment request is already consumed"}
	ErrStorage           = &Error{Code: CodeStorage, Message: "storage failure"}
)
