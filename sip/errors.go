package sip

import (
	"braces.dev/errtrace"

	"github.com/sipward/sipward/internal/errorutil"
)

type Error = errorutil.Error

const (
	ErrInvalidArgument = errorutil.ErrInvalidArgument

	ErrMessageMalformed         Error = "malformed message"
	ErrMethodNotAllowed         Error = "request method not allowed"
	ErrTransactionNotFound      Error = "transaction not found"
	ErrTransactionExists        Error = "transaction already exists"
	ErrTransactionNotMatched    Error = "message does not match transaction"
	ErrTransactionStateInvalid  Error = "operation not allowed in current transaction state"
	ErrTransactionTimedOut      Error = "transaction timed out"
	ErrTransactionManagerClosed Error = "transaction manager closed"
	ErrTransportClosed          Error = "transport closed"
)

func NewInvalidArgumentError(args ...any) error {
	return errtrace.Wrap(errorutil.NewInvalidArgumentError(args...)) //errtrace:skip
}

func NewMalformedMessageError(args ...any) error {
	return errtrace.Wrap(errorutil.NewWrapperError(ErrMessageMalformed, args...)) //errtrace:skip
}

func NewTransactionStateError(args ...any) error {
	return errtrace.Wrap(errorutil.NewWrapperError(ErrTransactionStateInvalid, args...)) //errtrace:skip
}
