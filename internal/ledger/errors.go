package ledger

import (
	"errors"
	"fmt"
)

// Kind — вариант отказа из квитанции леджера.
type Kind string

const (
	KindInsufficientAllowance Kind = "InsufficientAllowance"
	KindInsufficientBalance   Kind = "InsufficientBalance"
	KindErrorOperationStyle   Kind = "ErrorOperationStyle"
	KindUnauthorized          Kind = "Unauthorized"
	KindLedgerTrap            Kind = "LedgerTrap"
	KindErrorTo               Kind = "ErrorTo"
	KindOther                 Kind = "Other"
	KindBlockUsed             Kind = "BlockUsed"
	KindAmountTooSmall        Kind = "AmountTooSmall"
)

// TxError описывает отказ леджера выполнить операцию.
type TxError struct {
	Kind    Kind
	Message string
}

func (e *TxError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("ledger rejected: %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("ledger rejected: %s", e.Kind)
}

// Is сравнивает ошибки по варианту отказа, чтобы работал errors.Is с сентинелами пакета.
func (e *TxError) Is(target error) bool {
	t, ok := target.(*TxError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

var (
	ErrInsufficientAllowance = &TxError{Kind: KindInsufficientAllowance}
	ErrInsufficientBalance   = &TxError{Kind: KindInsufficientBalance}
	ErrErrorOperationStyle   = &TxError{Kind: KindErrorOperationStyle}
	ErrUnauthorized          = &TxError{Kind: KindUnauthorized}
	ErrLedgerTrap            = &TxError{Kind: KindLedgerTrap}
	ErrErrorTo               = &TxError{Kind: KindErrorTo}
	ErrOther                 = &TxError{Kind: KindOther}
	ErrBlockUsed             = &TxError{Kind: KindBlockUsed}
	ErrAmountTooSmall        = &TxError{Kind: KindAmountTooSmall}
)

// ErrUnavailable возвращается при сетевых ошибках и неожиданных ответах леджера.
var ErrUnavailable = errors.New("ledger unavailable")

// IsRejection сообщает, что ошибка — структурированный отказ леджера.
func IsRejection(err error) bool {
	var txErr *TxError
	return errors.As(err, &txErr)
}
