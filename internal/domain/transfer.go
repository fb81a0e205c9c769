package domain

import "github.com/shopspring/decimal"

// TransferStatus is the outcome reported on the response queue.
type TransferStatus string

const (
	TransferSuccess TransferStatus = "success"
	TransferFailed  TransferStatus = "failed"
)

// TransactionStatus is the lifecycle of a durable transaction record.
type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionCompleted TransactionStatus = "completed"
	TransactionFailed    TransactionStatus = "failed"
)

// Terminal reports whether the record can no longer change.
func (s TransactionStatus) Terminal() bool {
	return s == TransactionCompleted || s == TransactionFailed
}

// TransferRequest is published once the user confirms a transfer.
type TransferRequest struct {
	TransactionID  string
	ConversationID string
	UserID         int64
	RecipientPhone string
	Amount         decimal.Decimal
	Currency       string
}

// TransferResult reports the processor's outcome back to the conversation.
type TransferResult struct {
	TransactionID  string
	ConversationID string
	UserID         int64
	Status         TransferStatus
	Message        string
	BalanceAfter   *decimal.Decimal
	Currency       string
	ErrorMessage   string
}

// TransactionRecord is the durable trace of a transfer attempt.
type TransactionRecord struct {
	ID             int64
	ConversationID string
	TransactionID  string
	UserID         int64
	RecipientPhone string
	Amount         decimal.Decimal
	Currency       string
	Status         TransactionStatus
	ErrorMessage   string
	BalanceAfter   *decimal.Decimal
}

// UserBalance is the account view the processor debits.
type UserBalance struct {
	UserID   int64
	Balance  decimal.Decimal
	Currency string
}
