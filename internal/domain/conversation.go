package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrConversationNotFound is returned by conversation lookups for unknown ids.
var ErrConversationNotFound = errors.New("conversation not found")

// ConversationStatus tracks where a conversation is in its transfer cycle.
type ConversationStatus string

const (
	ConversationActive    ConversationStatus = "active"
	ConversationCompleted ConversationStatus = "completed"
	ConversationAbandoned ConversationStatus = "abandoned"
)

// Conversation is the durable conversation record.
type Conversation struct {
	ID           int64
	UserID       int64
	Status       ConversationStatus
	StartedAt    time.Time
	EndedAt      *time.Time
	LastActivity time.Time

	// Mirrored negotiation fields, used when the cache entry is gone.
	RecipientPhone      string
	Amount              *decimal.Decimal
	Currency            string
	ConfirmationPending bool
	TransactionID       string
}

// Message is a single persisted chat message.
type Message struct {
	ConversationID int64
	Role           string
	Content        string
	CreatedAt      time.Time
}

// ConversationState is the in-flight negotiation for one conversation.
// Messages is never cached; it is rebuilt from the durable message log.
type ConversationState struct {
	ConversationID      int64            `json:"conversationId"`
	UserID              int64            `json:"userId"`
	Messages            []ChatMessage    `json:"-"`
	RecipientPhone      string           `json:"recipientPhone,omitempty"`
	Amount              *decimal.Decimal `json:"amount,omitempty"`
	Currency            string           `json:"currency,omitempty"`
	ConfirmationPending bool             `json:"confirmationPending"`
	TransactionID       string           `json:"transactionId,omitempty"`
}

// NewConversationState returns the empty negotiation shape.
func NewConversationState(conversationID, userID int64, currency string) ConversationState {
	return ConversationState{
		ConversationID: conversationID,
		UserID:         userID,
		Currency:       currency,
	}
}

// HasTransferData reports whether both recipient and amount are collected.
func (s ConversationState) HasTransferData() bool {
	return s.RecipientPhone != "" && s.Amount != nil
}

// ResetNegotiation frees the slot for a new transfer request.
func (s *ConversationState) ResetNegotiation() {
	s.RecipientPhone = ""
	s.Amount = nil
	s.ConfirmationPending = false
}

// LastAssistantMessage returns the content of the most recent assistant turn.
func (s ConversationState) LastAssistantMessage() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleAssistant {
			return s.Messages[i].Content
		}
	}
	return ""
}

// State rebuilds the negotiation from a durable conversation record.
func (c Conversation) State() ConversationState {
	return ConversationState{
		ConversationID:      c.ID,
		UserID:              c.UserID,
		RecipientPhone:      c.RecipientPhone,
		Amount:              c.Amount,
		Currency:            c.Currency,
		ConfirmationPending: c.ConfirmationPending && c.RecipientPhone != "" && c.Amount != nil,
		TransactionID:       c.TransactionID,
	}
}
