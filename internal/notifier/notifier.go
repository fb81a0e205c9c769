// Package notifier writes transfer outcomes back into the conversation they
// came from.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/emajidev/agent-transactional-chat/internal/broker"
	"github.com/emajidev/agent-transactional-chat/internal/domain"
	"github.com/emajidev/agent-transactional-chat/internal/money"
	"github.com/emajidev/agent-transactional-chat/internal/transfer"
)

type Conversations interface {
	GetConversation(ctx context.Context, conversationID int64) (domain.Conversation, error)
	AppendMessage(ctx context.Context, conversationID int64, role, content string) error
}

// Notifier appends transfer results to their conversations.
type Notifier struct {
	conversations Conversations
}

// New returns a Notifier writing into conversations.
func New(conversations Conversations) (*Notifier, error) {
	if conversations == nil {
		return nil, errors.New("notifier: conversations must not be nil")
	}
	return &Notifier{conversations: conversations}, nil
}

// Handle is the broker handler for the response queue.
func (n *Notifier) Handle(ctx context.Context, body []byte) error {
	res, err := transfer.DecodeResult(body)
	if err != nil {
		slog.Error("drop unreadable transfer result", "err", err)
		return broker.Permanent(err)
	}

	id, err := strconv.ParseInt(strings.TrimSpace(res.ConversationID), 10, 64)
	if err != nil || id <= 0 {
		slog.Error("drop transfer result without conversation",
			"transaction_id", res.TransactionID,
			"conversation_id", res.ConversationID)
		return broker.Permanent(fmt.Errorf("notifier: invalid conversation id %q", res.ConversationID))
	}

	if _, err := n.conversations.GetConversation(ctx, id); err != nil {
		if errors.Is(err, domain.ErrConversationNotFound) {
			slog.Warn("drop transfer result for unknown conversation",
				"transaction_id", res.TransactionID,
				"conversation_id", id)
			return broker.Permanent(err)
		}
		return fmt.Errorf("notifier: load conversation %d: %w", id, err)
	}

	if err := n.conversations.AppendMessage(ctx, id, domain.RoleAssistant, Content(res)); err != nil {
		return fmt.Errorf("notifier: append result %s: %w", res.TransactionID, err)
	}
	slog.Info("transfer result delivered",
		"transaction_id", res.TransactionID,
		"conversation_id", id,
		"status", res.Status)
	return nil
}

// Content is the assistant message shown for a result. A result without a
// message still produces text so the append cannot be rejected forever.
func Content(res domain.TransferResult) string {
	msg := strings.TrimSpace(res.Message)
	if msg == "" {
		if res.Status == domain.TransferSuccess {
			msg = "¡Transferencia exitosa!"
		} else {
			msg = strings.TrimSpace("Error al procesar la transferencia: " + res.ErrorMessage)
		}
	}
	if res.Status == domain.TransferSuccess && res.BalanceAfter != nil {
		msg += fmt.Sprintf("\n\nTu saldo después de la transferencia es %s.", money.Format(*res.BalanceAfter, res.Currency))
	}
	return msg
}
