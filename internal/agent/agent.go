// Package agent runs one chat turn through the transfer negotiation graph.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/emajidev/agent-transactional-chat/internal/domain"
	"github.com/emajidev/agent-transactional-chat/internal/extract"
)

const defaultHistoryWindow = 10

// LLMClient produces the assistant reply for a prompt.
type LLMClient interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error)
}

type Moderator interface {
	Moderate(ctx context.Context, input string) (bool, error)
}

type Publisher interface {
	Publish(ctx context.Context, req domain.TransferRequest) error
}

type AccountReader interface {
	Balance(ctx context.Context, userID int64) (domain.UserBalance, error)
}

// Config tunes an Agent. HistoryWindow defaults to 10 messages.
type Config struct {
	Model         string
	HistoryWindow int
	// Moderator is consulted before the LLM when set.
	Moderator Moderator
}

// Agent runs one conversation turn and dispatches confirmed transfers.
type Agent struct {
	llm           LLMClient
	publisher     Publisher
	accounts      AccountReader
	moderator     Moderator
	model         string
	historyWindow int
}

// New wires an agent. accounts may be nil, in which case balance lookups
// report the balance as unavailable.
func New(llm LLMClient, publisher Publisher, accounts AccountReader, cfg Config) (*Agent, error) {
	if llm == nil {
		return nil, errors.New("agent: llm client must not be nil")
	}
	if publisher == nil {
		return nil, errors.New("agent: publisher must not be nil")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, errors.New("agent: model must not be empty")
	}
	window := cfg.HistoryWindow
	if window <= 0 {
		window = defaultHistoryWindow
	}
	return &Agent{
		llm:           llm,
		publisher:     publisher,
		accounts:      accounts,
		moderator:     cfg.Moderator,
		model:         model,
		historyWindow: window,
	}, nil
}

// Run advances the negotiation by one user message. It never fails: LLM and
// broker errors surface as reply text.
func (a *Agent) Run(ctx context.Context, state domain.ConversationState, message string) Turn {
	t := &Turn{State: state, Message: strings.TrimSpace(message)}

	step := StepProcessMessage
	for step != StepEnd {
		switch step {
		case StepProcessMessage:
			a.processMessage(ctx, t)
		case StepExtractInfo:
			applyExtraction(&t.State, t.Message)
		case StepCheckConfirmation:
			a.checkConfirmation(ctx, t)
		case StepExecuteTransaction:
			a.executeTransaction(ctx, t)
		}
		next := Next(step, t)
		slog.Debug("agent step", "conversation_id", state.ConversationID, "from", step.String(), "to", next.String())
		step = next
	}

	if strings.TrimSpace(t.Reply) == "" {
		t.Reply = msgDefault
	}
	return *t
}

func (a *Agent) processMessage(ctx context.Context, t *Turn) {
	if t.awaitingAnswer() {
		return
	}
	if isBalanceQuery(t.Message) {
		if b, ok := a.balance(ctx, t.State.UserID); ok {
			t.Reply = balanceReply(b.Balance, b.Currency)
		} else {
			t.Reply = msgBalanceUnavailable
		}
		return
	}
	if isOffTopic(t.Message) || a.flagged(ctx, t.Message) {
		t.Reply = msgRedirect
		return
	}

	preview := t.State
	applyExtraction(&preview, t.Message)
	pc := promptContext{state: preview}
	if preview.HasTransferData() {
		if b, ok := a.balance(ctx, preview.UserID); ok {
			pc.balance = &b
		}
	}

	reply, err := a.llm.Chat(ctx, a.model, buildPromptMessages(pc, t.Message, a.historyWindow))
	if err != nil {
		slog.Error("agent reply failed", "conversation_id", t.State.ConversationID, "err", err)
		t.Reply = fallbackMessage(err)
		t.Failed = true
		return
	}
	t.Reply = reply
}

// applyExtraction fills only the fields that are still missing. A number
// that reads as a phone is never reused as the amount.
func applyExtraction(st *domain.ConversationState, message string) {
	if message == "" {
		return
	}
	if st.RecipientPhone == "" {
		if phone, ok := extract.Phone(message); ok && extract.ValidatePhone(phone) == nil {
			st.RecipientPhone = phone
		}
	}
	if st.Amount == nil {
		if amount, ok := extract.Amount(extract.WithoutPhone(message)); ok {
			st.Amount = &amount
		}
	}
}

func (a *Agent) checkConfirmation(ctx context.Context, t *Turn) {
	st := &t.State
	if !st.HasTransferData() {
		st.ConfirmationPending = false
		return
	}

	switch {
	case st.ConfirmationPending:
	case mentionsKeyword(t.Reply):
		// This turn's reply already asks for the keyword.
		st.ConfirmationPending = true
		t.Prompted = true
		if !strings.Contains(t.Reply, st.RecipientPhone) {
			t.Reply += "\n\n" + confirmationSentence(st.RecipientPhone, *st.Amount, st.Currency)
		}
		return
	case mentionsKeyword(st.LastAssistantMessage()):
		st.ConfirmationPending = true
	default:
		a.requestConfirmation(ctx, t)
		return
	}

	switch IsConfirmed(t.Message) {
	case Confirmed:
		// Handled by StepExecuteTransaction.
	case Denied:
		st.ResetNegotiation()
		t.Reply = msgCancelled
		t.Outcome = OutcomeCancelled
	default:
		t.Reply = reminderReply(st.RecipientPhone, *st.Amount, st.Currency)
	}
}

func (a *Agent) requestConfirmation(ctx context.Context, t *Turn) {
	st := &t.State
	pc := promptContext{state: *st}
	if b, ok := a.balance(ctx, st.UserID); ok {
		pc.balance = &b
	}

	reply, err := a.llm.Chat(ctx, a.model, buildConfirmationMessages(pc, a.historyWindow))
	if err != nil {
		slog.Error("agent confirmation prompt failed", "conversation_id", st.ConversationID, "err", err)
		t.Reply = fallbackMessage(err)
		t.Failed = true
		return
	}
	if !mentionsKeyword(reply) || !strings.Contains(reply, st.RecipientPhone) {
		reply = strings.TrimSpace(reply + "\n\n" + confirmationSentence(st.RecipientPhone, *st.Amount, st.Currency))
	}
	t.Reply = reply
	t.Prompted = true
	st.ConfirmationPending = true
}

func (a *Agent) executeTransaction(ctx context.Context, t *Turn) {
	st := &t.State
	if !st.HasTransferData() {
		st.ConfirmationPending = false
		t.Reply = msgNeedBoth
		return
	}

	req := domain.TransferRequest{
		TransactionID:  newTransactionID(),
		ConversationID: strconv.FormatInt(st.ConversationID, 10),
		UserID:         st.UserID,
		RecipientPhone: st.RecipientPhone,
		Amount:         *st.Amount,
		Currency:       st.Currency,
	}
	if err := a.publisher.Publish(ctx, req); err != nil {
		slog.Error("transfer publish failed",
			"conversation_id", st.ConversationID,
			"transaction_id", req.TransactionID,
			"err", err,
		)
		t.Reply = publishFailedReply(req.RecipientPhone, req.Amount, req.Currency)
		return
	}

	slog.Info("transfer dispatched",
		"conversation_id", st.ConversationID,
		"transaction_id", req.TransactionID,
	)
	t.Reply = dispatchedReply(req.TransactionID, req.RecipientPhone, req.Amount, req.Currency)
	t.Request = &req
	t.Outcome = OutcomeDispatched
	st.ResetNegotiation()
	st.TransactionID = req.TransactionID
}

func (a *Agent) balance(ctx context.Context, userID int64) (domain.UserBalance, bool) {
	if a.accounts == nil || userID <= 0 {
		return domain.UserBalance{}, false
	}
	b, err := a.accounts.Balance(ctx, userID)
	if err != nil {
		slog.Warn("balance lookup failed", "user_id", userID, "err", err)
		return domain.UserBalance{}, false
	}
	return b, true
}

func (a *Agent) flagged(ctx context.Context, message string) bool {
	if a.moderator == nil {
		return false
	}
	flagged, err := a.moderator.Moderate(ctx, message)
	if err != nil {
		slog.Warn("moderation failed", "err", err)
		return false
	}
	return flagged
}

var newTransactionID = func() string {
	return "TXN-" + strings.ToUpper(uuid.NewString()[:8])
}
