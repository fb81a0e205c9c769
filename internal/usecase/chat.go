package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emajidev/agent-transactional-chat/internal/agent"
	"github.com/emajidev/agent-transactional-chat/internal/domain"
)

const defaultMaxMessage = 1000

type ConversationRepository interface {
	CreateConversation(ctx context.Context, userID int64) (domain.Conversation, error)
	GetConversation(ctx context.Context, conversationID int64) (domain.Conversation, error)
	UpdateStatus(ctx context.Context, conversationID int64, status domain.ConversationStatus) error
	SaveTurn(ctx context.Context, conversationID int64, userText, reply string, startedAt time.Time) error
}

type ContextStore interface {
	Get(ctx context.Context, conversationID int64) domain.ConversationState
	Set(ctx context.Context, conversationID int64, st domain.ConversationState)
}

type TurnRunner interface {
	Run(ctx context.Context, state domain.ConversationState, message string) agent.Turn
}

// ChatService handles one user message end to end.
type ChatService struct {
	repo          ConversationRepository
	contexts      ContextStore
	agent         TurnRunner
	maxMessageLen int
	now           func() time.Time
}

type ChatInput struct {
	UserID         int64
	Message        string
	ConversationID *int64
}

type ChatOutput struct {
	ConversationID int64
	Response       string
	Status         domain.ConversationStatus
	State          domain.ConversationState
}

// NewChatService validates its dependencies. maxMessageLen <= 0 uses the
// default of 1000 characters.
func NewChatService(repo ConversationRepository, contexts ContextStore, runner TurnRunner, maxMessageLen int) (*ChatService, error) {
	if repo == nil {
		return nil, errors.New("usecase: conversation repository must not be nil")
	}
	if contexts == nil {
		return nil, errors.New("usecase: context store must not be nil")
	}
	if runner == nil {
		return nil, errors.New("usecase: agent must not be nil")
	}
	if maxMessageLen <= 0 {
		maxMessageLen = defaultMaxMessage
	}
	return &ChatService{
		repo:          repo,
		contexts:      contexts,
		agent:         runner,
		maxMessageLen: maxMessageLen,
		now:           time.Now,
	}, nil
}

func (s *ChatService) Chat(ctx context.Context, in ChatInput) (ChatOutput, error) {
	message := strings.TrimSpace(in.Message)
	if message == "" {
		return ChatOutput{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	if utf8.RuneCountInString(message) > s.maxMessageLen {
		return ChatOutput{}, newError(ErrorInvalidInput, "message_too_long", nil)
	}
	if in.UserID <= 0 {
		return ChatOutput{}, newError(ErrorUnauthenticated, "missing_user", nil)
	}

	conv, err := s.conversation(ctx, in)
	if err != nil {
		return ChatOutput{}, newError(ErrorInternal, "conversation_load_error", err)
	}
	if conv.Status != domain.ConversationActive {
		if err := s.repo.UpdateStatus(ctx, conv.ID, domain.ConversationActive); err != nil {
			return ChatOutput{}, newError(ErrorInternal, "conversation_reactivate_error", err)
		}
		conv.Status = domain.ConversationActive
	}

	state := s.contexts.Get(ctx, conv.ID)
	if state.UserID == 0 {
		state.UserID = conv.UserID
	}

	// The turn is stamped before the agent runs: a dispatched transfer can
	// have its result appended before SaveTurn below.
	started := s.now()
	turn := s.agent.Run(ctx, state, message)
	s.contexts.Set(ctx, conv.ID, turn.State)

	if err := s.repo.SaveTurn(ctx, conv.ID, message, turn.Reply, started); err != nil {
		if turn.Outcome != agent.OutcomeDispatched {
			return ChatOutput{}, newError(ErrorInternal, "dynamodb_write_error", err)
		}
		// The request is already on the queue; the reply must still reach the user.
		slog.Error("turn persist failed after dispatch",
			"conversation_id", conv.ID,
			"transaction_id", turn.State.TransactionID,
			"err", err,
		)
	}

	status := statusAfter(turn.Outcome)
	if status != conv.Status {
		if err := s.repo.UpdateStatus(ctx, conv.ID, status); err != nil {
			slog.Warn("conversation status update failed", "conversation_id", conv.ID, "status", status, "err", err)
		}
	}

	out := turn.State
	out.Messages = nil
	return ChatOutput{
		ConversationID: conv.ID,
		Response:       turn.Reply,
		Status:         status,
		State:          out,
	}, nil
}

// conversation resolves the requested conversation, starting a new one when
// it does not exist or belongs to someone else.
func (s *ChatService) conversation(ctx context.Context, in ChatInput) (domain.Conversation, error) {
	if in.ConversationID != nil && *in.ConversationID > 0 {
		conv, err := s.repo.GetConversation(ctx, *in.ConversationID)
		switch {
		case err == nil && conv.UserID == in.UserID:
			return conv, nil
		case err == nil:
			slog.Warn("conversation owned by another user", "conversation_id", conv.ID, "user_id", in.UserID)
		case !errors.Is(err, domain.ErrConversationNotFound):
			return domain.Conversation{}, err
		}
	}
	return s.repo.CreateConversation(ctx, in.UserID)
}

func statusAfter(o agent.Outcome) domain.ConversationStatus {
	switch o {
	case agent.OutcomeDispatched:
		return domain.ConversationCompleted
	case agent.OutcomeCancelled:
		return domain.ConversationAbandoned
	default:
		return domain.ConversationActive
	}
}
