package notifier

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/emajidev/agent-transactional-chat/internal/broker"
	"github.com/emajidev/agent-transactional-chat/internal/domain"
	"github.com/emajidev/agent-transactional-chat/internal/transfer"
)

type appended struct {
	id      int64
	role    string
	content string
}

type mockConversations struct {
	known     map[int64]bool
	getErr    error
	appendErr error
	messages  []appended
}

func (m *mockConversations) GetConversation(_ context.Context, id int64) (domain.Conversation, error) {
	if m.getErr != nil {
		return domain.Conversation{}, m.getErr
	}
	if !m.known[id] {
		return domain.Conversation{}, domain.ErrConversationNotFound
	}
	return domain.Conversation{ID: id, Status: domain.ConversationActive}, nil
}

func (m *mockConversations) AppendMessage(_ context.Context, id int64, role, content string) error {
	if m.appendErr != nil {
		return m.appendErr
	}
	m.messages = append(m.messages, appended{id: id, role: role, content: content})
	return nil
}

func encode(t *testing.T, res domain.TransferResult) []byte {
	t.Helper()
	body, err := transfer.EncodeResult(res)
	require.NoError(t, err)
	return body
}

func TestNew_RequiresConversations(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}

func TestHandle_SuccessAppendsBalance(t *testing.T) {
	repo := &mockConversations{known: map[int64]bool{42: true}}
	n, err := New(repo)
	require.NoError(t, err)

	after := decimal.NewFromInt(70000)
	err = n.Handle(context.Background(), encode(t, domain.TransferResult{
		TransactionID:  "TXN-1",
		ConversationID: "42",
		Status:         domain.TransferSuccess,
		Message:        "¡Transferencia exitosa! Se enviaron $30,000 COP al 3001234567.",
		BalanceAfter:   &after,
		Currency:       "COP",
	}))
	require.NoError(t, err)
	require.Equal(t, []appended{{
		id:      42,
		role:    domain.RoleAssistant,
		content: "¡Transferencia exitosa! Se enviaron $30,000 COP al 3001234567.\n\nTu saldo después de la transferencia es $70,000 COP.",
	}}, repo.messages)
}

func TestHandle_FailureAppendsMessageOnly(t *testing.T) {
	repo := &mockConversations{known: map[int64]bool{7: true}}
	n, err := New(repo)
	require.NoError(t, err)

	err = n.Handle(context.Background(), encode(t, domain.TransferResult{
		TransactionID:  "TXN-2",
		ConversationID: "7",
		Status:         domain.TransferFailed,
		Message:        "Error al procesar la transferencia: Saldo insuficiente.",
		ErrorMessage:   "Saldo insuficiente.",
		Currency:       "COP",
	}))
	require.NoError(t, err)
	require.Len(t, repo.messages, 1)
	require.Equal(t, "Error al procesar la transferencia: Saldo insuficiente.", repo.messages[0].content)
}

func TestHandle_DropsUndeliverable(t *testing.T) {
	repo := &mockConversations{known: map[int64]bool{}}
	n, err := New(repo)
	require.NoError(t, err)

	cases := map[string][]byte{
		"not json":       []byte(`{`),
		"unknown status": []byte(`{"transactionId":"TXN-1","conversationId":"1","status":"odd"}`),
		"bad id":         encode(t, domain.TransferResult{ConversationID: "conv-1", Status: domain.TransferFailed}),
		"zero id":        encode(t, domain.TransferResult{ConversationID: "0", Status: domain.TransferFailed}),
		"unknown":        encode(t, domain.TransferResult{ConversationID: "99", Status: domain.TransferFailed}),
	}
	for name, body := range cases {
		err := n.Handle(context.Background(), body)
		require.True(t, broker.IsPermanent(err), name)
	}
	require.Empty(t, repo.messages)
}

func TestHandle_RepositoryErrorsAreRetried(t *testing.T) {
	body := encode(t, domain.TransferResult{ConversationID: "42", Status: domain.TransferFailed, Message: "x"})

	n, err := New(&mockConversations{getErr: errors.New("throttled")})
	require.NoError(t, err)
	err = n.Handle(context.Background(), body)
	require.Error(t, err)
	require.False(t, broker.IsPermanent(err))

	n, err = New(&mockConversations{known: map[int64]bool{42: true}, appendErr: errors.New("throttled")})
	require.NoError(t, err)
	err = n.Handle(context.Background(), body)
	require.ErrorContains(t, err, "throttled")
	require.False(t, broker.IsPermanent(err))
}

func TestContent_SuccessWithoutBalance(t *testing.T) {
	require.Equal(t, "ok", Content(domain.TransferResult{Status: domain.TransferSuccess, Message: "ok"}))
}

func TestContent_EmptyMessage(t *testing.T) {
	require.Equal(t, "Error al procesar la transferencia: Saldo insuficiente.",
		Content(domain.TransferResult{Status: domain.TransferFailed, ErrorMessage: "Saldo insuficiente."}))
	require.Equal(t, "Error al procesar la transferencia:", Content(domain.TransferResult{Status: domain.TransferFailed}))
	require.Equal(t, "¡Transferencia exitosa!", Content(domain.TransferResult{Status: domain.TransferSuccess}))
}
