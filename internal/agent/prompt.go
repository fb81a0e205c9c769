package agent

import (
	"fmt"
	"strings"

	"github.com/emajidev/agent-transactional-chat/internal/domain"
	"github.com/emajidev/agent-transactional-chat/internal/money"
)

const languageEnforcement = "Responde EXCLUSIVAMENTE en ESPAÑOL."

type promptContext struct {
	state   domain.ConversationState
	balance *domain.UserBalance
}

func buildPromptMessages(pc promptContext, message string, historyWindow int) []domain.ChatMessage {
	messages := []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: languageEnforcement},
		{Role: domain.RoleSystem, Content: buildAssistantPrompt(pc)},
	}
	messages = append(messages, historyMessages(pc.state.Messages, historyWindow)...)
	return append(messages, domain.ChatMessage{Role: domain.RoleUser, Content: message})
}

func buildConfirmationMessages(pc promptContext, historyWindow int) []domain.ChatMessage {
	messages := []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: languageEnforcement},
		{Role: domain.RoleSystem, Content: buildAssistantPrompt(pc)},
	}
	messages = append(messages, historyMessages(pc.state.Messages, historyWindow)...)
	return append(messages, domain.ChatMessage{
		Role:    domain.RoleUser,
		Content: "Genera el mensaje de confirmación para esta transferencia.",
	})
}

func buildAssistantPrompt(pc promptContext) string {
	return strings.Join([]string{
		"Eres un asistente amigable para transferencias de dinero y consultas de saldo.",
		"",
		"INSTRUCCIONES:",
		instructions(),
		"",
		"CUANDO TENGAS AMBOS DATOS PARA TRANSFERENCIA:",
		"- Menciona el saldo actual del usuario",
		"- Pide EXPLÍCITAMENTE que escriba \"confirmo\"",
		"- Ejemplo: \"Tu saldo actual es $X. Para transferir $Y al teléfono Z, escribe CONFIRMO\"",
		"- No uses otras variaciones",
		"",
		stateContext(pc),
	}, "\n")
}

func instructions() string {
	return strings.Join([]string{
		"- Sé natural y conversacional",
		"- Ayuda con transferencias de dinero y consultas de saldo",
		"- Recopila teléfono (10 dígitos) y monto (positivo) para transferencias",
		"- Solo solicita confirmación cuando tengas AMBOS datos (teléfono y monto)",
		"- Nunca digas que una transferencia se realizó; el sistema lo notificará",
	}, "\n")
}

// stateContext tells the model what has been collected and what is missing.
func stateContext(pc promptContext) string {
	st := pc.state
	balance := ""
	if pc.balance != nil {
		balance = fmt.Sprintf("Tu saldo actual es %s. ", money.Format(pc.balance.Balance, pc.balance.Currency))
	}

	switch {
	case st.ConfirmationPending && st.HasTransferData():
		return fmt.Sprintf("[Contexto: %sEsperando que el usuario escriba 'confirmo' para transferir %s al %s]",
			balance, money.Format(*st.Amount, st.Currency), st.RecipientPhone)
	case st.HasTransferData():
		return fmt.Sprintf("[Contexto CRÍTICO: %sTienes teléfono %s y monto %s. DEBES pedir confirmación explícita]",
			balance, st.RecipientPhone, money.Format(*st.Amount, st.Currency))
	case st.RecipientPhone != "":
		return fmt.Sprintf("[Contexto: Tienes teléfono %s. Necesitas el monto]", st.RecipientPhone)
	case st.Amount != nil:
		return fmt.Sprintf("[Contexto: Tienes monto %s. Necesitas el teléfono]", money.Format(*st.Amount, st.Currency))
	default:
		return "[Contexto: Saluda amablemente y pregunta cómo puedes ayudar con transferencias]"
	}
}

func historyMessages(history []domain.ChatMessage, window int) []domain.ChatMessage {
	if window > 0 && len(history) > window {
		history = history[len(history)-window:]
	}
	out := make([]domain.ChatMessage, 0, len(history))
	for _, m := range history {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		if m.Role != domain.RoleUser && m.Role != domain.RoleAssistant {
			continue
		}
		out = append(out, domain.ChatMessage{Role: m.Role, Content: content})
	}
	return out
}
