package agent

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/emajidev/agent-transactional-chat/internal/money"
)

const (
	msgDefault = "Lo siento, no pude procesar tu mensaje."

	msgRedirect = "Solo puedo ayudarte con transferencias de dinero y consultas de saldo. " +
		"¿Te gustaría hacer una transferencia o consultar tu saldo?"

	msgRateLimited = "Lo siento, el servicio de IA está temporalmente sobrecargado debido a muchas solicitudes. " +
		"Por favor, espera unos minutos e intenta de nuevo. " +
		"Mientras tanto, puedes consultar tu saldo escribiendo 'saldo' o 'cuánto tengo'."

	msgAccessDenied = "Lo siento, hay un problema de configuración con el servicio de IA. " +
		"Por favor, contacta al administrador del sistema."

	msgGenericFailure = "Lo siento, hubo un error al procesar tu mensaje. Por favor, intenta de nuevo."

	msgBalanceUnavailable = "No pude obtener tu saldo en este momento. Por favor, intenta más tarde."

	msgNeedBoth = "Necesito tanto el número de teléfono como el monto para ejecutar la transferencia."

	msgCancelled = "Transferencia cancelada. Si deseas hacer una nueva transferencia, " +
		"indícame el número de teléfono y el monto."
)

func balanceReply(balance decimal.Decimal, currency string) string {
	return fmt.Sprintf("Tu saldo actual es %s.", money.Format(balance, currency))
}

func confirmationSentence(phone string, amount decimal.Decimal, currency string) string {
	return fmt.Sprintf("Para transferir %s al %s, escribe CONFIRMO.", money.Format(amount, currency), phone)
}

func reminderReply(phone string, amount decimal.Decimal, currency string) string {
	return fmt.Sprintf("Tienes una transferencia pendiente de %s al %s. Escribe CONFIRMO para continuar o 'cancelar' para descartarla.",
		money.Format(amount, currency), phone)
}

func dispatchedReply(transactionID, phone string, amount decimal.Decimal, currency string) string {
	return fmt.Sprintf("Tu solicitud de transferencia ha sido enviada (ID: %s). Procesando transferencia de %s al %s...",
		transactionID, money.Format(amount, currency), phone)
}

func publishFailedReply(phone string, amount decimal.Decimal, currency string) string {
	return fmt.Sprintf("No pudimos enviar tu transferencia de %s al %s en este momento. Escribe CONFIRMO para intentarlo de nuevo o 'cancelar' para descartarla.",
		money.Format(amount, currency), phone)
}

type rateLimiter interface {
	RateLimited() bool
}

type accessDenier interface {
	AccessDenied() bool
}

// fallbackMessage maps an LLM error to the reply shown instead of a completion.
func fallbackMessage(err error) string {
	var rl rateLimiter
	if errors.As(err, &rl) && rl.RateLimited() {
		return msgRateLimited
	}
	var ad accessDenier
	if errors.As(err, &ad) && ad.AccessDenied() {
		return msgAccessDenied
	}
	return msgGenericFailure
}
