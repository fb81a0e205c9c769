package agent

import (
	"strings"
	"unicode"

	"github.com/emajidev/agent-transactional-chat/internal/domain"
)

// ConfirmKeyword is the only reply that authorizes a pending transfer.
const ConfirmKeyword = "confirmo"

var denyWords = map[string]struct{}{
	"no":       {},
	"cancelar": {},
	"cancel":   {},
	"nope":     {},
}

// Step names a node of the per-turn graph.
type Step int

const (
	StepProcessMessage Step = iota
	StepExtractInfo
	StepCheckConfirmation
	StepExecuteTransaction
	StepEnd
)

func (s Step) String() string {
	switch s {
	case StepProcessMessage:
		return "process_message"
	case StepExtractInfo:
		return "extract_info"
	case StepCheckConfirmation:
		return "check_confirmation"
	case StepExecuteTransaction:
		return "execute_transaction"
	case StepEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Confirmation is the reading of a user's answer to a confirmation prompt.
type Confirmation int

const (
	Waiting Confirmation = iota
	Confirmed
	Denied
)

// Outcome records what a turn did to the pending transfer.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeDispatched
	OutcomeCancelled
)

// Turn carries one user message through the graph.
type Turn struct {
	State   domain.ConversationState
	Message string
	Reply   string

	// Prompted is set when this turn asked for confirmation.
	Prompted bool
	// Failed is set when an LLM call failed and the reply is a fallback.
	Failed  bool
	Outcome Outcome
	Request *domain.TransferRequest
}

// awaitingAnswer reports whether the message should skip the LLM and go
// straight to confirmation handling.
func (t *Turn) awaitingAnswer() bool {
	if t.State.ConfirmationPending {
		return true
	}
	return isConfirmKeyword(t.Message) && t.State.HasTransferData()
}

// Next is the transition function of the turn graph. It has no side effects.
func Next(step Step, t *Turn) Step {
	switch step {
	case StepProcessMessage:
		if t.Failed {
			return StepEnd
		}
		if t.awaitingAnswer() {
			return StepCheckConfirmation
		}
		return StepExtractInfo
	case StepExtractInfo:
		if t.State.HasTransferData() {
			return StepCheckConfirmation
		}
		return StepEnd
	case StepCheckConfirmation:
		if t.Failed || t.Prompted || !t.State.ConfirmationPending {
			return StepEnd
		}
		if IsConfirmed(t.Message) == Confirmed {
			return StepExecuteTransaction
		}
		return StepEnd
	default:
		return StepEnd
	}
}

// IsConfirmed classifies an answer to a confirmation prompt. Only the exact
// keyword confirms; a deny word anywhere in the message cancels.
func IsConfirmed(message string) Confirmation {
	if isConfirmKeyword(message) {
		return Confirmed
	}
	for _, tok := range tokens(message) {
		if _, ok := denyWords[tok]; ok {
			return Denied
		}
	}
	return Waiting
}

func isConfirmKeyword(message string) bool {
	return strings.ToLower(strings.TrimSpace(message)) == ConfirmKeyword
}

func mentionsKeyword(text string) bool {
	return strings.Contains(strings.ToLower(text), ConfirmKeyword)
}

func tokens(message string) []string {
	return strings.FieldsFunc(strings.ToLower(message), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
}
