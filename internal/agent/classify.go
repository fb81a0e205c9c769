package agent

import "strings"

var balanceKeywords = []string{
	"saldo",
	"balance",
	"cuánto tengo",
	"cuanto tengo",
	"cuánto dinero tengo",
	"cuanto dinero tengo",
}

// Only topics that are plainly unrelated are rejected; anything else goes to
// the LLM, which is instructed to stay on transfers.
var offTopicKeywords = []string{
	"distancia del sol",
	"distancia de la luna",
	"tamaño del sol",
	"tamaño de la luna",
	"planeta",
	"estrella",
	"galaxia",
	"universo",
	"astronomía",
	"astronomia",
	"astronauta",
	"nasa",
	"satélite",
	"satelite",
	"fórmula química",
	"formula quimica",
	"ecuación física",
	"ecuacion fisica",
	"teorema matemático",
	"teorema matematico",
	"año de independencia",
	"capital de",
	"país más grande",
	"pais mas grande",
	"temperatura en",
	"clima en",
	"pronóstico del tiempo",
	"pronostico del tiempo",
}

func isBalanceQuery(message string) bool {
	return containsAny(message, balanceKeywords)
}

func isOffTopic(message string) bool {
	return containsAny(message, offTopicKeywords)
}

func containsAny(message string, keywords []string) bool {
	lower := strings.ToLower(strings.TrimSpace(message))
	if lower == "" {
		return false
	}
	for _, k := range keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}
