package ai

import (
	"context"
	"fmt"
	"strings"
)

// Unavailable is returned to support-chat users whenever the assistant cannot
// answer.
const Unavailable = "Service temporarily unavailable."

// Assistant answers a single support-chat prompt in the caller's language.
type Assistant interface {
	Ask(ctx context.Context, prompt, language string) (string, error)
}

const persona = `You are a helpful roadside assistance support agent for DzTow, a tow truck service in Algeria.
Be concise and put the user's safety first. If the user is in danger, tell them to move away from traffic and call emergency services.
Reply in the same language as the user (%s when unsure). Do not give legal or medical advice.

Frequently asked questions:
- To request help, tap the red "Request Tow Truck" button on the home screen. Every available truck nearby is notified.
- The price is negotiated directly with the truck owner; DzTow does not set prices.
- A request can be cancelled at any time before the driver arrives.
- Service is available 24/7, but availability depends on truck owners being online.`

// Ack is the assistant turn that follows the preamble.
const Ack = "Okay, I am ready to assist."

// SystemPrompt renders the support persona for language. Unknown or empty
// languages fall back to Arabic or French as the user writes.
func SystemPrompt(language string) string {
	return fmt.Sprintf(persona, languageName(language))
}

func languageName(code string) string {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "ar":
		return "Arabic"
	case "fr":
		return "French"
	case "en":
		return "English"
	default:
		return "Arabic or French"
	}
}
