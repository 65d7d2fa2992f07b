package names

import (
	"fmt"
	"strings"

	"namegen/internal/session"
)

const systemPrompt = "You are a branding assistant. Reply with exactly ten business name candidates as a numbered list, one per line, with no commentary before or after the list."

var modeHints = map[session.Mode]string{
	session.ModeCreative:     "Favor playful, evocative, unexpected names.",
	session.ModeProfessional: "Favor established, trustworthy, corporate-sounding names.",
	session.ModeBrandable:    "Favor short invented words that are easy to trademark and pronounce.",
	session.ModeTechFocused:  "Favor modern names that signal software, data, or engineering.",
}

// BuildPrompt shapes the system and user prompts for one generation request.
func BuildPrompt(description string, mode session.Mode, deepThinking bool) (system, user string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Suggest business names for the following business:\n\n%s\n\n", strings.TrimSpace(description))
	if hint, ok := modeHints[mode]; ok {
		b.WriteString(hint)
		b.WriteString("\n")
	}
	if deepThinking {
		b.WriteString("Take your time: consider the target audience, competitors, and domain availability before answering.\n")
	}
	return systemPrompt, b.String()
}
