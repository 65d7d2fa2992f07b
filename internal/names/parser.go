package names

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"namegen/internal/session"
)

// Models answer with a numbered list. Lines that do not match the grammar are
// discarded rather than guessed at; a response with zero matching lines is a
// soft failure for that model.
var numberedLine = regexp.MustCompile(`^\s*\d+[.)]\s*(.+)$`)

const maxNameLen = 120

// Parse extracts candidate names from a raw provider response.
func Parse(raw string) ([]string, error) {
	out := make([]string, 0, 10)
	for _, line := range strings.Split(raw, "\n") {
		m := numberedLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		name := strings.TrimSpace(m[1])
		name = strings.Trim(name, `"*`)
		name = strings.TrimSpace(name)
		if name == "" || len(name) > maxNameLen {
			continue
		}
		out = append(out, name)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no parseable names in response")
	}
	return out, nil
}

// InputHash is the cache key for a generation request: a deterministic digest
// of everything that affects the output.
func InputHash(description string, mode session.Mode, deepThinking bool) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%t", strings.TrimSpace(description), mode, deepThinking)
	return hex.EncodeToString(h.Sum(nil))
}
