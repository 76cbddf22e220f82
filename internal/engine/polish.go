package engine

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// metaNotePrefixes are openings that signal an editorial note or refusal
// instead of prose.
var metaNotePrefixes = []string{
	"i cannot",
	"i can't",
	"i'm sorry",
	"as an ai",
	"here is the polished",
	"here's the polished",
	"[note",
	"note:",
	"sure,",
	"certainly",
}

// validatePolish is the safety net for the polish pass: it rejects the
// polished text when it looks like chunk loss, truncation, or a meta note
// rather than prose. Returns an empty string when the polish is accepted,
// otherwise the rejection reason. This is a heuristic, not a quality
// judgment.
func validatePolish(draft, polished string, minLengthRatio float64) string {
	p := strings.TrimSpace(polished)
	if p == "" {
		return "empty output"
	}

	lower := strings.ToLower(p)
	for _, prefix := range metaNotePrefixes {
		if strings.HasPrefix(lower, prefix) {
			return fmt.Sprintf("meta note (starts with %q)", prefix)
		}
	}

	draftWords := WordCount(draft)
	polishedWords := WordCount(p)
	if draftWords > 0 && float64(polishedWords) < minLengthRatio*float64(draftWords) {
		return fmt.Sprintf("chunk loss (%d words vs %d in draft)", polishedWords, draftWords)
	}

	// A draft that ended on terminal punctuation must still do so after
	// polish; losing it suggests the output was cut off mid-sentence.
	if endsComplete(draft) && !endsComplete(p) {
		return "truncated ending"
	}
	return ""
}

func endsComplete(text string) bool {
	t := strings.TrimSpace(text)
	if t == "" {
		return false
	}
	t = strings.TrimRight(t, "\"'”’)")
	if t == "" {
		return false
	}
	last, _ := utf8.DecodeLastRuneInString(t)
	switch last {
	case '.', '!', '?', '…':
		return true
	}
	return false
}
