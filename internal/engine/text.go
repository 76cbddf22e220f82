package engine

import (
	"regexp"
	"strings"
)

// StripOverlap removes from continuation any prefix that duplicates a
// suffix of existing. Models asked to continue from a tail excerpt often
// echo part of it back; without this, beat concatenation duplicates prose.
// The longest matching suffix/prefix wins. Idempotent: once the overlap is
// removed, a second application is a no-op.
// Matching is word-boundary based: echoes duplicate whole words, and
// comparing at word granularity keeps the strip stable across repeated
// application.
func StripOverlap(existing, continuation string) string {
	if existing == "" || continuation == "" {
		return continuation
	}
	ew := strings.Fields(existing)
	cw := strings.Fields(continuation)
	max := len(ew)
	if len(cw) < max {
		max = len(cw)
	}
	for k := max; k > 0; k-- {
		if wordsEqual(ew[len(ew)-k:], cw[:k]) {
			return strings.Join(cw[k:], " ")
		}
	}
	return continuation
}

func wordsEqual(a, b []string) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var wordCountNoteRe = regexp.MustCompile(`(?im)^\s*[\[(]?\s*(?:total\s+)?word\s*count\s*[:\-]?\s*[\d,]+\s*(?:words)?\s*[\])]?\s*\.?\s*$|[\[(]\s*[\d,]+\s*words\s*[\])]`)

// StripWordCountNotes removes self-reported word-count annotations from
// model output. Word counts are always computed by the engine, never
// trusted from agent output.
func StripWordCountNotes(text string) string {
	cleaned := wordCountNoteRe.ReplaceAllString(text, "")
	return strings.TrimSpace(cleaned)
}

// WordCount returns the whitespace-separated word count of text.
func WordCount(text string) int {
	return len(strings.Fields(text))
}

// tail returns the last n words of text, used as the continuation anchor
// for beat drafting and expansion.
func tail(text string, n int) string {
	words := strings.Fields(text)
	if len(words) <= n {
		return text
	}
	return strings.Join(words[len(words)-n:], " ")
}
