package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripOverlapRemovesEchoedSuffix(t *testing.T) {
	existing := "The rain had stopped by the time Mara reached the gate."
	continuation := "Mara reached the gate. She pushed it open and stepped through."

	got := StripOverlap(existing, continuation)
	assert.Equal(t, "She pushed it open and stepped through.", got)
}

func TestStripOverlapNoOverlapUnchanged(t *testing.T) {
	existing := "The rain had stopped by the time Mara reached the gate."
	continuation := "Inside, the courtyard was silent."

	got := StripOverlap(existing, continuation)
	assert.Equal(t, continuation, got)
}

func TestStripOverlapIdempotent(t *testing.T) {
	existing := "He turned the key and waited for the engine to catch."
	continuation := "waited for the engine to catch. Nothing happened."

	once := StripOverlap(existing, continuation)
	twice := StripOverlap(existing, once)
	assert.Equal(t, once, twice)

	// No-overlap inputs are also stable under repeated application.
	clean := "A door slammed somewhere above them."
	assert.Equal(t, clean, StripOverlap(existing, StripOverlap(existing, clean)))
}

func TestStripOverlapEmptyInputs(t *testing.T) {
	assert.Equal(t, "abc", StripOverlap("", "abc"))
	assert.Equal(t, "", StripOverlap("abc", ""))
}

func TestStripOverlapFullEcho(t *testing.T) {
	existing := "The end of the line."
	got := StripOverlap(existing, existing)
	assert.Equal(t, "", got)
}

func TestStripWordCountNotes(t *testing.T) {
	text := "The scene unfolded slowly.\n\nWord count: 1,204 words"
	assert.Equal(t, "The scene unfolded slowly.", StripWordCountNotes(text))

	text = "She left at dawn. (1204 words)"
	assert.Equal(t, "She left at dawn.", StripWordCountNotes(text))

	text = "[Word Count: 980]\nShe left at dawn."
	assert.Equal(t, "She left at dawn.", StripWordCountNotes(text))

	clean := "Nothing to strip here."
	assert.Equal(t, clean, StripWordCountNotes(clean))
}

func TestWordCount(t *testing.T) {
	assert.Equal(t, 0, WordCount(""))
	assert.Equal(t, 5, WordCount("one two  three\nfour\tfive"))
}

func TestTail(t *testing.T) {
	assert.Equal(t, "c d e", tail("a b c d e", 3))
	assert.Equal(t, "a b", tail("a b", 5))
}
