package render

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFonts(t *testing.T) *Fonts {
	t.Helper()
	f, err := DefaultFonts()
	require.NoError(t, err)
	return f
}

func TestLadder_Sizes(t *testing.T) {
	assert.Equal(t, []int{16, 15, 14}, Ladder{Start: 16, Floor: 14}.Sizes())
	assert.Equal(t, []int{8}, Ladder{Start: 8, Floor: 12}.Sizes())
}

func TestFitSingleLine_FitsAtStartSize(t *testing.T) {
	fonts := testFonts(t)
	size, line := FitSingleLine(fonts, "PEPE", 140, Ladder{Start: 16, Floor: 6})
	assert.Equal(t, 16, size)
	assert.Equal(t, "PEPE", line)
}

func TestFitSingleLine_ShrinksBeforeTruncating(t *testing.T) {
	fonts := testFonts(t)
	text := "Super Long Coin Name"
	width := textWidth(fonts.Face(16), text) - 10

	size, line := FitSingleLine(fonts, text, width, Ladder{Start: 16, Floor: 6})
	assert.Less(t, size, 16)
	assert.Equal(t, text, line)
	assert.LessOrEqual(t, textWidth(fonts.Face(size), line), width)
}

func TestFitSingleLine_TruncatesAtFloor(t *testing.T) {
	fonts := testFonts(t)
	text := strings.Repeat("W", 80)

	size, line := FitSingleLine(fonts, text, 60, Ladder{Start: 16, Floor: 6})
	assert.Equal(t, 6, size)
	assert.True(t, strings.HasSuffix(line, Ellipsis))
	assert.LessOrEqual(t, textWidth(fonts.Face(6), line), 60)
	assert.Less(t, len([]rune(line)), len([]rune(text)))
}

func TestFitSingleLine_Deterministic(t *testing.T) {
	fonts := testFonts(t)
	ladder := Ladder{Start: 16, Floor: 6}
	text := "The Most Deterministic Token In The Whole Wide World"

	size1, line1 := FitSingleLine(fonts, text, 120, ladder)
	for i := 0; i < 10; i++ {
		size, line := FitSingleLine(fonts, text, 120, ladder)
		assert.Equal(t, size1, size)
		assert.Equal(t, line1, line)
	}

	// A fresh face cache yields the same answer.
	size2, line2 := FitSingleLine(testFonts(t), text, 120, ladder)
	assert.Equal(t, size1, size2)
	assert.Equal(t, line1, line2)
}

func TestTruncateChars(t *testing.T) {
	assert.Equal(t, "short", TruncateChars("short", 60))
	assert.Equal(t, "abc...", TruncateChars("abcdef", 3))
	assert.Equal(t, "ünï...", TruncateChars("ünïcode", 3))
	assert.Equal(t, "abcdef", TruncateChars("abcdef", 0))
}

func TestWrapText_BreaksOnWords(t *testing.T) {
	face := testFonts(t).Face(12)
	width := textWidth(face, "hello world")

	lines := WrapText(face, "hello world hello world", width)
	assert.Equal(t, []string{"hello world", "hello world"}, lines)
}

func TestWrapText_BreaksLongWordMidWord(t *testing.T) {
	face := testFonts(t).Face(12)
	word := strings.Repeat("m", 40)
	width := textWidth(face, "mmmmmmmmmm")

	lines := WrapText(face, "a "+word, width)
	require.Greater(t, len(lines), 2)
	assert.Equal(t, "a", lines[0])
	assert.Equal(t, word, strings.Join(lines[1:], ""))
	for _, l := range lines {
		assert.LessOrEqual(t, textWidth(face, l), width)
	}
}

func TestFitDescription_Empty(t *testing.T) {
	fit := FitDescription(testFonts(t), "   ", 100, 50, Ladder{Start: 14, Floor: 6}, 2, 60)
	assert.True(t, fit.Fits)
	assert.Empty(t, fit.Lines)
}

func TestFitDescription_ShrinksToFit(t *testing.T) {
	fonts := testFonts(t)
	desc := "a community coin for everyone who loves frogs and memes"
	fit := FitDescription(fonts, desc, 140, 60, Ladder{Start: 14, Floor: 6}, 2, 60)

	require.True(t, fit.Fits)
	face := fonts.Face(fit.Size)
	assert.LessOrEqual(t, blockHeight(face, len(fit.Lines), 2), 60)
	assert.Equal(t, desc, strings.Join(fit.Lines, " "))
}

func TestFitDescription_CapsCharacters(t *testing.T) {
	desc := strings.Repeat("abc ", 40)
	fit := FitDescription(testFonts(t), desc, 140, 200, Ladder{Start: 14, Floor: 6}, 2, 60)

	require.True(t, fit.Fits)
	joined := strings.Join(fit.Lines, " ")
	assert.True(t, strings.HasSuffix(joined, "..."))
}

func TestFitDescription_Placeholder(t *testing.T) {
	desc := strings.Repeat("word ", 12)
	fit := FitDescription(testFonts(t), desc, 40, 8, Ladder{Start: 14, Floor: 6}, 2, 60)

	assert.False(t, fit.Fits)
	assert.Equal(t, 6, fit.Size)
	assert.Equal(t, []string{TooLong}, fit.Lines)
}

func TestFitDescription_Deterministic(t *testing.T) {
	fonts := testFonts(t)
	desc := "the same input always lands on the same size and the same breaks"
	first := FitDescription(fonts, desc, 120, 70, Ladder{Start: 14, Floor: 6}, 2, 60)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, FitDescription(fonts, desc, 120, 70, Ladder{Start: 14, Floor: 6}, 2, 60))
	}
}
