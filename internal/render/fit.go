package render

import (
	"strings"
	"sync"
	"unicode"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

const (
	// Ellipsis terminates a single line that was truncated to fit.
	Ellipsis = "…"
	// TooLong replaces a description that does not fit at the floor size.
	TooLong = "[too long]"
)

// FaceSource hands out font faces by point size.
type FaceSource interface {
	Face(size int) font.Face
}

// Ladder is the inclusive range of point sizes tried from Start down to Floor.
type Ladder struct {
	Start int `yaml:"start"`
	Floor int `yaml:"floor"`
}

// Sizes lists the ladder from largest to smallest.
func (l Ladder) Sizes() []int {
	if l.Floor > l.Start {
		return []int{l.Start}
	}
	out := make([]int, 0, l.Start-l.Floor+1)
	for s := l.Start; s >= l.Floor; s-- {
		out = append(out, s)
	}
	return out
}

func (l Ladder) floor() int {
	if l.Floor > l.Start {
		return l.Start
	}
	return l.Floor
}

// Fonts caches opentype faces of one font per size. Faces are not safe for
// concurrent drawing, so callers serialize their use.
type Fonts struct {
	mu    sync.Mutex
	font  *opentype.Font
	faces map[int]font.Face
}

// NewFonts parses a TrueType/OpenType font.
func NewFonts(ttf []byte) (*Fonts, error) {
	f, err := opentype.Parse(ttf)
	if err != nil {
		return nil, err
	}
	return &Fonts{font: f, faces: make(map[int]font.Face)}, nil
}

// DefaultFonts uses the Go Regular font bundled with x/image.
func DefaultFonts() (*Fonts, error) {
	return NewFonts(goregular.TTF)
}

// Face returns the cached face for size, creating it on first use.
func (f *Fonts) Face(size int) font.Face {
	f.mu.Lock()
	defer f.mu.Unlock()

	if face, ok := f.faces[size]; ok {
		return face
	}
	face, err := opentype.NewFace(f.font, &opentype.FaceOptions{
		Size:    float64(size),
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return basicfont.Face7x13
	}
	f.faces[size] = face
	return face
}

func textWidth(face font.Face, s string) int {
	return font.MeasureString(face, s).Ceil()
}

func lineHeight(face font.Face) int {
	return face.Metrics().Height.Ceil()
}

func blockHeight(face font.Face, lines, spacing int) int {
	if lines == 0 {
		return 0
	}
	return lines*lineHeight(face) + (lines-1)*spacing
}

// FitSingleLine picks the largest ladder size at which text fits maxWidth.
// When even the floor is too wide the text is cut rune by rune and an
// ellipsis appended until it fits.
func FitSingleLine(faces FaceSource, text string, maxWidth int, ladder Ladder) (int, string) {
	for _, size := range ladder.Sizes() {
		if textWidth(faces.Face(size), text) <= maxWidth {
			return size, text
		}
	}

	floor := ladder.floor()
	face := faces.Face(floor)
	runes := []rune(text)
	for len(runes) > 0 {
		runes = runes[:len(runes)-1]
		candidate := strings.TrimRightFunc(string(runes), unicode.IsSpace) + Ellipsis
		if textWidth(face, candidate) <= maxWidth {
			return floor, candidate
		}
	}
	return floor, ""
}

// TruncateChars caps s at limit runes, marking the cut with "...".
func TruncateChars(s string, limit int) string {
	runes := []rune(s)
	if limit <= 0 || len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}

// WrapText greedily fills lines word by word. A word wider than maxWidth on
// its own is broken between runes.
func WrapText(face font.Face, text string, maxWidth int) []string {
	var lines []string
	cur := ""
	for _, w := range strings.Fields(text) {
		candidate := w
		if cur != "" {
			candidate = cur + " " + w
		}
		if textWidth(face, candidate) <= maxWidth {
			cur = candidate
			continue
		}
		if cur != "" {
			lines = append(lines, cur)
			cur = ""
		}
		if textWidth(face, w) <= maxWidth {
			cur = w
			continue
		}
		pieces := breakWord(face, w, maxWidth)
		lines = append(lines, pieces[:len(pieces)-1]...)
		cur = pieces[len(pieces)-1]
	}
	if cur != "" {
		lines = append(lines, cur)
	}
	return lines
}

func breakWord(face font.Face, w string, maxWidth int) []string {
	var pieces []string
	var chunk []rune
	for _, r := range w {
		next := append(chunk, r)
		if len(chunk) > 0 && textWidth(face, string(next)) > maxWidth {
			pieces = append(pieces, string(chunk))
			chunk = []rune{r}
			continue
		}
		chunk = next
	}
	return append(pieces, string(chunk))
}

// DescriptionFit is the chosen layout of a description block.
type DescriptionFit struct {
	Size  int
	Lines []string
	Fits  bool
}

// FitDescription caps desc at charCap runes, then wraps it at decreasing
// sizes until the block fits maxHeight. If no size fits, the block is the
// TooLong placeholder at the floor size.
func FitDescription(faces FaceSource, desc string, maxWidth, maxHeight int, ladder Ladder, spacing, charCap int) DescriptionFit {
	text := TruncateChars(strings.TrimSpace(desc), charCap)
	if text == "" {
		return DescriptionFit{Size: ladder.Start, Fits: true}
	}
	for _, size := range ladder.Sizes() {
		face := faces.Face(size)
		lines := WrapText(face, text, maxWidth)
		if blockHeight(face, len(lines), spacing) <= maxHeight {
			return DescriptionFit{Size: size, Lines: lines, Fits: true}
		}
	}
	return DescriptionFit{Size: ladder.floor(), Lines: []string{TooLong}, Fits: false}
}

func dotFor(face font.Face, x, top int) fixed.Point26_6 {
	return fixed.P(x, top+face.Metrics().Ascent.Ceil())
}
