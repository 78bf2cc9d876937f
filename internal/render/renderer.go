package render

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"

	"github.com/nexus-trading/pomp/internal/grid"
	"github.com/nexus-trading/pomp/internal/model"
)

// ---------------------------------------------------------------------------
// Bundle Renderer: lays out a batch of coins as one labeled image grid
// ---------------------------------------------------------------------------

// Config controls canvas geometry and text fitting.
type Config struct {
	Layout           grid.Layout   `yaml:"layout"`
	NameSizes        Ladder        `yaml:"name_sizes"`
	DescSizes        Ladder        `yaml:"desc_sizes"`
	LabelSize        int           `yaml:"label_size"`
	LabelBox         int           `yaml:"label_box"`
	LineSpacing      int           `yaml:"line_spacing"`
	Margin           int           `yaml:"margin"`
	ThumbMax         int           `yaml:"thumb_max"`
	DescCharCap      int           `yaml:"desc_char_cap"`
	FetchTimeout     time.Duration `yaml:"-"`
	FetchConcurrency int           `yaml:"fetch_concurrency"`
}

// DefaultConfig returns the 2x4 / 512x512 layout.
func DefaultConfig() Config {
	return Config{
		Layout:           grid.DefaultLayout(),
		NameSizes:        Ladder{Start: 16, Floor: 6},
		DescSizes:        Ladder{Start: 14, Floor: 6},
		LabelSize:        14,
		LabelBox:         22,
		LineSpacing:      2,
		Margin:           5,
		ThumbMax:         100,
		DescCharCap:      60,
		FetchTimeout:     5 * time.Second,
		FetchConcurrency: 4,
	}
}

var (
	borderColor = color.RGBA{R: 220, A: 255}
	labelColor  = color.Black
	textColor   = color.Black
	background  = color.White
)

// Renderer draws bundle composites. Render calls are serialized because font
// faces keep internal scratch buffers.
type Renderer struct {
	config Config
	fonts  FaceSource
	client *http.Client

	mu sync.Mutex
}

// New creates a Renderer using the bundled Go Regular font.
func New(config Config) (*Renderer, error) {
	fonts, err := DefaultFonts()
	if err != nil {
		return nil, fmt.Errorf("render: load font: %w", err)
	}
	return NewWithFonts(config, fonts), nil
}

// NewWithFonts creates a Renderer over an explicit face source.
func NewWithFonts(config Config, fonts FaceSource) *Renderer {
	if config.FetchTimeout == 0 {
		config.FetchTimeout = 5 * time.Second
	}
	if config.FetchConcurrency <= 0 {
		config.FetchConcurrency = 4
	}
	return &Renderer{
		config: config,
		fonts:  fonts,
		client: &http.Client{Timeout: config.FetchTimeout},
	}
}

// Layout returns the grid this renderer draws on.
func (r *Renderer) Layout() grid.Layout {
	return r.config.Layout
}

// Render draws coins into a PNG. Each coin lands in the cell named by its
// CoinID, falling back to its position in the slice.
func (r *Renderer) Render(ctx context.Context, coins []model.Coin) ([]byte, error) {
	l := r.config.Layout
	if len(coins) > l.Size() {
		return nil, fmt.Errorf("render: %d coins exceed %d cells", len(coins), l.Size())
	}

	thumbs := r.fetchThumbnails(ctx, coins)

	r.mu.Lock()
	defer r.mu.Unlock()

	canvas := image.NewRGBA(image.Rect(0, 0, l.Width, l.Height))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(background), image.Point{}, draw.Src)

	for i := range coins {
		index := i + 1
		if idx, ok := grid.ParseLabel(coins[i].CoinID, l.Size()); ok {
			index = idx
		}
		r.drawCell(canvas, l.Bounds(index), index, &coins[i], thumbs[i])
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		return nil, fmt.Errorf("render: encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// fetchThumbnails downloads every coin image concurrently. A failed fetch
// leaves a nil entry and the cell is drawn without a thumbnail.
func (r *Renderer) fetchThumbnails(ctx context.Context, coins []model.Coin) []image.Image {
	thumbs := make([]image.Image, len(coins))
	var g errgroup.Group
	g.SetLimit(r.config.FetchConcurrency)
	for i := range coins {
		i := i
		url := coins[i].ImageURL
		if url == "" {
			continue
		}
		g.Go(func() error {
			img, err := r.fetchImage(ctx, url)
			if err != nil {
				log.Debug().Err(err).Str("url", url).Msg("render: thumbnail unavailable")
				return nil
			}
			thumbs[i] = img
			return nil
		})
	}
	_ = g.Wait()
	return thumbs
}

func (r *Renderer) fetchImage(ctx context.Context, url string) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	img, _, err := image.Decode(resp.Body)
	return img, err
}

func (r *Renderer) drawCell(dst *image.RGBA, cell image.Rectangle, index int, coin *model.Coin, thumb image.Image) {
	cfg := r.config
	drawBorder(dst, cell.Inset(1), borderColor)

	x0 := cell.Min.X + cfg.Margin
	y0 := cell.Min.Y + cfg.Margin
	box := cfg.ThumbMax
	if limit := cell.Dy() - 2*cfg.Margin; box > limit {
		box = limit
	}

	if thumb != nil {
		draw.CatmullRom.Scale(dst, fitRect(thumb.Bounds(), image.Rect(x0, y0, x0+box, y0+box)), thumb, thumb.Bounds(), draw.Over, nil)
	}

	// Index label over the thumbnail's top-left corner.
	labelRect := image.Rect(x0, y0, x0+cfg.LabelBox, y0+cfg.LabelBox)
	draw.Draw(dst, labelRect, image.NewUniform(labelColor), image.Point{}, draw.Src)
	labelFace := r.fonts.Face(cfg.LabelSize)
	label := grid.Label(index)
	lx := labelRect.Min.X + (cfg.LabelBox-textWidth(labelFace, label))/2
	ly := labelRect.Min.Y + (cfg.LabelBox-lineHeight(labelFace))/2
	drawText(dst, labelFace, lx, ly, label, color.White)

	tx := x0 + box + cfg.Margin
	tw := cell.Max.X - cfg.Margin - tx
	ty := y0
	if tw <= 0 {
		return
	}

	size, line := FitSingleLine(r.fonts, coin.Name, tw, cfg.NameSizes)
	face := r.fonts.Face(size)
	drawText(dst, face, tx, ty, line, textColor)
	ty += lineHeight(face) + cfg.LineSpacing

	if coin.Symbol != "" {
		size, line = FitSingleLine(r.fonts, "("+coin.Symbol+")", tw, cfg.NameSizes)
		face = r.fonts.Face(size)
		drawText(dst, face, tx, ty, line, textColor)
		ty += lineHeight(face) + cfg.LineSpacing
	}

	remaining := cell.Max.Y - cfg.Margin - ty
	if remaining <= 0 {
		return
	}
	fit := FitDescription(r.fonts, coin.Description, tw, remaining, cfg.DescSizes, cfg.LineSpacing, cfg.DescCharCap)
	face = r.fonts.Face(fit.Size)
	for _, l := range fit.Lines {
		drawText(dst, face, tx, ty, l, textColor)
		ty += lineHeight(face) + cfg.LineSpacing
	}
}

// fitRect scales src into box preserving aspect ratio, centred.
func fitRect(src, box image.Rectangle) image.Rectangle {
	sw, sh := src.Dx(), src.Dy()
	if sw == 0 || sh == 0 {
		return image.Rectangle{}
	}
	bw, bh := box.Dx(), box.Dy()
	w, h := bw, sh*bw/sw
	if h > bh {
		w, h = sw*bh/sh, bh
	}
	x := box.Min.X + (bw-w)/2
	y := box.Min.Y + (bh-h)/2
	return image.Rect(x, y, x+w, y+h)
}

func drawBorder(dst *image.RGBA, r image.Rectangle, c color.Color) {
	u := image.NewUniform(c)
	draw.Draw(dst, image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+1), u, image.Point{}, draw.Src)
	draw.Draw(dst, image.Rect(r.Min.X, r.Max.Y-1, r.Max.X, r.Max.Y), u, image.Point{}, draw.Src)
	draw.Draw(dst, image.Rect(r.Min.X, r.Min.Y, r.Min.X+1, r.Max.Y), u, image.Point{}, draw.Src)
	draw.Draw(dst, image.Rect(r.Max.X-1, r.Min.Y, r.Max.X, r.Max.Y), u, image.Point{}, draw.Src)
}

func drawText(dst *image.RGBA, face font.Face, x, top int, s string, c color.Color) {
	if s == "" {
		return
	}
	d := font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  dotFor(face, x, top),
	}
	d.DrawString(s)
}
