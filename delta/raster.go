package delta

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// RenderHeatmap rasterises the preview into a width-pixel-wide image where
// each cell holds the largest delta magnitude of the points projected into
// it, with a caption line summarising the frame.
func (p *Preview) RenderHeatmap(width int, caption string) *image.RGBA {
	if width < 64 {
		width = 64
	}
	b := p.Bound()
	bw, bh := b.Right()-b.Left(), b.Top()-b.Bottom()
	const maxHeight = 4000
	scale := math.Min(float64(width)/bw, maxHeight/bh)
	height := min(max(int(math.Ceil(bh*scale)), 1), maxHeight)

	const captionHeight = 20
	img := image.NewRGBA(image.Rect(0, 0, width, height+captionHeight))
	for y := range img.Bounds().Dy() {
		for x := range width {
			img.SetRGBA(x, y, color.RGBA{240, 240, 240, 255})
		}
	}

	cells := make([]float64, width*height)
	occupied := make([]bool, width*height)
	step := p.stride()
	for i := 0; i < p.Reference.Len(); i += step {
		pt := p.project(p.Reference.Positions[i])
		if !finitePoint(pt) {
			continue
		}
		x := int((pt[0] - b.Left()) * scale)
		// Image rows grow downwards.
		y := height - 1 - int((pt[1]-b.Bottom())*scale)
		if x < 0 || x >= width || y < 0 || y >= height {
			continue
		}
		idx := y*width + x
		occupied[idx] = true
		if m := p.Records[i].Pos.Norm(); m > cells[idx] {
			cells[idx] = m
		}
	}

	maxMag := p.MaxMagnitude()
	for idx, ok := range occupied {
		if !ok {
			continue
		}
		img.SetRGBA(idx%width, captionHeight+idx/width, magnitudeColor(cells[idx], maxMag))
	}

	if caption == "" {
		caption = fmt.Sprintf("max |d| %.4g", maxMag)
	}
	drawText(img, 4, 14, caption, color.RGBA{0, 0, 0, 255})
	return img
}

// WriteHeatmapPNG encodes RenderHeatmap as PNG.
func (p *Preview) WriteHeatmapPNG(w io.Writer, width int, caption string) error {
	return png.Encode(w, p.RenderHeatmap(width, caption))
}

// drawText renders text onto an image at the specified position
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
