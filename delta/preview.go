package delta

import (
	"fmt"
	"image/color"
	"image/png"
	"io"
	"math"

	"github.com/paulmach/orb"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// Preview draws a top-down plot of one frame's position deltas: every
// reference point as a dot, every non-zero delta as a line from the point
// to its displaced position, coloured by magnitude.
type Preview struct {
	Reference  *PointSet
	Records    []Record
	Axes       [2]AxisIndex      // projected axes, default x and y
	Exaggerate float64           // multiplier applied to drawn deltas
	MaxPoints  int               // points drawn; larger sets are strided
	Size       float64           // longest canvas side in millimetres
	Resolution canvas.Resolution // PNG resolution
}

// NewPreview returns a preview with default settings.
func NewPreview(reference *PointSet, recs []Record) (*Preview, error) {
	if reference.Len() != len(recs) {
		return nil, fmt.Errorf("preview: %d records for %d reference points", len(recs), reference.Len())
	}
	return &Preview{
		Reference:  reference,
		Records:    recs,
		Axes:       [2]AxisIndex{AxisX, AxisY},
		Exaggerate: 1,
		MaxPoints:  20000,
		Size:       200,
		Resolution: canvas.DPI(150),
	}, nil
}

// project maps a 3D vector onto the preview plane.
func (p *Preview) project(v Vec3) orb.Point {
	return orb.Point{float64(v[p.Axes[0]]), float64(v[p.Axes[1]])}
}

// stride returns the step between drawn points.
func (p *Preview) stride() int {
	n := p.Reference.Len()
	if p.MaxPoints <= 0 || n <= p.MaxPoints {
		return 1
	}
	return (n + p.MaxPoints - 1) / p.MaxPoints
}

// Bound returns the padded extent of the points and displaced endpoints.
func (p *Preview) Bound() orb.Bound {
	var mp orb.MultiPoint
	step := p.stride()
	for i := 0; i < p.Reference.Len(); i += step {
		from := p.project(p.Reference.Positions[i])
		if !finitePoint(from) {
			continue
		}
		mp = append(mp, from)
		if !p.Records[i].IsZero() {
			to := p.displaced(i)
			if finitePoint(to) {
				mp = append(mp, to)
			}
		}
	}
	if len(mp) == 0 {
		return orb.Bound{Min: orb.Point{-1, -1}, Max: orb.Point{1, 1}}
	}
	b := mp.Bound()
	pad := 0.05 * math.Max(b.Right()-b.Left(), b.Top()-b.Bottom())
	if pad == 0 {
		pad = 1
	}
	return b.Pad(pad)
}

func (p *Preview) displaced(i int) orb.Point {
	from := p.project(p.Reference.Positions[i])
	d := p.project(p.Records[i].Pos)
	return orb.Point{from[0] + d[0]*p.Exaggerate, from[1] + d[1]*p.Exaggerate}
}

// MaxMagnitude returns the largest position delta norm among drawn records.
func (p *Preview) MaxMagnitude() float64 {
	maxMag := 0.0
	step := p.stride()
	for i := 0; i < len(p.Records); i += step {
		if m := p.Records[i].Pos.Norm(); m > maxMag && !math.IsInf(m, 0) {
			maxMag = m
		}
	}
	return maxMag
}

// canvasRenderer is implemented by both the svg and rasterizer renderers
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// RenderToSVG writes the preview as an SVG to the provided writer
func (p *Preview) RenderToSVG(w io.Writer) error {
	b := p.Bound()
	width, height, scale := p.canvasSize(b)
	svgRenderer := svg.New(w, width, height, nil)
	p.renderToCanvas(svgRenderer, b, width, height, scale)
	return svgRenderer.Close()
}

// RenderToPNG writes the preview as a PNG to the provided writer
func (p *Preview) RenderToPNG(w io.Writer) error {
	b := p.Bound()
	width, height, scale := p.canvasSize(b)
	rast := rasterizer.New(width, height, p.Resolution, canvas.DefaultColorSpace)
	p.renderToCanvas(rast, b, width, height, scale)
	return png.Encode(w, rast)
}

// canvasSize fits the bound into Size millimetres on its longest side.
func (p *Preview) canvasSize(b orb.Bound) (width, height, scale float64) {
	bw, bh := b.Right()-b.Left(), b.Top()-b.Bottom()
	size := p.Size
	if size <= 0 {
		size = 200
	}
	scale = size / math.Max(bw, bh)
	return bw * scale, bh * scale, scale
}

func (p *Preview) renderToCanvas(renderer canvasRenderer, b orb.Bound, width, height, scale float64) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(width, height), bgStyle, canvas.Identity)

	toCanvas := func(pt orb.Point) (float64, float64) {
		return (pt[0] - b.Left()) * scale, (pt[1] - b.Bottom()) * scale
	}

	dotStyle := canvas.DefaultStyle
	dotStyle.Fill = canvas.Paint{Color: canvas.Gray}
	dotStyle.Stroke = canvas.Paint{Color: canvas.Transparent}
	radius := math.Max(width, height) / 800

	lineStyle := canvas.DefaultStyle
	lineStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	lineStyle.StrokeWidth = radius

	maxMag := p.MaxMagnitude()
	step := p.stride()
	for i := 0; i < p.Reference.Len(); i += step {
		from := p.project(p.Reference.Positions[i])
		if !finitePoint(from) {
			continue
		}
		fx, fy := toCanvas(from)
		renderer.RenderPath(canvas.Circle(radius).Translate(fx, fy), dotStyle, canvas.Identity)

		rec := p.Records[i]
		if rec.IsZero() {
			continue
		}
		to := p.displaced(i)
		if !finitePoint(to) {
			continue
		}
		tx, ty := toCanvas(to)
		path := &canvas.Path{}
		path.MoveTo(fx, fy)
		path.LineTo(tx, ty)
		style := lineStyle
		style.Stroke = canvas.Paint{Color: magnitudeColor(rec.Pos.Norm(), maxMag)}
		renderer.RenderPath(path, style, canvas.Identity)
	}
}

// magnitudeColor ramps from blue (no movement) to red (maxMag).
func magnitudeColor(mag, maxMag float64) color.RGBA {
	t := 0.0
	if maxMag > 0 && !math.IsNaN(mag) {
		t = math.Min(mag/maxMag, 1)
	}
	return color.RGBA{
		R: uint8(math.Round(255 * t)),
		G: 40,
		B: uint8(math.Round(255 * (1 - t))),
		A: 255,
	}
}

func finitePoint(p orb.Point) bool {
	for _, v := range p {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
