package pipeline

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sort"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"golang.org/x/xerrors"

	"github.com/khaledhikmat/traffic-go/model"
)

const (
	jpegQuality = 85

	glyphWidth  = 7
	glyphAscent = 11
	lineHeight  = 15
	textPadding = 4
)

var classColors = map[model.VehicleClass]color.RGBA{
	model.Car:        {0, 220, 0, 255},
	model.Motorcycle: {255, 165, 0, 255},
	model.Bus:        {0, 140, 255, 255},
	model.Truck:      {230, 40, 40, 255},
}

var panelBackground = color.RGBA{0, 0, 0, 128}

// Annotator counts detections and draws them onto frames.
type Annotator struct {
	threshold float32
}

func NewAnnotator(threshold float32) *Annotator {
	return &Annotator{threshold: threshold}
}

// Filter drops detections under the threshold and those of untracked classes.
func (a *Annotator) Filter(dets []model.Detection) []model.Detection {
	kept := make([]model.Detection, 0, len(dets))
	for _, d := range dets {
		if d.Confidence < a.threshold {
			continue
		}
		if _, ok := classColors[d.Class]; !ok {
			continue
		}
		kept = append(kept, d)
	}
	return kept
}

// CountByClass returns a count for every tracked class, zero included.
func (a *Annotator) CountByClass(dets []model.Detection) map[model.VehicleClass]int {
	counts := make(map[model.VehicleClass]int, len(model.VehicleClasses))
	for _, c := range model.VehicleClasses {
		counts[c] = 0
	}
	for _, d := range a.Filter(dets) {
		counts[d.Class]++
	}
	return counts
}

// Total sums the per-class counts.
func Total(counts map[model.VehicleClass]int) int {
	total := 0
	for _, c := range model.VehicleClasses {
		total += counts[c]
	}
	return total
}

// Annotate draws boxes and a stats panel onto the frame. When avg is set the
// panel shows it above the frame's own count.
func (a *Annotator) Annotate(frame FrameData, dets []model.Detection, avg *float64) (FrameData, error) {
	src, err := jpeg.Decode(bytes.NewReader(frame.Data))
	if err != nil {
		return FrameData{}, xerrors.Errorf("decode frame %d: %v: %w", frame.Seq, err, model.ErrDecode)
	}

	bounds := src.Bounds()
	canvas := image.NewRGBA(bounds)
	draw.Draw(canvas, bounds, src, bounds.Min, draw.Src)

	scale := textScale(bounds.Dy())
	thickness := max(2, bounds.Dy()/360)

	kept := a.Filter(dets)
	for _, d := range kept {
		c := classColors[d.Class]
		drawBox(canvas, d.Box, c, thickness)

		label := fmt.Sprintf("%s %.0f%%", d.Label, d.Confidence*100)
		size := textSize([]string{label}, scale)
		at := image.Pt(d.Box.Min.X, d.Box.Min.Y-size.Y)
		if at.Y < bounds.Min.Y {
			at.Y = d.Box.Min.Y
		}
		drawText(canvas, at, []string{label}, color.Black, c, scale)
	}

	lines := statsLines(a.CountByClass(kept), avg)
	size := textSize(lines, scale)
	margin := bounds.Dy() * 2 / 100
	at := image.Pt(bounds.Max.X-size.X-margin, bounds.Max.Y-size.Y-margin)
	drawText(canvas, at, lines, color.White, panelBackground, scale)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return FrameData{}, xerrors.Errorf("encode frame %d: %v: %w", frame.Seq, err, model.ErrDecode)
	}

	return FrameData{
		Data:      buf.Bytes(),
		Timestamp: frame.Timestamp,
		Seq:       frame.Seq,
	}, nil
}

func statsLines(counts map[model.VehicleClass]int, avg *float64) []string {
	total := Total(counts)

	var lines []string
	if avg != nil {
		lines = append(lines, fmt.Sprintf("Avg Vehicles: %.1f", *avg), fmt.Sprintf("(Frame: %d)", total))
	} else {
		lines = append(lines, fmt.Sprintf("Vehicles: %d", total))
	}

	classes := make([]string, 0, len(counts))
	for c, n := range counts {
		if n > 0 {
			classes = append(classes, string(c))
		}
	}
	sort.Strings(classes)
	for _, c := range classes {
		lines = append(lines, fmt.Sprintf("  %s: %d", c, counts[model.VehicleClass(c)]))
	}
	return lines
}

// textScale grows the bitmap font with the frame so the panel stays readable.
func textScale(height int) int {
	return max(1, height/480)
}

func textSize(lines []string, scale int) image.Point {
	longest := 0
	for _, l := range lines {
		longest = max(longest, len(l))
	}
	return image.Pt(
		(longest*glyphWidth+2*textPadding)*scale,
		(len(lines)*lineHeight+2*textPadding)*scale,
	)
}

// drawText renders lines on a filled block whose top-left corner is at,
// enlarged by scale with nearest-neighbour sampling.
func drawText(dst *image.RGBA, at image.Point, lines []string, fg, bg color.Color, scale int) {
	size := textSize(lines, 1)
	layer := image.NewRGBA(image.Rect(0, 0, size.X, size.Y))
	draw.Draw(layer, layer.Bounds(), image.NewUniform(bg), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  layer,
		Src:  image.NewUniform(fg),
		Face: basicfont.Face7x13,
	}
	for i, l := range lines {
		d.Dot = fixed.P(textPadding, textPadding+glyphAscent+i*lineHeight)
		d.DrawString(l)
	}

	target := image.Rectangle{Min: at, Max: at.Add(size.Mul(scale))}
	draw.NearestNeighbor.Scale(dst, target, layer, layer.Bounds(), draw.Over, nil)
}

func drawBox(dst *image.RGBA, r image.Rectangle, c color.RGBA, thickness int) {
	u := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+thickness),
		image.Rect(r.Min.X, r.Max.Y-thickness, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+thickness, r.Max.Y),
		image.Rect(r.Max.X-thickness, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(dst.Bounds()), u, image.Point{}, draw.Src)
	}
}
