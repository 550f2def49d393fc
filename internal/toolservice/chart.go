package toolservice

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// chartArgs is the `render_chart` tool's argument shape. No charting
// library appears anywhere in the retrieved corpus, so this renders a
// simple bar chart directly with image/draw+image/png — the one tool in
// this package built on the standard library rather than a pack dependency
// (recorded in DESIGN.md).
type chartArgs struct {
	Spec chartSpec `json:"spec" jsonschema:"required"`
}

type chartSpec struct {
	Title  string       `json:"title,omitempty"`
	Kind   string       `json:"kind,omitempty" jsonschema:"enum=bar,default=bar"`
	Series []chartPoint `json:"series" jsonschema:"required"`
}

type chartPoint struct {
	Label string  `json:"label"`
	Value float64 `json:"value"`
}

const (
	chartWidth   = 640
	chartHeight  = 360
	chartMargin  = 40
	chartBarGap  = 8
)

func newRenderChartTool(mediaRoot, mediaURLPrefix string) Tool {
	spec := Spec{
		Name:          "render_chart",
		Description:   "Render a chart image and return its URL under the configured media prefix.",
		InputSchema:   generateSchema[chartArgs](),
		XCapabilities: []string{"write"},
		XTimeBudget:   6 * time.Second,
		XLatencyHint:  "slow",
	}
	return newTool(spec, func(ctx context.Context, args map[string]any) (map[string]any, error) {
		var a chartArgs
		if err := decodeInto(args, &a); err != nil {
			return nil, err
		}
		if len(a.Spec.Series) == 0 {
			return nil, fmt.Errorf("toolservice: render_chart requires at least one series point")
		}
		img := renderBarChart(a.Spec)

		if err := os.MkdirAll(mediaRoot, 0o755); err != nil {
			return nil, fmt.Errorf("toolservice: render_chart: preparing media root: %w", err)
		}
		id := uuid.NewString()
		filename := id + ".png"
		fullPath := filepath.Join(mediaRoot, filename)
		f, err := os.Create(fullPath)
		if err != nil {
			return nil, fmt.Errorf("toolservice: render_chart: creating file: %w", err)
		}
		defer f.Close()
		if err := png.Encode(f, img); err != nil {
			return nil, fmt.Errorf("toolservice: render_chart: encoding png: %w", err)
		}
		return map[string]any{"url": mediaURLPrefix + "/" + filename, "id": id}, nil
	})
}

func renderBarChart(spec chartSpec) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, chartWidth, chartHeight))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)

	maxVal := 0.0
	for _, p := range spec.Series {
		if p.Value > maxVal {
			maxVal = p.Value
		}
	}
	if maxVal == 0 {
		maxVal = 1
	}

	plotWidth := chartWidth - 2*chartMargin
	plotHeight := chartHeight - 2*chartMargin
	barWidth := plotWidth / len(spec.Series)
	if barWidth <= chartBarGap {
		barWidth = chartBarGap + 1
	}

	barColor := color.RGBA{R: 0x2f, G: 0x6f, B: 0xed, A: 0xff}
	for i, p := range spec.Series {
		barHeight := int(float64(plotHeight) * (p.Value / maxVal))
		x0 := chartMargin + i*barWidth + chartBarGap/2
		x1 := x0 + barWidth - chartBarGap
		y1 := chartHeight - chartMargin
		y0 := y1 - barHeight
		if x1 <= x0 || y0 >= y1 {
			continue
		}
		draw.Draw(img, image.Rect(x0, y0, x1, y1), &image.Uniform{C: barColor}, image.Point{}, draw.Src)
	}

	axisColor := color.RGBA{R: 0x33, G: 0x33, B: 0x33, A: 0xff}
	draw.Draw(img, image.Rect(chartMargin, chartHeight-chartMargin, chartWidth-chartMargin, chartHeight-chartMargin+1), &image.Uniform{C: axisColor}, image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(chartMargin, chartMargin, chartMargin+1, chartHeight-chartMargin), &image.Uniform{C: axisColor}, image.Point{}, draw.Src)

	return img
}
