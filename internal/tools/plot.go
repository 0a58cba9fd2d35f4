package tools

import (
	"fmt"
	"html"
	"math"
	"strings"
)

// plotSpec is the normalized chart description the SVG renderer consumes.
type plotSpec struct {
	ChartType string
	Title     string
	XLabel    string
	YLabel    string
	X         []string
	Series    []plotSeries
}

type plotSeries struct {
	Name   string
	Values []float64
}

var seriesColors = []string{"#2563eb", "#dc2626", "#16a34a", "#9333ea", "#ea580c", "#0891b2"}

// plotSpecFromArgs accepts either a flat {x, y} pair or a series list.
func plotSpecFromArgs(args map[string]any) (*plotSpec, error) {
	spec := &plotSpec{
		ChartType: strings.ToLower(strings.TrimSpace(stringArg(args, "chart_type"))),
		Title:     strings.TrimSpace(stringArg(args, "title")),
		XLabel:    strings.TrimSpace(stringArg(args, "x_label")),
		YLabel:    strings.TrimSpace(stringArg(args, "y_label")),
		X:         stringSlice(args["x"]),
	}
	if spec.ChartType != "bar" {
		spec.ChartType = "line"
	}

	if rawSeries, ok := args["series"].([]any); ok {
		for _, item := range rawSeries {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			values := floatSlice(entry["y"])
			if len(values) == 0 {
				continue
			}
			name, _ := entry["name"].(string)
			spec.Series = append(spec.Series, plotSeries{Name: name, Values: values})
			if len(spec.X) == 0 {
				spec.X = stringSlice(entry["x"])
			}
		}
	}
	if len(spec.Series) == 0 {
		if values := floatSlice(args["y"]); len(values) > 0 {
			spec.Series = append(spec.Series, plotSeries{Values: values})
		}
	}
	if len(spec.Series) == 0 {
		return nil, fmt.Errorf("Provide y values or a series list to plot.")
	}
	return spec, nil
}

const (
	svgWidth   = 720
	svgHeight  = 420
	svgPadLeft = 60
	svgPadTop  = 48
	svgPadBot  = 52
	svgPadRt   = 24
)

// renderSVG draws the chart as a standalone SVG document: axes, grid
// lines, one polyline or bar group per series, and a legend when series
// are named.
func renderSVG(spec *plotSpec) string {
	lo, hi := valueRange(spec.Series)
	plotW := float64(svgWidth - svgPadLeft - svgPadRt)
	plotH := float64(svgHeight - svgPadTop - svgPadBot)

	maxLen := 0
	for _, s := range spec.Series {
		if len(s.Values) > maxLen {
			maxLen = len(s.Values)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d" viewBox="0 0 %d %d">`,
		svgWidth, svgHeight, svgWidth, svgHeight)
	b.WriteString(`<rect width="100%" height="100%" fill="white"/>`)

	if spec.Title != "" {
		fmt.Fprintf(&b, `<text x="%d" y="24" text-anchor="middle" font-family="sans-serif" font-size="16">%s</text>`,
			svgWidth/2, html.EscapeString(spec.Title))
	}

	// Horizontal grid with value labels.
	const gridLines = 5
	for i := 0; i <= gridLines; i++ {
		frac := float64(i) / gridLines
		y := svgPadTop + plotH*(1-frac)
		value := lo + (hi-lo)*frac
		fmt.Fprintf(&b, `<line x1="%d" y1="%.1f" x2="%d" y2="%.1f" stroke="#e5e7eb"/>`,
			svgPadLeft, y, svgWidth-svgPadRt, y)
		fmt.Fprintf(&b, `<text x="%d" y="%.1f" text-anchor="end" font-family="sans-serif" font-size="10" fill="#6b7280">%s</text>`,
			svgPadLeft-6, y+3, formatTick(value))
	}

	// Axes.
	fmt.Fprintf(&b, `<line x1="%d" y1="%d" x2="%d" y2="%.1f" stroke="#374151"/>`,
		svgPadLeft, svgPadTop, svgPadLeft, svgPadTop+plotH)
	fmt.Fprintf(&b, `<line x1="%d" y1="%.1f" x2="%d" y2="%.1f" stroke="#374151"/>`,
		svgPadLeft, svgPadTop+plotH, svgWidth-svgPadRt, svgPadTop+plotH)

	for si, series := range spec.Series {
		color := seriesColors[si%len(seriesColors)]
		if spec.ChartType == "bar" {
			drawBars(&b, series.Values, si, len(spec.Series), maxLen, lo, hi, plotW, plotH, color)
		} else {
			drawLine(&b, series.Values, maxLen, lo, hi, plotW, plotH, color)
		}
	}

	drawXTicks(&b, spec.X, maxLen, plotW, plotH)

	if spec.XLabel != "" {
		fmt.Fprintf(&b, `<text x="%d" y="%d" text-anchor="middle" font-family="sans-serif" font-size="12">%s</text>`,
			svgPadLeft+int(plotW/2), svgHeight-8, html.EscapeString(spec.XLabel))
	}
	if spec.YLabel != "" {
		fmt.Fprintf(&b, `<text x="14" y="%d" text-anchor="middle" font-family="sans-serif" font-size="12" transform="rotate(-90 14 %d)">%s</text>`,
			svgPadTop+int(plotH/2), svgPadTop+int(plotH/2), html.EscapeString(spec.YLabel))
	}

	legendY := svgPadTop
	for si, series := range spec.Series {
		if series.Name == "" {
			continue
		}
		color := seriesColors[si%len(seriesColors)]
		fmt.Fprintf(&b, `<rect x="%d" y="%d" width="10" height="10" fill="%s"/>`,
			svgWidth-svgPadRt-120, legendY, color)
		fmt.Fprintf(&b, `<text x="%d" y="%d" font-family="sans-serif" font-size="11">%s</text>`,
			svgWidth-svgPadRt-105, legendY+9, html.EscapeString(series.Name))
		legendY += 16
	}

	b.WriteString("</svg>")
	return b.String()
}

func drawLine(b *strings.Builder, values []float64, maxLen int, lo, hi, plotW, plotH float64, color string) {
	if len(values) == 0 {
		return
	}
	var points []string
	for i, v := range values {
		x := float64(svgPadLeft) + xOffset(i, maxLen, plotW)
		y := svgPadTop + plotH*(1-normalize(v, lo, hi))
		points = append(points, fmt.Sprintf("%.1f,%.1f", x, y))
	}
	fmt.Fprintf(b, `<polyline points="%s" fill="none" stroke="%s" stroke-width="2"/>`,
		strings.Join(points, " "), color)
}

func drawBars(b *strings.Builder, values []float64, seriesIdx, seriesCount, maxLen int, lo, hi, plotW, plotH float64, color string) {
	if len(values) == 0 || maxLen == 0 {
		return
	}
	slot := plotW / float64(maxLen)
	barW := slot * 0.8 / float64(seriesCount)
	for i, v := range values {
		h := plotH * normalize(v, lo, hi)
		x := float64(svgPadLeft) + float64(i)*slot + slot*0.1 + float64(seriesIdx)*barW
		y := svgPadTop + plotH - h
		fmt.Fprintf(b, `<rect x="%.1f" y="%.1f" width="%.1f" height="%.1f" fill="%s"/>`,
			x, y, barW, h, color)
	}
}

func drawXTicks(b *strings.Builder, labels []string, maxLen int, plotW, plotH float64) {
	if len(labels) == 0 || maxLen == 0 {
		return
	}
	step := 1
	if len(labels) > 12 {
		step = (len(labels) + 11) / 12
	}
	for i := 0; i < len(labels) && i < maxLen; i += step {
		x := float64(svgPadLeft) + xOffset(i, maxLen, plotW)
		fmt.Fprintf(b, `<text x="%.1f" y="%.1f" text-anchor="middle" font-family="sans-serif" font-size="10" fill="#6b7280">%s</text>`,
			x, svgPadTop+plotH+16, html.EscapeString(clipLabel(labels[i])))
	}
}

func xOffset(i, maxLen int, plotW float64) float64 {
	if maxLen <= 1 {
		return plotW / 2
	}
	return plotW * float64(i) / float64(maxLen-1)
}

func normalize(v, lo, hi float64) float64 {
	if hi == lo {
		return 0.5
	}
	return (v - lo) / (hi - lo)
}

// valueRange pads the data extent slightly and anchors bar charts at
// zero when all values are positive.
func valueRange(series []plotSeries) (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, s := range series {
		for _, v := range s.Values {
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
	}
	if math.IsInf(lo, 1) {
		return 0, 1
	}
	if lo > 0 {
		lo = 0
	}
	if hi == lo {
		hi = lo + 1
	}
	return lo, hi
}

func formatTick(v float64) string {
	if math.Abs(v) >= 1000 {
		return fmt.Sprintf("%.0f", v)
	}
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.2f", v), "0"), ".")
}

func clipLabel(s string) string {
	if len(s) > 10 {
		return s[:10]
	}
	return s
}

func stringSlice(raw any) []string {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case string:
			out = append(out, v)
		case float64:
			out = append(out, formatTick(v))
		}
	}
	return out
}

func floatSlice(raw any) []float64 {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]float64, 0, len(items))
	for _, item := range items {
		if v, ok := item.(float64); ok {
			out = append(out, v)
		}
	}
	return out
}
