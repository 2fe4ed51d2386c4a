package extract

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

// glyph is a positioned run of text in PDF user space (y grows upwards).
type glyph struct {
	x, y, w, size float64
	s             string
}

type segment struct {
	x0, x1 float64
	text   string
}

type line struct {
	y    float64
	segs []segment
}

const (
	// spaceGapRatio is the horizontal gap, in font sizes, that reads as a word break.
	spaceGapRatio = 0.15

	// segmentGapRatio is the gap, in font sizes, that separates two columns on one line.
	segmentGapRatio = 2.5

	// spanningRatio marks segments wider than this share of the text block as
	// headings or full-width paragraphs rather than column content.
	spanningRatio = 0.6

	minColumnSegments = 3
)

// layoutText reconstructs reading order from positioned glyphs: lines are
// formed by baseline, split into segments at wide gaps, and segments are
// emitted column by column when the page has a stable gutter. It returns
// false when glyph geometry is unusable (no widths) and the caller should
// fall back to the raw text stream.
func layoutText(glyphs []glyph) (string, bool) {
	var gs []glyph
	usable := false
	for _, g := range glyphs {
		if g.s == "" {
			continue
		}
		if g.w > 0 {
			usable = true
		}
		gs = append(gs, g)
	}
	if len(gs) == 0 {
		return "", true
	}
	if !usable {
		return "", false
	}

	lines := groupLines(gs)
	if len(lines) == 0 {
		return "", true
	}

	minX, maxX := math.Inf(1), math.Inf(-1)
	for _, l := range lines {
		for _, s := range l.segs {
			minX = math.Min(minX, s.x0)
			maxX = math.Max(maxX, s.x1)
		}
	}
	columns := detectColumns(lines, maxX-minX)
	if len(columns) < 2 {
		out := make([]string, 0, len(lines))
		for _, l := range lines {
			parts := make([]string, 0, len(l.segs))
			for _, s := range l.segs {
				parts = append(parts, s.text)
			}
			out = append(out, strings.Join(parts, " "))
		}
		return strings.Join(out, "\n"), true
	}
	return emitColumns(lines, columns, maxX-minX), true
}

func groupLines(gs []glyph) []line {
	sort.SliceStable(gs, func(i, j int) bool {
		if gs[i].y != gs[j].y {
			return gs[i].y > gs[j].y
		}
		return gs[i].x < gs[j].x
	})

	var rows [][]glyph
	var rowY float64
	for _, g := range gs {
		tol := math.Max(g.size, 1) * 0.5
		if len(rows) > 0 && math.Abs(g.y-rowY) <= tol {
			rows[len(rows)-1] = append(rows[len(rows)-1], g)
			continue
		}
		rows = append(rows, []glyph{g})
		rowY = g.y
	}

	lines := make([]line, 0, len(rows))
	for _, row := range rows {
		sort.SliceStable(row, func(i, j int) bool { return row[i].x < row[j].x })
		l := line{y: row[0].y, segs: splitSegments(row)}
		if len(l.segs) > 0 {
			lines = append(lines, l)
		}
	}
	return lines
}

func splitSegments(row []glyph) []segment {
	var segs []segment
	var b strings.Builder
	var cur segment
	open := false
	pendingSpace := false
	var prevEnd float64

	flush := func() {
		if !open {
			return
		}
		cur.text = strings.TrimSpace(b.String())
		if cur.text != "" {
			segs = append(segs, cur)
		}
		b.Reset()
		open = false
	}

	for _, g := range row {
		if strings.TrimSpace(g.s) == "" {
			pendingSpace = open
			if open {
				prevEnd = math.Max(prevEnd, g.x+g.w)
			}
			continue
		}
		size := math.Max(g.size, 1)
		if open {
			gap := g.x - prevEnd
			switch {
			case gap > size*segmentGapRatio:
				flush()
			case pendingSpace || gap > size*spaceGapRatio:
				b.WriteByte(' ')
			}
		}
		if !open {
			cur = segment{x0: g.x}
			open = true
		}
		b.WriteString(g.s)
		prevEnd = g.x + g.w
		cur.x1 = prevEnd
		pendingSpace = false
	}
	flush()
	return segs
}

type column struct{ x0, x1 float64 }

// detectColumns merges the horizontal extents of non-spanning segments. Two
// or more disjoint extents, each backed by enough segments, are columns.
func detectColumns(lines []line, width float64) []column {
	if width <= 0 {
		return nil
	}
	var spans []segment
	for _, l := range lines {
		for _, s := range l.segs {
			if s.x1-s.x0 <= width*spanningRatio {
				spans = append(spans, s)
			}
		}
	}
	if len(spans) < 2*minColumnSegments {
		return nil
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].x0 < spans[j].x0 })

	type cluster struct {
		column
		n int
	}
	var clusters []cluster
	for _, s := range spans {
		if n := len(clusters); n > 0 && s.x0 <= clusters[n-1].x1 {
			clusters[n-1].x1 = math.Max(clusters[n-1].x1, s.x1)
			clusters[n-1].n++
			continue
		}
		clusters = append(clusters, cluster{column: column{s.x0, s.x1}, n: 1})
	}

	var cols []column
	for _, c := range clusters {
		if c.n >= minColumnSegments {
			cols = append(cols, c.column)
		}
	}
	if len(cols) < 2 {
		return nil
	}
	return cols
}

// emitColumns writes column content top to bottom, one column after the
// other. A spanning segment (heading, full-width paragraph) closes the
// current band so text above and below it keeps page order.
func emitColumns(lines []line, cols []column, width float64) string {
	band := make([][]string, len(cols))
	var out []string

	flushBand := func() {
		for i := range band {
			if len(band[i]) > 0 {
				out = append(out, strings.Join(band[i], "\n"))
				band[i] = nil
			}
		}
	}

	for _, l := range lines {
		for _, s := range l.segs {
			idx := columnOf(s, cols)
			if idx < 0 || s.x1-s.x0 > width*spanningRatio {
				flushBand()
				out = append(out, s.text)
				continue
			}
			band[idx] = append(band[idx], s.text)
		}
	}
	flushBand()
	return strings.Join(out, "\n")
}

func columnOf(s segment, cols []column) int {
	for i, c := range cols {
		if s.x0 >= c.x0-1 && s.x0 <= c.x1 {
			// A segment crossing into the next column is spanning.
			if i+1 < len(cols) && s.x1 > cols[i+1].x0 {
				return -1
			}
			return i
		}
	}
	return -1
}

func hasNonSpace(s string) bool {
	for _, r := range s {
		if !unicode.IsSpace(r) {
			return true
		}
	}
	return false
}

// normalizeText trims trailing blanks per line and drops control runes
// other than newlines and tabs.
func normalizeText(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) || r == unicode.ReplacementChar {
			return -1
		}
		return r
	}, s)
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRightFunc(l, unicode.IsSpace)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
