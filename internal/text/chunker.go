package text

import (
	"regexp"
	"strings"
	"unicode"

	"docqa/internal/extract"
)

// Options bounds chunk windows. Sizes count characters (runes).
type Options struct {
	MaxChars      int
	OverlapChars  int
	MinChars      int
	LookbackChars int
}

func DefaultOptions() Options {
	return Options{MaxChars: 1200, OverlapChars: 200, MinChars: 20, LookbackChars: 300}
}

// Draft is a chunk before it is assigned an id and stored.
// StartOffset is a rune offset into StartPage's text; EndOffset is an
// exclusive rune offset into EndPage's text.
type Draft struct {
	Ordinal     int
	Text        string
	Pages       []int
	StartPage   int
	EndPage     int
	StartOffset int
	EndOffset   int
}

type pageSpan struct {
	page       int
	start, end int // rune positions in the joined sequence buffer
}

// Chunk splits extracted pages into overlapping windows. Consecutive
// readable pages are joined so a sentence broken across a page boundary
// lands in one chunk; a failed page ends the run. Output depends only on
// the input and opts.
func Chunk(pages []extract.Page, opts Options) []Draft {
	opts = opts.normalized()

	var drafts []Draft
	for _, seq := range sequences(pages) {
		buf, spans := joinSequence(seq)
		for _, w := range windows(buf, opts) {
			text := string(buf[w[0]:w[1]])
			if countNonSpace(text) < opts.MinChars || IsNoiseChunk(text) {
				continue
			}
			d := Draft{Ordinal: len(drafts), Text: text}
			locate(&d, spans, w[0], w[1])
			drafts = append(drafts, d)
		}
	}
	return drafts
}

func (o Options) normalized() Options {
	if o.MaxChars <= 0 {
		o.MaxChars = DefaultOptions().MaxChars
	}
	if o.OverlapChars < 0 {
		o.OverlapChars = 0
	}
	if o.OverlapChars >= o.MaxChars {
		o.OverlapChars = o.MaxChars / 2
	}
	if o.LookbackChars < 0 {
		o.LookbackChars = 0
	}
	if o.LookbackChars >= o.MaxChars {
		o.LookbackChars = o.MaxChars - 1
	}
	return o
}

func sequences(pages []extract.Page) [][]extract.Page {
	var out [][]extract.Page
	var cur []extract.Page
	for _, p := range pages {
		if p.Failed {
			if len(cur) > 0 {
				out = append(out, cur)
			}
			cur = nil
			continue
		}
		cur = append(cur, p)
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

func joinSequence(seq []extract.Page) ([]rune, []pageSpan) {
	var buf []rune
	spans := make([]pageSpan, 0, len(seq))
	for i, p := range seq {
		if i > 0 {
			buf = append(buf, '\n')
		}
		start := len(buf)
		buf = append(buf, []rune(p.Text)...)
		spans = append(spans, pageSpan{page: p.Number, start: start, end: len(buf)})
	}
	return buf, spans
}

// windows returns [start, end) rune ranges with leading and trailing
// whitespace trimmed.
func windows(buf []rune, opts Options) [][2]int {
	var out [][2]int
	pos := 0
	for pos < len(buf) {
		for pos < len(buf) && unicode.IsSpace(buf[pos]) {
			pos++
		}
		if pos >= len(buf) {
			break
		}

		end := pos + opts.MaxChars
		if end >= len(buf) {
			end = len(buf)
		} else {
			end = breakPoint(buf, pos, end, opts.LookbackChars)
		}

		tEnd := end
		for tEnd > pos && unicode.IsSpace(buf[tEnd-1]) {
			tEnd--
		}
		if tEnd > pos {
			out = append(out, [2]int{pos, tEnd})
		}
		if end >= len(buf) {
			break
		}

		next := end - opts.OverlapChars
		// Start the overlap on a word boundary.
		for next > pos && next < end && !unicode.IsSpace(buf[next-1]) {
			next++
		}
		if next <= pos {
			next = end
		}
		pos = next
	}
	return out
}

// breakPoint picks where a full window ends: after the last sentence
// terminal within lookback of the hard end, else at the last whitespace,
// else at the hard end.
func breakPoint(buf []rune, start, hardEnd, lookback int) int {
	floor := hardEnd - lookback
	if floor <= start {
		floor = start + 1
	}
	for i := hardEnd; i > floor; i-- {
		if isTerminal(buf[i-1]) && (i == len(buf) || unicode.IsSpace(buf[i])) {
			return i
		}
	}
	for i := hardEnd; i > floor; i-- {
		if unicode.IsSpace(buf[i-1]) {
			return i
		}
	}
	return hardEnd
}

func isTerminal(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？':
		return true
	}
	return false
}

func locate(d *Draft, spans []pageSpan, start, end int) {
	for _, s := range spans {
		if s.start >= end {
			break
		}
		if s.start == s.end {
			// An empty page strictly inside the range still counts as touched.
			if s.start <= start {
				continue
			}
		} else if s.end <= start {
			continue
		}
		if len(d.Pages) == 0 {
			d.StartPage = s.page
			d.StartOffset = max(start-s.start, 0)
		}
		d.Pages = append(d.Pages, s.page)
		d.EndPage = s.page
		d.EndOffset = min(end, s.end) - s.start
	}
}

func countNonSpace(s string) int {
	n := 0
	for _, r := range s {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}

var pageNumberRe = regexp.MustCompile(`(?i)^(page\s+)?[-–—\s]*\d+[-–—\s]*(\s*(of|/)\s*\d+)?$`)

// IsNoiseChunk identifies chunks that are too low-value to embed, such as
// a lone page number or running footer.
func IsNoiseChunk(content string) bool {
	trimmed := strings.TrimSpace(content)
	if len(trimmed) == 0 {
		return true
	}
	for _, l := range strings.Split(trimmed, "\n") {
		l = strings.TrimSpace(l)
		if l != "" && !pageNumberRe.MatchString(l) {
			return false
		}
	}
	return true
}

// Sentences splits s after each sentence terminal that is followed by
// whitespace. Whitespace inside a sentence is collapsed to single spaces.
func Sentences(s string) []string {
	buf := []rune(s)
	var out []string
	start := 0
	for i, r := range buf {
		if !isTerminal(r) || (i+1 < len(buf) && !unicode.IsSpace(buf[i+1])) {
			continue
		}
		if sent := strings.Join(strings.Fields(string(buf[start:i+1])), " "); sent != "" {
			out = append(out, sent)
		}
		start = i + 1
	}
	if sent := strings.Join(strings.Fields(string(buf[start:])), " "); sent != "" {
		out = append(out, sent)
	}
	return out
}
