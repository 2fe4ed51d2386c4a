package extract

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/ledongthuc/pdf"
)

// PDFExtractor reads text with ledongthuc/pdf. The library panics on some
// malformed content streams, so every page is parsed under recover.
type PDFExtractor struct {
	// ScanPageChars is the per-page character count under which a page is
	// counted as image-like when warning about partially scanned documents.
	ScanPageChars int
}

func NewPDFExtractor() *PDFExtractor {
	return &PDFExtractor{ScanPageChars: 50}
}

func (e *PDFExtractor) Extract(ctx context.Context, data []byte) ([]Page, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrUnreadablePDF)
	}

	r, err := openReader(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadablePDF, err)
	}

	n := r.NumPage()
	if n == 0 {
		return nil, fmt.Errorf("%w: document has no pages", ErrUnreadablePDF)
	}

	pages := make([]Page, 0, n)
	failed, sparse := 0, 0
	for i := 1; i <= n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := extractPage(r, i)
		if p.Failed {
			failed++
			slog.WarnContext(ctx, "pdf page extraction failed", "page", i, "reason", p.Reason)
		} else if len([]rune(p.Text)) < e.ScanPageChars {
			sparse++
		}
		pages = append(pages, p)
	}

	if failed == n {
		return nil, fmt.Errorf("%w: no page could be parsed", ErrUnreadablePDF)
	}
	if !HasText(pages) {
		return nil, fmt.Errorf("%w: no extractable text (image-only or scanned document)", ErrUnreadablePDF)
	}
	if sparse*10 >= n*3 {
		slog.WarnContext(ctx, "document looks partially scanned", "pages", n, "sparse_pages", sparse)
	}

	return pages, nil
}

func openReader(data []byte) (r *pdf.Reader, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r, err = nil, fmt.Errorf("pdf parser panic: %v", rec)
		}
	}()
	return pdf.NewReader(bytes.NewReader(data), int64(len(data)))
}

func extractPage(r *pdf.Reader, num int) (page Page) {
	page.Number = num
	defer func() {
		if rec := recover(); rec != nil {
			page = Page{Number: num, Failed: true, Reason: fmt.Sprintf("parser panic: %v", rec)}
		}
	}()

	p := r.Page(num)
	if p.V.IsNull() {
		return Page{Number: num, Failed: true, Reason: "missing page object"}
	}

	content := p.Content()
	glyphs := make([]glyph, 0, len(content.Text))
	for _, t := range content.Text {
		glyphs = append(glyphs, glyph{x: t.X, y: t.Y, w: t.W, size: t.FontSize, s: t.S})
	}

	text, ok := layoutText(glyphs)
	if !ok || (text == "" && len(glyphs) > 0) {
		plain, err := p.GetPlainText(nil)
		if err != nil {
			return Page{Number: num, Failed: true, Reason: err.Error()}
		}
		text = plain
	}

	page.Text = normalizeText(text)
	return page
}
