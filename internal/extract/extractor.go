// Package extract turns PDF bytes into ordered per-page plain text.
package extract

import (
	"context"
	"errors"
)

// ErrUnreadablePDF is returned when the input is not a PDF, is corrupt
// throughout, or carries no extractable text (image-only scans).
var ErrUnreadablePDF = errors.New("unreadable pdf")

// Page is the text of one PDF page. Number is 1-based.
// A Failed page could not be parsed; its Text is empty and Reason says why.
type Page struct {
	Number int
	Text   string
	Failed bool
	Reason string
}

type Extractor interface {
	Extract(ctx context.Context, data []byte) ([]Page, error)
}

// HasText reports whether any non-failed page produced text.
func HasText(pages []Page) bool {
	for _, p := range pages {
		if !p.Failed && hasNonSpace(p.Text) {
			return true
		}
	}
	return false
}
