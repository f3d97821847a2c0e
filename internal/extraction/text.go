package extraction

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gen2brain/go-fitz"
)

var (
	// ErrUnreadablePDF is returned when the document cannot be opened or read
	ErrUnreadablePDF = errors.New("unreadable PDF")

	// ErrNoText is returned when the document has no extractable text
	ErrNoText = errors.New("no extractable text found in PDF")
)

// pageBreak separates the text of consecutive pages
const pageBreak = "\n\f\n"

// TextError wraps a text extraction failure. Kind is ErrUnreadablePDF or ErrNoText.
type TextError struct {
	Kind  error
	Cause error
}

func (e *TextError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%v: %v", e.Kind, e.Cause)
	}
	return e.Kind.Error()
}

func (e *TextError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Kind, e.Cause}
	}
	return []error{e.Kind}
}

// Document is the plain text of a PDF
type Document struct {
	Text  string
	Pages int
}

// TextExtractor converts a PDF into plain text
type TextExtractor interface {
	ExtractText(ctx context.Context, pdf []byte) (*Document, error)
}

// FitzExtractor extracts text with MuPDF
type FitzExtractor struct{}

// NewFitzExtractor creates a FitzExtractor
func NewFitzExtractor() *FitzExtractor {
	return &FitzExtractor{}
}

// ExtractText implements TextExtractor
func (e *FitzExtractor) ExtractText(ctx context.Context, pdf []byte) (*Document, error) {
	doc, err := fitz.NewFromMemory(pdf)
	if err != nil {
		return nil, &TextError{Kind: ErrUnreadablePDF, Cause: err}
	}
	defer doc.Close()

	pages := doc.NumPage()
	var b strings.Builder
	for i := 0; i < pages; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text, err := doc.Text(i)
		if err != nil {
			return nil, &TextError{Kind: ErrUnreadablePDF, Cause: fmt.Errorf("reading page %d: %w", i+1, err)}
		}
		if i > 0 {
			b.WriteString(pageBreak)
		}
		b.WriteString(text)
	}

	text := b.String()
	if strings.TrimSpace(strings.ReplaceAll(text, "\f", "")) == "" {
		return nil, &TextError{Kind: ErrNoText}
	}

	return &Document{Text: text, Pages: pages}, nil
}
