package parser

import (
	"bytes"
	"context"
	"fmt"

	"github.com/ledongthuc/pdf"

	"github.com/0xcro3dile/docchat-go/internal/domain/apperrors"
	"github.com/0xcro3dile/docchat-go/internal/domain/entities"
)

// PDFParser extracts page text in-process.
type PDFParser struct{}

// NewPDFParser creates a new in-process PDF parser.
func NewPDFParser() *PDFParser {
	return &PDFParser{}
}

// Parse returns one string per PDF page. The pdf library panics on some
// malformed inputs, so panics are turned into extraction errors.
func (p *PDFParser) Parse(ctx context.Context, data []byte) (pages []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			pages = nil
			err = apperrors.ErrExtractionFailed.Wrapf(fmt.Errorf("%v", r), "malformed pdf")
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, apperrors.ErrExtractionFailed.Wrap(err, "open pdf")
	}

	n := reader.NumPage()
	pages = make([]string, 0, n)
	fonts := make(map[string]*pdf.Font)
	for i := 1; i <= n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		for _, name := range page.Fonts() {
			if _, ok := fonts[name]; !ok {
				f := page.Font(name)
				fonts[name] = &f
			}
		}
		text, err := page.GetPlainText(fonts)
		if err != nil {
			return nil, apperrors.ErrExtractionFailed.Wrapf(err, "read page %d", i)
		}
		pages = append(pages, text)
	}
	return pages, nil
}

// Extract implements the single-format extractor contract.
func (p *PDFParser) Extract(ctx context.Context, data []byte) (*entities.ExtractedText, error) {
	pages, err := p.Parse(ctx, data)
	if err != nil {
		return nil, err
	}
	return &entities.ExtractedText{Pages: pages, Paginated: true}, nil
}
