package parser

import (
	"bytes"
	"context"
	"strings"
	"unicode/utf8"

	"github.com/0xcro3dile/docchat-go/internal/domain/apperrors"
	"github.com/0xcro3dile/docchat-go/internal/domain/entities"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// TextParser handles plain text and markdown.
type TextParser struct{}

// NewTextParser creates a new plain text parser.
func NewTextParser() *TextParser {
	return &TextParser{}
}

// Extract validates UTF-8 and splits pages on form feeds.
func (p *TextParser) Extract(ctx context.Context, data []byte) (*entities.ExtractedText, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if !utf8.Valid(data) {
		return nil, apperrors.ErrExtractionFailed.Wrap(nil, "text is not valid UTF-8")
	}
	pages := strings.Split(string(data), "\f")
	return &entities.ExtractedText{Pages: pages, Paginated: len(pages) > 1}, nil
}
