package parser

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"io"
	"strings"

	"github.com/0xcro3dile/docchat-go/internal/domain/apperrors"
	"github.com/0xcro3dile/docchat-go/internal/domain/entities"
)

const docxBody = "word/document.xml"

// maxDocumentXML caps the decompressed size of word/document.xml.
const maxDocumentXML = 64 << 20

// DOCXParser reads the main document part of an Office Open XML file.
type DOCXParser struct{}

// NewDOCXParser creates a new DOCX parser.
func NewDOCXParser() *DOCXParser {
	return &DOCXParser{}
}

// Extract returns the document text. Paragraphs become lines and explicit
// page breaks start a new page.
func (p *DOCXParser) Extract(ctx context.Context, data []byte) (*entities.ExtractedText, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, apperrors.ErrExtractionFailed.Wrap(err, "open docx container")
	}

	var body *zip.File
	for _, f := range zr.File {
		if f.Name == docxBody {
			body = f
			break
		}
	}
	if body == nil {
		return nil, apperrors.ErrExtractionFailed.Wrap(nil, "docx has no "+docxBody)
	}

	rc, err := body.Open()
	if err != nil {
		return nil, apperrors.ErrExtractionFailed.Wrap(err, "open "+docxBody)
	}
	defer rc.Close()

	pages, err := walkDocument(ctx, io.LimitReader(rc, maxDocumentXML))
	if err != nil {
		return nil, apperrors.ErrExtractionFailed.Wrap(err, "parse "+docxBody)
	}
	return &entities.ExtractedText{Pages: pages, Paginated: len(pages) > 1}, nil
}

// walkDocument streams the WordprocessingML tokens. Only text runs, tabs,
// line and page breaks, and paragraph ends matter.
func walkDocument(ctx context.Context, r io.Reader) ([]string, error) {
	dec := xml.NewDecoder(r)
	var (
		pages  []string
		page   strings.Builder
		inText bool
	)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				page.WriteByte('\t')
			case "br", "cr":
				if t.Name.Local == "br" && breakType(t) == "page" {
					pages = append(pages, page.String())
					page.Reset()
					continue
				}
				page.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				page.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				page.Write(t)
			}
		}
	}
	pages = append(pages, page.String())
	return pages, nil
}

func breakType(el xml.StartElement) string {
	for _, a := range el.Attr {
		if a.Name.Local == "type" {
			return a.Value
		}
	}
	return ""
}
