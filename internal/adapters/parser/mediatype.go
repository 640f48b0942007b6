// Package parser provides document text extraction adapters.
// Clean Architecture: Adapters implementing ports.TextExtractor.
package parser

import (
	"mime"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/0xcro3dile/docchat-go/internal/domain/entities"
)

var aliases = map[string]string{
	"pdf":                  entities.MediaTypePDF,
	"application/pdf":      entities.MediaTypePDF,
	"application/x-pdf":    entities.MediaTypePDF,
	"docx":                 entities.MediaTypeDOCX,
	entities.MediaTypeDOCX: entities.MediaTypeDOCX,
	"txt":                  entities.MediaTypeText,
	"text":                 entities.MediaTypeText,
	"md":                   entities.MediaTypeText,
	"markdown":             entities.MediaTypeText,
	entities.MediaTypeText: entities.MediaTypeText,
	"text/markdown":        entities.MediaTypeText,
	"text/x-markdown":      entities.MediaTypeText,
}

var extensions = map[string]string{
	".pdf":      entities.MediaTypePDF,
	".docx":     entities.MediaTypeDOCX,
	".txt":      entities.MediaTypeText,
	".text":     entities.MediaTypeText,
	".md":       entities.MediaTypeText,
	".markdown": entities.MediaTypeText,
}

// NormalizeMediaType maps a declared media type or alias to its canonical
// form. An empty or generic declaration falls back to the filename
// extension. Unknown types are returned lower-cased without parameters so
// the caller can report them.
func NormalizeMediaType(declared, filename string) string {
	mt := strings.ToLower(strings.TrimSpace(declared))
	if parsed, _, err := mime.ParseMediaType(mt); err == nil {
		mt = parsed
	}
	if canonical, ok := aliases[mt]; ok {
		return canonical
	}
	if mt == "" || mt == "application/octet-stream" {
		if canonical, ok := extensions[strings.ToLower(filepath.Ext(filename))]; ok {
			return canonical
		}
	}
	return mt
}

// Sniff reports the media type detected from the content itself.
func Sniff(data []byte) string {
	return mimetype.Detect(data).String()
}

// matchesDeclared checks that binary formats really are what the caller
// declared. Plain text is validated by its own extractor.
func matchesDeclared(data []byte, mediaType string) bool {
	detected := mimetype.Detect(data)
	switch mediaType {
	case entities.MediaTypePDF:
		return detected.Is(entities.MediaTypePDF)
	case entities.MediaTypeDOCX:
		// some writers produce archives that only sniff as plain zip
		return detected.Is(entities.MediaTypeDOCX) || detected.Is("application/zip")
	default:
		return true
	}
}
