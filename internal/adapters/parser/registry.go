package parser

import (
	"context"
	"sort"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/0xcro3dile/docchat-go/internal/domain/apperrors"
	"github.com/0xcro3dile/docchat-go/internal/domain/entities"
)

// FormatParser extracts text from one media type.
type FormatParser interface {
	Extract(ctx context.Context, data []byte) (*entities.ExtractedText, error)
}

// Registry dispatches extraction by media type.
// Clean Architecture: implements ports.TextExtractor.
type Registry struct {
	parsers map[string]FormatParser
	log     zerolog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithParser registers or replaces the parser for a media type.
func WithParser(mediaType string, p FormatParser) Option {
	return func(r *Registry) {
		r.parsers[mediaType] = p
	}
}

// NewRegistry creates a registry with the in-process parsers for PDF, DOCX
// and plain text.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		parsers: map[string]FormatParser{
			entities.MediaTypePDF:  NewPDFParser(),
			entities.MediaTypeDOCX: NewDOCXParser(),
			entities.MediaTypeText: NewTextParser(),
		},
		log: log.With().Str("component", "parser").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Extract implements ports.TextExtractor.
func (r *Registry) Extract(ctx context.Context, data []byte, mediaType string) (*entities.ExtractedText, error) {
	mediaType = NormalizeMediaType(mediaType, "")
	p, ok := r.parsers[mediaType]
	if !ok {
		return nil, apperrors.ErrUnsupportedMediaType.Wrapf(nil, "unsupported media type %q", mediaType)
	}
	if !matchesDeclared(data, mediaType) {
		return nil, apperrors.ErrExtractionFailed.Wrapf(nil, "content sniffed as %s, declared %s", Sniff(data), mediaType)
	}

	text, err := p.Extract(ctx, data)
	if err != nil {
		r.log.Debug().Err(err).Str("media_type", mediaType).Int("bytes", len(data)).Msg("extraction failed")
		return nil, err
	}
	r.log.Debug().Str("media_type", mediaType).Int("pages", len(text.Pages)).Msg("text extracted")
	return text, nil
}

// SupportedMediaTypes implements ports.TextExtractor.
func (r *Registry) SupportedMediaTypes() []string {
	types := make([]string, 0, len(r.parsers))
	for mt := range r.parsers {
		types = append(types, mt)
	}
	sort.Strings(types)
	return types
}
