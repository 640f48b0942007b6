package parser

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/0xcro3dile/docchat-go/internal/domain/apperrors"
	"github.com/0xcro3dile/docchat-go/internal/domain/entities"
)

// RemotePDFParser delegates PDF extraction to an external parsing service.
// Dependency Inversion: Usecases depend on TextExtractor, not this.
type RemotePDFParser struct {
	serviceURL string
	client     *resty.Client
}

// NewRemotePDFParser creates a parser that posts PDF bytes to serviceURL.
func NewRemotePDFParser(serviceURL string, timeout time.Duration) *RemotePDFParser {
	if serviceURL == "" {
		serviceURL = "http://localhost:8081"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	serviceURL = strings.TrimRight(serviceURL, "/")
	return &RemotePDFParser{
		serviceURL: serviceURL,
		client: resty.New().
			SetBaseURL(serviceURL).
			SetTimeout(timeout),
	}
}

// parseResponse is the parsing service response format.
type parseResponse struct {
	Text      string   `json:"text"`
	Pages     int      `json:"pages"`
	PageTexts []string `json:"page_texts,omitempty"`
	Library   string   `json:"library,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// Parse sends the PDF to the service and returns its page texts. Services
// that only return the joined text are expected to separate pages with
// form feeds.
func (p *RemotePDFParser) Parse(ctx context.Context, data []byte) ([]string, error) {
	var result parseResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/octet-stream").
		SetBody(data).
		SetResult(&result).
		SetError(&result).
		ForceContentType("application/json").
		Post("/parse")
	if err != nil {
		return nil, apperrors.ErrUnavailable.Wrap(err, "calling PDF service")
	}
	if result.Error != "" {
		return nil, apperrors.ErrExtractionFailed.Wrapf(nil, "PDF parse error: %s", result.Error)
	}
	if resp.IsError() {
		if resp.StatusCode() >= http.StatusInternalServerError {
			return nil, apperrors.ErrUnavailable.Wrapf(nil, "PDF service returned %d", resp.StatusCode())
		}
		return nil, apperrors.ErrExtractionFailed.Wrapf(nil, "PDF service returned %d", resp.StatusCode())
	}

	if len(result.PageTexts) > 0 {
		return result.PageTexts, nil
	}
	return strings.Split(result.Text, "\f"), nil
}

// Extract implements the single-format extractor contract.
func (p *RemotePDFParser) Extract(ctx context.Context, data []byte) (*entities.ExtractedText, error) {
	pages, err := p.Parse(ctx, data)
	if err != nil {
		return nil, err
	}
	return &entities.ExtractedText{Pages: pages, Paginated: true}, nil
}

// IsServiceHealthy checks if the parsing service is running.
func (p *RemotePDFParser) IsServiceHealthy(ctx context.Context) bool {
	resp, err := p.client.R().SetContext(ctx).Get("/health")
	if err != nil {
		return false
	}
	return resp.StatusCode() == http.StatusOK
}
