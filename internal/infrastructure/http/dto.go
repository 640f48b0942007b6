package http

import (
	"time"

	"github.com/0xcro3dile/docchat-go/internal/domain/entities"
)

type documentDescriptorDTO struct {
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	MediaType string `json:"media_type"`
}

type promptDTO struct {
	Text     string                 `json:"text"`
	Document *documentDescriptorDTO `json:"document"`
}

type citationDTO struct {
	Filename string `json:"filename"`
	Page     int    `json:"page"`
}

type responseDTO struct {
	Text      string        `json:"text"`
	Citations []citationDTO `json:"citations"`
}

type exchangeDTO struct {
	Index       int         `json:"index"`
	Prompt      promptDTO   `json:"prompt"`
	Response    responseDTO `json:"response"`
	Status      string      `json:"status"`
	ErrorDetail string      `json:"error_detail,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

type conversationDTO struct {
	ID         string        `json:"id"`
	Title      string        `json:"title"`
	Exchanges  []exchangeDTO `json:"exchanges,omitempty"`
	ChunkCount int           `json:"chunk_count"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

type documentDTO struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	MediaType   string    `json:"media_type"`
	Size        int64     `json:"size"`
	Stage       string    `json:"stage"`
	FailedStage string    `json:"failed_stage,omitempty"`
	Error       string    `json:"error,omitempty"`
	ChunkCount  int       `json:"chunk_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type passageDTO struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Filename   string  `json:"filename"`
	Page       int     `json:"page"`
	Score      float64 `json:"score"`
	Text       string  `json:"text"`
}

type ingestionDTO struct {
	DocumentID string `json:"document_id"`
	ChunkCount int    `json:"chunk_count"`
	Stage      string `json:"stage"`
}

type turnDTO struct {
	Exchange  exchangeDTO   `json:"exchange"`
	Passages  []passageDTO  `json:"passages"`
	Ingestion *ingestionDTO `json:"ingestion,omitempty"`
}

func toCitationDTOs(cs []entities.Citation) []citationDTO {
	out := make([]citationDTO, len(cs))
	for i, c := range cs {
		out[i] = citationDTO{Filename: c.Filename, Page: c.Page}
	}
	return out
}

func toExchangeDTO(ex entities.Exchange) exchangeDTO {
	dto := exchangeDTO{
		Index:       ex.Index,
		Prompt:      promptDTO{Text: ex.Prompt.Text},
		Response:    responseDTO{Text: ex.Response.Text, Citations: toCitationDTOs(ex.Response.Citations)},
		Status:      string(ex.Status),
		ErrorDetail: ex.ErrorDetail,
		CreatedAt:   ex.CreatedAt,
		UpdatedAt:   ex.UpdatedAt,
	}
	if d := ex.Prompt.Document; d != nil {
		dto.Prompt.Document = &documentDescriptorDTO{Filename: d.Filename, Size: d.Size, MediaType: d.MediaType}
	}
	return dto
}

func toConversationDTO(c *entities.Conversation, withExchanges bool) conversationDTO {
	dto := conversationDTO{
		ID:         c.ID,
		Title:      c.Title,
		ChunkCount: len(c.ChunkIDs),
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
	}
	if withExchanges {
		dto.Exchanges = make([]exchangeDTO, len(c.Exchanges))
		for i, ex := range c.Exchanges {
			dto.Exchanges[i] = toExchangeDTO(ex)
		}
	}
	return dto
}

func toDocumentDTO(d *entities.DocumentRecord) documentDTO {
	return documentDTO{
		ID:          d.ID,
		Filename:    d.Filename,
		MediaType:   d.MediaType,
		Size:        d.Size,
		Stage:       string(d.Stage),
		FailedStage: string(d.FailedStage),
		Error:       d.Error,
		ChunkCount:  d.ChunkCount,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

func toPassageDTOs(ps []entities.ScoredChunk) []passageDTO {
	out := make([]passageDTO, len(ps))
	for i, p := range ps {
		out[i] = passageDTO{
			ChunkID:    p.Chunk.ID,
			DocumentID: p.Chunk.DocumentID,
			Filename:   p.Chunk.Filename,
			Page:       p.Chunk.Page,
			Score:      p.Score,
			Text:       p.Chunk.Text,
		}
	}
	return out
}

func toIngestionDTO(r *entities.IngestionResult) *ingestionDTO {
	if r == nil {
		return nil
	}
	return &ingestionDTO{DocumentID: r.DocumentID, ChunkCount: len(r.ChunkIDs), Stage: string(r.Stage)}
}
