package store

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"github.com/0xcro3dile/docchat-go/internal/domain/entities"
)

type conversationModel struct {
	ID            string `gorm:"primaryKey;size:64"`
	UserID        string `gorm:"size:128;not null;index:idx_conversations_user_updated,priority:1"`
	Title         string `gorm:"size:512;not null"`
	LastStatus    string `gorm:"size:16;not null"`
	ExchangeCount int    `gorm:"not null"`
	CreatedAt     time.Time
	UpdatedAt     time.Time `gorm:"index:idx_conversations_user_updated,priority:2"`
}

func (conversationModel) TableName() string { return "conversations" }

type exchangeModel struct {
	ConversationID string `gorm:"primaryKey;size:64"`
	Idx            int    `gorm:"primaryKey;autoIncrement:false"`
	PromptText     string `gorm:"type:text;not null"`
	Document       datatypes.JSON
	ResponseText   string `gorm:"type:text;not null"`
	Citations      datatypes.JSON
	Status         string `gorm:"size:16;not null"`
	ErrorDetail    string `gorm:"type:text"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (exchangeModel) TableName() string { return "exchanges" }

// chunkRefModel is one committed chunk id. Position keeps ingestion order.
type chunkRefModel struct {
	ConversationID string `gorm:"primaryKey;size:64"`
	ChunkID        string `gorm:"primaryKey;size:160"`
	Position       int    `gorm:"not null"`
}

func (chunkRefModel) TableName() string { return "conversation_chunks" }

type documentModel struct {
	ConversationID string `gorm:"primaryKey;size:64"`
	ID             string `gorm:"primaryKey;size:64"`
	Filename       string `gorm:"size:512;not null"`
	MediaType      string `gorm:"size:255"`
	Size           int64
	Stage          string `gorm:"size:16;not null"`
	FailedStage    string `gorm:"size:16"`
	Error          string `gorm:"type:text"`
	ChunkCount     int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (documentModel) TableName() string { return "documents" }

type documentJSON struct {
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	MediaType string `json:"media_type"`
}

type citationJSON struct {
	Filename string `json:"filename"`
	Page     int    `json:"page"`
}

func marshalJSON(value any) (datatypes.JSON, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(data), nil
}

func encodeDocument(d *entities.DocumentDescriptor) (datatypes.JSON, error) {
	if d == nil {
		return nil, nil
	}
	return marshalJSON(documentJSON{Filename: d.Filename, Size: d.Size, MediaType: d.MediaType})
}

func encodeCitations(cs []entities.Citation) (datatypes.JSON, error) {
	if cs == nil {
		return nil, nil
	}
	out := make([]citationJSON, len(cs))
	for i, c := range cs {
		out[i] = citationJSON{Filename: c.Filename, Page: c.Page}
	}
	return marshalJSON(out)
}

func newExchangeModel(conversationID string, ex entities.Exchange) (exchangeModel, error) {
	doc, err := encodeDocument(ex.Prompt.Document)
	if err != nil {
		return exchangeModel{}, fmt.Errorf("encode document: %w", err)
	}
	cits, err := encodeCitations(ex.Response.Citations)
	if err != nil {
		return exchangeModel{}, fmt.Errorf("encode citations: %w", err)
	}
	return exchangeModel{
		ConversationID: conversationID,
		Idx:            ex.Index,
		PromptText:     ex.Prompt.Text,
		Document:       doc,
		ResponseText:   ex.Response.Text,
		Citations:      cits,
		Status:         string(ex.Status),
		ErrorDetail:    ex.ErrorDetail,
		CreatedAt:      ex.CreatedAt,
		UpdatedAt:      ex.UpdatedAt,
	}, nil
}

func (m exchangeModel) toEntity() (entities.Exchange, error) {
	ex := entities.Exchange{
		Index:       m.Idx,
		Prompt:      entities.Prompt{Text: m.PromptText},
		Response:    entities.Response{Text: m.ResponseText},
		Status:      entities.ExchangeStatus(m.Status),
		ErrorDetail: m.ErrorDetail,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
	if len(m.Document) > 0 && string(m.Document) != "null" {
		var d documentJSON
		if err := json.Unmarshal(m.Document, &d); err != nil {
			return ex, fmt.Errorf("decode document of exchange %d: %w", m.Idx, err)
		}
		ex.Prompt.Document = &entities.DocumentDescriptor{Filename: d.Filename, Size: d.Size, MediaType: d.MediaType}
	}
	if len(m.Citations) > 0 && string(m.Citations) != "null" {
		var cs []citationJSON
		if err := json.Unmarshal(m.Citations, &cs); err != nil {
			return ex, fmt.Errorf("decode citations of exchange %d: %w", m.Idx, err)
		}
		ex.Response.Citations = make([]entities.Citation, len(cs))
		for i, c := range cs {
			ex.Response.Citations[i] = entities.Citation{Filename: c.Filename, Page: c.Page}
		}
	}
	return ex, nil
}

func newConversationModel(c *entities.Conversation) conversationModel {
	m := conversationModel{
		ID:            c.ID,
		UserID:        c.UserID,
		Title:         c.Title,
		ExchangeCount: len(c.Exchanges),
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
	if last, ok := c.Last(); ok {
		m.LastStatus = string(last.Status)
	}
	return m
}

func (m conversationModel) toEntity() *entities.Conversation {
	return &entities.Conversation{
		ID:        m.ID,
		UserID:    m.UserID,
		Title:     m.Title,
		ChunkIDs:  []string{},
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func newDocumentModel(d *entities.DocumentRecord) documentModel {
	return documentModel{
		ConversationID: d.ConversationID,
		ID:             d.ID,
		Filename:       d.Filename,
		MediaType:      d.MediaType,
		Size:           d.Size,
		Stage:          string(d.Stage),
		FailedStage:    string(d.FailedStage),
		Error:          d.Error,
		ChunkCount:     d.ChunkCount,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}

func (m documentModel) toEntity() *entities.DocumentRecord {
	return &entities.DocumentRecord{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Filename:       m.Filename,
		MediaType:      m.MediaType,
		Size:           m.Size,
		Stage:          entities.IngestionStage(m.Stage),
		FailedStage:    entities.IngestionStage(m.FailedStage),
		Error:          m.Error,
		ChunkCount:     m.ChunkCount,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}
