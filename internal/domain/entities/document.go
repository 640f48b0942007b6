package entities

import "time"

// Supported media types for uploaded documents.
const (
	MediaTypePDF  = "application/pdf"
	MediaTypeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MediaTypeText = "text/plain"
)

// DocumentDescriptor describes an attached file. Raw bytes are never part of it.
type DocumentDescriptor struct {
	Filename  string
	Size      int64
	MediaType string
}

// Upload is a file delivered by the transport, bytes included.
// The bytes are discarded once extraction finishes.
type Upload struct {
	Filename  string
	MediaType string
	Data      []byte
}

// Descriptor returns the persistable part of the upload.
func (u Upload) Descriptor() DocumentDescriptor {
	return DocumentDescriptor{
		Filename:  u.Filename,
		Size:      int64(len(u.Data)),
		MediaType: u.MediaType,
	}
}

// ExtractedText is the plain text of a document, one entry per page.
// Sources without pagination produce a single page.
type ExtractedText struct {
	Pages     []string
	Paginated bool // false when page numbers are meaningless (plain text without form feeds)
}

// Chunk is a passage of a document within one conversation.
// Start and End are rune offsets into the cleaned document text.
type Chunk struct {
	ID             string
	DocumentID     string
	ConversationID string
	Filename       string
	Seq            int
	Start          int
	End            int
	Text           string
	Page           int
	Embedding      []float32
}

// ScoredChunk is a retrieval hit. Higher score means more relevant.
type ScoredChunk struct {
	Chunk Chunk
	Score float64
}

// IngestionStage names the steps of the ingestion state machine.
type IngestionStage string

const (
	StageReceived  IngestionStage = "received"
	StageExtracted IngestionStage = "extracted"
	StageCleaned   IngestionStage = "cleaned"
	StageChunked   IngestionStage = "chunked"
	StageEmbedded  IngestionStage = "embedded"
	StageStored    IngestionStage = "stored"
	StageDone      IngestionStage = "done"
	StageFailed    IngestionStage = "failed"
)

// DocumentRecord tracks one document's ingestion within a conversation.
type DocumentRecord struct {
	ID             string
	ConversationID string
	Filename       string
	MediaType      string
	Size           int64
	Stage          IngestionStage
	FailedStage    IngestionStage
	Error          string
	ChunkCount     int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IngestionResult is returned when a document reaches StageDone.
type IngestionResult struct {
	DocumentID string
	ChunkIDs   []string
	Stage      IngestionStage
}
