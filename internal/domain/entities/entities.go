// Package entities contains core business entities.
// These are pure domain objects with no knowledge of storage, transport or models.
package entities

import "time"

// ExchangeStatus is the lifecycle state of a single transcript turn.
type ExchangeStatus string

const (
	StatusPending   ExchangeStatus = "pending"
	StatusCompleted ExchangeStatus = "completed"
	StatusError     ExchangeStatus = "error"
)

// Valid reports whether s is a known status.
func (s ExchangeStatus) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusError:
		return true
	}
	return false
}

// Conversation is a user's chat session and the grounding documents attached to it.
// It is mutated only through the transcript engine.
type Conversation struct {
	ID        string
	UserID    string
	Title     string
	Exchanges []Exchange
	ChunkIDs  []string // committed chunk ids, in ingestion order
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Last returns the tail exchange, or false when the transcript is empty.
func (c *Conversation) Last() (Exchange, bool) {
	if len(c.Exchanges) == 0 {
		return Exchange{}, false
	}
	return c.Exchanges[len(c.Exchanges)-1], true
}

// HasPending reports whether the tail exchange still awaits a response.
func (c *Conversation) HasPending() bool {
	last, ok := c.Last()
	return ok && last.Status == StatusPending
}

// History returns up to limit completed turns that precede index, oldest
// first. Failed and pending exchanges are skipped.
func (c *Conversation) History(index, limit int) []Turn {
	if limit <= 0 {
		return nil
	}
	if index > len(c.Exchanges) {
		index = len(c.Exchanges)
	}
	var turns []Turn
	for i := index - 1; i >= 0 && len(turns) < limit; i-- {
		ex := c.Exchanges[i]
		if ex.Status != StatusCompleted {
			continue
		}
		turns = append(turns, Turn{Question: ex.Prompt.Text, Answer: ex.Response.Text})
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns
}

// HasChunk reports whether id belongs to the committed chunk set.
func (c *Conversation) HasChunk(id string) bool {
	for _, cid := range c.ChunkIDs {
		if cid == id {
			return true
		}
	}
	return false
}

// Exchange is one prompt/response turn.
type Exchange struct {
	Index       int
	Prompt      Prompt
	Response    Response
	Status      ExchangeStatus
	ErrorDetail string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Prompt is the user side of an exchange.
type Prompt struct {
	Text     string
	Document *DocumentDescriptor
}

// Response is the generated side of an exchange. Empty until produced.
type Response struct {
	Text      string
	Citations []Citation
}

// Citation points back at the source of a grounding passage.
// Page is 1-based; 0 means the page could not be derived.
type Citation struct {
	Filename string
	Page     int
}

// Turn is a completed question and answer handed to the generator as context.
type Turn struct {
	Question string
	Answer   string
}

// Answer is the result of the retrieval/answer pipeline.
type Answer struct {
	Text      string
	Citations []Citation
	Passages  []ScoredChunk
}
