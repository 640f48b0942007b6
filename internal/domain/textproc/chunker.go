package textproc

import (
	"errors"
	"fmt"
	"unicode"
)

// Default chunking parameters, in characters (runes).
const (
	DefaultMaxChunkSize = 1000
	DefaultOverlap      = 200
)

// TextChunk is one window of the input. Start and End are rune offsets,
// Text is exactly runes[Start:End].
type TextChunk struct {
	Seq   int
	Start int
	End   int
	Text  string
}

// ChunkerConfig tunes the chunker. Zero values select defaults.
type ChunkerConfig struct {
	MaxChunkSize int
	Overlap      int
	// Lookback bounds how far a cut may retreat to reach a sentence or
	// paragraph boundary. Defaults to MaxChunkSize/5.
	Lookback int
	// HardCuts disables boundary retreat entirely.
	HardCuts bool
}

// Chunker splits cleaned document text into overlapping windows.
type Chunker struct {
	maxSize  int
	overlap  int
	lookback int
	hard     bool
}

// NewChunker validates cfg and returns a chunker.
func NewChunker(cfg ChunkerConfig) (*Chunker, error) {
	if cfg.MaxChunkSize == 0 {
		cfg.MaxChunkSize = DefaultMaxChunkSize
		if cfg.Overlap == 0 {
			cfg.Overlap = DefaultOverlap
		}
	}
	if cfg.MaxChunkSize < 0 {
		return nil, errors.New("max chunk size must be positive")
	}
	if cfg.Overlap < 0 || cfg.Overlap >= cfg.MaxChunkSize {
		return nil, fmt.Errorf("overlap %d must be in [0, %d)", cfg.Overlap, cfg.MaxChunkSize)
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = cfg.MaxChunkSize / 5
	}
	return &Chunker{
		maxSize:  cfg.MaxChunkSize,
		overlap:  cfg.Overlap,
		lookback: cfg.Lookback,
		hard:     cfg.HardCuts,
	}, nil
}

// Split returns the chunks of text in order. Empty text yields nil.
func (c *Chunker) Split(text string) []TextChunk {
	runes := []rune(text)
	n := len(runes)
	if n == 0 {
		return nil
	}

	var chunks []TextChunk
	start := 0
	for {
		end := start + c.maxSize
		if end > n {
			end = n
		}
		if end < n && !c.hard {
			if cut := c.boundary(runes, start, end); cut > 0 {
				end = cut
			}
		}

		chunks = append(chunks, TextChunk{
			Seq:   len(chunks),
			Start: start,
			End:   end,
			Text:  string(runes[start:end]),
		})
		if end >= n {
			return chunks
		}

		next := end - c.overlap
		if next <= start {
			next = end
		}
		start = next
	}
}

// boundary finds the best cut in (end-lookback, end]. Paragraph breaks win
// over sentence ends; the nearest one to end wins within each class.
// Returns 0 when no usable boundary exists.
func (c *Chunker) boundary(runes []rune, start, end int) int {
	// the next window must still start after this one
	floor := start + c.overlap + 1
	if lb := end - c.lookback; lb > floor {
		floor = lb
	}

	sentence := 0
	for i := end; i >= floor; i-- {
		// cut at i means runes[i-1] is the last rune of the chunk
		if i >= 2 && runes[i-1] == '\n' && runes[i-2] == '\n' {
			return i
		}
		if sentence == 0 && i >= 2 && i < len(runes) && isSentenceEnd(runes[i-2]) && unicode.IsSpace(runes[i-1]) {
			sentence = i
		}
	}
	return sentence
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

// ExpectedChunks is the nominal chunk count for n runes with hard cuts.
func ExpectedChunks(n, maxSize, overlap int) int {
	if n == 0 {
		return 0
	}
	if n <= maxSize {
		return 1
	}
	step := maxSize - overlap
	return (n - overlap + step - 1) / step
}
