package models

// Format records how a document's text was obtained.
type Format string

const (
	FormatTeX Format = "tex"
	FormatPDF Format = "pdf"
)

// Document is the raw text fetched for one paper.
type Document struct {
	ID     string
	Text   string
	Format Format
}

// Chunk is a window of a document's body text. Section is empty when the
// window starts inside a figure/table float or before the first heading.
type Chunk struct {
	Text     string `json:"text"`
	Section  string `json:"section,omitempty"`
	SourceID string `json:"source_id"`
}

// ChunkRecord keeps a chunk and its embedding together so that both are kept
// or dropped as one unit. ID is the content hash of Chunk.Text.
type ChunkRecord struct {
	ID     string    `json:"id"`
	Chunk  Chunk     `json:"chunk"`
	Vector []float32 `json:"-"`
}

// SearchResult is one ranked corpus entry.
type SearchResult struct {
	Index      int
	Record     ChunkRecord
	Similarity float32
}
