package model

import "time"

// ContentType classifies the structural role of a chunk's source content.
type ContentType string

const (
	ContentText             ContentType = "text"
	ContentHeading          ContentType = "heading"
	ContentTable            ContentType = "table"
	ContentDiagramReference ContentType = "diagram_reference"
	ContentFormula          ContentType = "formula"
)

// BoundingBox is a page-percent rectangle locating content on a source page.
type BoundingBox struct {
	X0 float64 `json:"x0"`
	Y0 float64 `json:"y0"`
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
}

// Document is the minimal read-only reference to a corpus source the core
// cites against. Ingestion (creating/updating documents) is out of scope;
// the core only joins against this table to resolve a chunk's title/number
// for the hybrid-search boost and citation display.
type Document struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Number string `json:"number"` // e.g. "COLREGS Rule 15", used for the title/number RRF boost
}

// Chunk is an indexed unit of the maritime-regulation corpus, read-only to
// the core. SearchText returns the text that should be embedded and
// lexically indexed: ContextualContent when present, else Content.
type Chunk struct {
	ID                string        `json:"id"`
	DocumentID        string        `json:"documentId"`
	PageNumber        int           `json:"pageNumber"`
	ChunkIndex        int           `json:"chunkIndex"`
	Content           string        `json:"content"`
	ContextualContent *string       `json:"contextualContent,omitempty"`
	ContentType       ContentType   `json:"contentType"`
	Confidence        float64       `json:"confidence"`
	ImageURL          *string       `json:"imageUrl,omitempty"`
	BoundingBoxes     []BoundingBox `json:"boundingBoxes,omitempty"`
	Embedding         []float32     `json:"-"`
	CreatedAt         time.Time     `json:"createdAt"`
}

// SearchText returns the text used for both embedding and lexical indexing.
// SPEC_FULL.md §9 codifies this single accessor so the contextual_content
// fallback cannot diverge between the dense and sparse search paths.
func (c Chunk) SearchText() string {
	if c.ContextualContent != nil && *c.ContextualContent != "" {
		return *c.ContextualContent
	}
	return c.Content
}
