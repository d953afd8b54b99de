package models

// Document is one fetched page.
type Document struct {
	ID       string
	URL      string
	Title    string
	Content  string
	Metadata map[string]interface{}
}

// Chunk is a slice of a document's text prepared for embedding.
// Score is only set on chunks returned from a similarity query.
type Chunk struct {
	Index int
	URL   string
	Title string
	Text  string
	Score float32
}
