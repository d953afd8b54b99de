package processor

import (
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"
	"github.com/xhad/sitechat/internal/models"
)

const (
	SplitterRecursive = "recursive"
	SplitterSentence  = "sentence"
)

type ProcessorConfig struct {
	Splitter           string
	ChunkSize          int
	ChunkOverlap       int
	MinChunkLength     int
	RemoveStopwords    bool
	CustomStopwords    []string
	PreserveLineBreaks bool
}

type Processor struct {
	config   ProcessorConfig
	splitter textsplitter.TextSplitter
}

func NewWithConfig(config ProcessorConfig) *Processor {
	if config.Splitter == "" {
		config.Splitter = SplitterRecursive
	}
	if config.ChunkSize == 0 {
		config.ChunkSize = 1000
	}
	if config.ChunkOverlap == 0 {
		config.ChunkOverlap = 200
	}
	if config.ChunkOverlap >= config.ChunkSize {
		config.ChunkOverlap = config.ChunkSize / 5
	}
	if config.MinChunkLength == 0 {
		config.MinChunkLength = 20
	}

	p := &Processor{config: config}
	if config.Splitter == SplitterRecursive {
		p.splitter = textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(config.ChunkSize),
			textsplitter.WithChunkOverlap(config.ChunkOverlap),
		)
	}
	return p
}

// Process splits every document into chunks. Chunk indices run across
// all documents in order.
func (p *Processor) Process(docs []models.Document) ([]models.Chunk, error) {
	var chunks []models.Chunk

	for _, doc := range docs {
		cleanContent := p.cleanText(doc.Content)
		if cleanContent == "" {
			continue
		}

		texts, err := p.split(cleanContent)
		if err != nil {
			return nil, fmt.Errorf("failed to split %s: %w", doc.URL, err)
		}

		for _, text := range texts {
			text = strings.TrimSpace(text)
			if text == "" {
				continue
			}
			chunks = append(chunks, models.Chunk{
				Index: len(chunks),
				URL:   doc.URL,
				Title: doc.Title,
				Text:  text,
			})
		}
	}

	return chunks, nil
}

func (p *Processor) split(text string) ([]string, error) {
	switch p.config.Splitter {
	case SplitterRecursive:
		return p.splitter.SplitText(text)
	case SplitterSentence:
		return p.splitIntoChunks(text), nil
	default:
		return nil, fmt.Errorf("unknown splitter %q", p.config.Splitter)
	}
}

func (p *Processor) cleanText(text string) string {
	if p.config.PreserveLineBreaks {
		lines := strings.Split(text, "\n")
		for i, line := range lines {
			lines[i] = strings.Join(strings.Fields(line), " ")
		}
		text = strings.Join(lines, "\n")
	} else {
		// Replace multiple spaces with single space
		text = strings.Join(strings.Fields(text), " ")
	}

	// Remove stopwords if configured
	if p.config.RemoveStopwords {
		text = p.removeStopwords(text)
	}

	return strings.TrimSpace(text)
}

func (p *Processor) splitIntoChunks(text string) []string {
	var chunks []string

	// Split by sentences first
	sentences := p.splitIntoSentences(text)

	current := []rune{}

	for _, sentence := range sentences {
		// If adding this sentence would exceed chunk size
		if len(current) > 0 && len(current)+len([]rune(sentence)) > p.config.ChunkSize {
			// Save current chunk if it meets minimum length
			if len(current) >= p.config.MinChunkLength {
				chunks = append(chunks, strings.TrimSpace(string(current)))
			}

			// Start new chunk with overlap
			if p.config.ChunkOverlap > 0 && len(current) > p.config.ChunkOverlap {
				current = append([]rune{}, current[len(current)-p.config.ChunkOverlap:]...)
			} else {
				current = current[:0]
			}
		}

		current = append(current, []rune(sentence)...)
		current = append(current, ' ')
	}

	// Add the last chunk if it meets minimum length
	last := strings.TrimSpace(string(current))
	if len([]rune(last)) >= p.config.MinChunkLength || (len(chunks) == 0 && last != "") {
		chunks = append(chunks, last)
	}

	return chunks
}

func (p *Processor) splitIntoSentences(text string) []string {
	sentenceEnders := []string{". ", "! ", "? ", ".\n", "!\n", "?\n"}
	var sentences []string

	current := strings.Builder{}

	for i := 0; i < len(text); i++ {
		current.WriteByte(text[i])

		// Check for sentence endings
		for _, ender := range sentenceEnders {
			if strings.HasSuffix(current.String(), ender) {
				sentences = append(sentences, strings.TrimSpace(current.String()))
				current.Reset()
				break
			}
		}
	}

	// Add any remaining text
	if rest := strings.TrimSpace(current.String()); rest != "" {
		sentences = append(sentences, rest)
	}

	return sentences
}

func (p *Processor) removeStopwords(text string) string {
	words := strings.Fields(text)
	var filtered []string

	stopwords := make(map[string]bool)
	for _, w := range getStopwords() {
		stopwords[w] = true
	}
	for _, w := range p.config.CustomStopwords {
		stopwords[strings.ToLower(w)] = true
	}

	for _, word := range words {
		if !stopwords[strings.ToLower(word)] {
			filtered = append(filtered, word)
		}
	}

	return strings.Join(filtered, " ")
}

// Common English stopwords
func getStopwords() []string {
	return []string{
		"a", "an", "and", "are", "as", "at", "be", "by", "for",
		"from", "has", "he", "in", "is", "it", "its", "of", "on",
		"that", "the", "to", "was", "were", "will", "with",
	}
}
