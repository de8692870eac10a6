package llm

import (
	"context"
	"fmt"
	"strings"
	"unicode"
)

// Chunker splits long text into sentence-aligned pieces small enough for an
// embedding model's context window.
type Chunker struct {
	MaxTokens int // default: 512
}

// Chunk splits text on sentence boundaries. Text that fits is returned as a
// single chunk; a single oversized sentence becomes its own chunk.
func (c Chunker) Chunk(text string) []string {
	if strings.TrimSpace(text) == "" {
		return []string{}
	}
	limit := c.MaxTokens
	if limit <= 0 {
		limit = 512
	}
	if EstimateTokens(text) <= limit {
		return []string{text}
	}

	var chunks []string
	var current strings.Builder
	tokens := 0
	for _, sentence := range splitSentences(text) {
		n := EstimateTokens(sentence)
		if tokens+n > limit && tokens > 0 {
			chunks = append(chunks, strings.TrimSpace(current.String()))
			current.Reset()
			tokens = 0
		}
		current.WriteString(sentence)
		tokens += n
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		chunks = append(chunks, s)
	}
	return chunks
}

// EstimateTokens approximates the token count at four characters per token.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// splitSentences splits on '.', '!' or '?' followed by whitespace and an
// upper-case letter or digit. Terminators and trailing spaces stay with
// their sentence.
func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder
	runes := []rune(text)

	for i := 0; i < len(runes); i++ {
		current.WriteRune(runes[i])
		if runes[i] != '.' && runes[i] != '!' && runes[i] != '?' {
			continue
		}
		j := i + 1
		for j < len(runes) && unicode.IsSpace(runes[j]) {
			j++
		}
		if j == i+1 {
			continue
		}
		if j < len(runes) && !unicode.IsUpper(runes[j]) && !unicode.IsDigit(runes[j]) {
			continue
		}
		current.WriteString(string(runes[i+1 : j]))
		sentences = append(sentences, current.String())
		current.Reset()
		i = j - 1
	}
	if strings.TrimSpace(current.String()) != "" {
		sentences = append(sentences, current.String())
	}
	return sentences
}

// EmbedLong embeds text chunk by chunk and returns the mean of the chunk
// vectors. Short text costs a single Embed call.
func EmbedLong(ctx context.Context, gen EmbeddingGenerator, chunker Chunker, text string) ([]float32, error) {
	chunks := chunker.Chunk(text)
	if len(chunks) == 0 {
		return nil, fmt.Errorf("nothing to embed")
	}
	if len(chunks) == 1 {
		return gen.Embed(ctx, chunks[0])
	}

	var sum []float64
	for i, chunk := range chunks {
		vec, err := gen.Embed(ctx, chunk)
		if err != nil {
			return nil, fmt.Errorf("failed to embed chunk %d/%d: %w", i+1, len(chunks), err)
		}
		if sum == nil {
			sum = make([]float64, len(vec))
		}
		if len(vec) != len(sum) {
			return nil, fmt.Errorf("embedding dimension changed between chunks: %d != %d", len(vec), len(sum))
		}
		for k, v := range vec {
			sum[k] += float64(v)
		}
	}

	mean := make([]float32, len(sum))
	for k, v := range sum {
		mean[k] = float32(v / float64(len(chunks)))
	}
	return mean, nil
}
