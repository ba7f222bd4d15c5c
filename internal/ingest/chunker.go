package ingest

import (
	"strings"
	"unicode/utf8"
)

// Chunk is one slice of document text before embedding.
type Chunk struct {
	Index     int
	Content   string
	StartChar int
	EndChar   int
	Type      string // "title" or "content"
}

// ChunkText splits text into overlapping chunks of at most chunkSize runes.
// Splits prefer paragraph then sentence then word boundaries near the limit;
// overlap carries trailing context into the next chunk.
func ChunkText(text string, chunkSize, overlap int) []Chunk {
	if chunkSize <= 0 {
		chunkSize = 512
	}
	if overlap < 0 || overlap >= chunkSize {
		overlap = 0
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	runes := []rune(text)
	var chunks []Chunk
	start := 0

	for start < len(runes) {
		end := start + chunkSize
		if end >= len(runes) {
			end = len(runes)
		} else {
			end = splitPoint(runes, start, end)
		}

		content := strings.TrimSpace(string(runes[start:end]))
		if content != "" {
			chunks = append(chunks, Chunk{
				Index:     len(chunks),
				Content:   content,
				StartChar: start,
				EndChar:   end,
				Type:      "content",
			})
		}

		if end == len(runes) {
			break
		}
		next := end - overlap
		if next <= start {
			next = start + 1
		}
		start = next
	}

	return chunks
}

// splitPoint walks backwards from the hard limit looking for a natural
// boundary, searching at most a quarter of the chunk.
func splitPoint(runes []rune, start, limit int) int {
	minSplit := limit - (limit-start)/4

	for i := limit; i > minSplit; i-- {
		if runes[i-1] == '\n' {
			return i
		}
	}
	for i := limit; i > minSplit; i-- {
		if runes[i-1] == '.' || runes[i-1] == '!' || runes[i-1] == '?' {
			return i
		}
	}
	for i := limit; i > minSplit; i-- {
		if runes[i-1] == ' ' {
			return i
		}
	}
	return limit
}

// TitleChunk builds the dedicated leading chunk for a document title.
func TitleChunk(title string) Chunk {
	content := "Document Title: " + strings.TrimSpace(title)
	return Chunk{
		Index:     0,
		Content:   content,
		StartChar: 0,
		EndChar:   utf8.RuneCountInString(content),
		Type:      "title",
	}
}

// CountWords returns the whitespace-delimited word count.
func CountWords(text string) int {
	return len(strings.Fields(text))
}
