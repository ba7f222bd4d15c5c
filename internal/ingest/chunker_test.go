package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkTextEmpty(t *testing.T) {
	assert.Nil(t, ChunkText("", 512, 64))
	assert.Nil(t, ChunkText("   \n  ", 512, 64))
}

func TestChunkTextSingleChunk(t *testing.T) {
	chunks := ChunkText("short text", 512, 64)
	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, "short text", chunks[0].Content)
	assert.Equal(t, "content", chunks[0].Type)
}

func TestChunkTextContiguousIndexes(t *testing.T) {
	text := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 100)
	chunks := ChunkText(text, 200, 40)
	require.Greater(t, len(chunks), 3)

	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.LessOrEqual(t, len([]rune(c.Content)), 200)
		assert.NotEmpty(t, c.Content)
	}
}

func TestChunkTextOverlapCoversAllContent(t *testing.T) {
	text := strings.Repeat("alpha beta gamma delta epsilon. ", 60)
	chunks := ChunkText(text, 150, 30)

	// Every rune of the source is covered by some chunk range.
	last := 0
	for _, c := range chunks {
		assert.LessOrEqual(t, c.StartChar, last, "chunks must not leave gaps")
		if c.EndChar > last {
			last = c.EndChar
		}
	}
	assert.Equal(t, len([]rune(strings.TrimSpace(text))), last)
}

func TestChunkTextPrefersSentenceBoundary(t *testing.T) {
	text := "First sentence here. Second sentence follows after. " + strings.Repeat("x", 100)
	chunks := ChunkText(text, 60, 0)
	require.NotEmpty(t, chunks)
	assert.True(t, strings.HasSuffix(chunks[0].Content, "."),
		"expected sentence-boundary split, got %q", chunks[0].Content)
}

func TestTitleChunk(t *testing.T) {
	c := TitleChunk("  Q3 Report  ")
	assert.Equal(t, "Document Title: Q3 Report", c.Content)
	assert.Equal(t, 0, c.Index)
	assert.Equal(t, "title", c.Type)
}

func TestCountWords(t *testing.T) {
	assert.Equal(t, 0, CountWords(""))
	assert.Equal(t, 3, CountWords("  one two\tthree\n"))
}
