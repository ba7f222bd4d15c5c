package profiling

import (
	"fmt"
	"strings"

	"github.com/shu-ai/shu-core/internal/storage"
)

const chunkBatchSystemPrompt = `You annotate chunks of a document for a retrieval system.
For every chunk you are given, produce a one-line summary, up to 5 keywords, and up to 3 topics.
Respond with ONLY a JSON array, one object per chunk:
[{"index": <chunk index>, "summary": "...", "keywords": ["..."], "topics": ["..."]}]`

const chunkSingleSystemPrompt = `You annotate one chunk of a document for a retrieval system.
Surrounding chunks are provided for context only; annotate the target chunk.
Respond with ONLY a JSON object:
{"summary": "...", "keywords": ["..."], "topics": ["..."]}`

const documentSystemPrompt = `You profile a document for a retrieval system.
Respond with ONLY a JSON object:
{"synopsis": "2-3 sentence synopsis",
 "document_type": "narrative" | "transactional" | "technical" | "conversational",
 "capability_manifest": {"answers": ["question this document can answer", ...]},
 "synthesized_queries": ["search query a user might issue to find this document", ...]}`

func buildChunkBatchPrompt(batch []*storage.DocumentChunk, maxTokens int) string {
	var b strings.Builder
	perChunk := maxTokens / len(batch)
	for _, chunk := range batch {
		fmt.Fprintf(&b, "--- Chunk %d ---\n%s\n\n", chunk.ChunkIndex, truncateTokens(chunk.Content, perChunk))
	}
	return b.String()
}

func buildChunkSinglePrompt(chunk *storage.DocumentChunk, prev, next string, maxTokens int) string {
	var b strings.Builder
	contextBudget := maxTokens / 4
	if prev != "" {
		fmt.Fprintf(&b, "--- Previous chunk (context) ---\n%s\n\n", truncateTokens(prev, contextBudget))
	}
	fmt.Fprintf(&b, "--- Target chunk ---\n%s\n\n", truncateTokens(chunk.Content, maxTokens/2))
	if next != "" {
		fmt.Fprintf(&b, "--- Next chunk (context) ---\n%s\n", truncateTokens(next, contextBudget))
	}
	return b.String()
}

func buildDocumentPrompt(title, input string) string {
	return fmt.Sprintf("Title: %s\n\n%s", title, input)
}

// approxTokens estimates token count at four characters per token, which is
// close enough for budget enforcement.
func approxTokens(s string) int {
	return len([]rune(s)) / 4
}

// truncateTokens cuts s to roughly maxTokens tokens.
func truncateTokens(s string, maxTokens int) string {
	runes := []rune(s)
	limit := maxTokens * 4
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
