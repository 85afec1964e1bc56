package ingest

import "strings"

// Chunk is one ingestible slice of a source file.
type Chunk struct {
	// Index is the chunk's position within its file.
	Index int
	Text  string
}

const (
	defaultChunkChars   = 2000
	defaultOverlapLines = 5
)

// chunkLines splits content into line-aligned chunks of roughly maxChars
// characters, overlapping by overlapLines so a match near a boundary
// still carries its surroundings.
func chunkLines(content string, maxChars, overlapLines int) []Chunk {
	if maxChars <= 0 {
		maxChars = defaultChunkChars
	}
	if overlapLines < 0 {
		overlapLines = defaultOverlapLines
	}

	lines := strings.Split(content, "\n")
	var chunks []Chunk
	start := 0
	for start < len(lines) {
		size := 0
		end := start
		for end < len(lines) && (size == 0 || size+len(lines[end])+1 <= maxChars) {
			size += len(lines[end]) + 1
			end++
		}

		text := strings.TrimSpace(strings.Join(lines[start:end], "\n"))
		if text != "" {
			chunks = append(chunks, Chunk{Index: len(chunks), Text: text})
		}
		if end >= len(lines) {
			break
		}
		next := end - overlapLines
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}
