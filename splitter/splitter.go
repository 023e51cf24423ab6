// Package splitter provides the built-in chunking models usable as a
// pipeline field's splitter.model, grounded on
// Tangerg-lynx/ai/providers/document/transformers/splitter/token.go's
// token-aware splitter (chunk by token count, trim to the last sentence
// boundary before the limit).
package splitter

import (
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/vectorhub/pgml-go/pgmlerr"
)

// Splitter turns one field's text into an ordered list of chunks.
type Splitter interface {
	Split(text string) []string
}

// Default tuning, matching the corpus's token splitter defaults.
const (
	defaultChunkSize             = 800
	defaultChunkOverlap          = 0
	defaultMinChunkSizeChars     = 350
	defaultMinChunkLengthToEmbed = 5
	defaultMaxNumChunks          = 10000
)

// Params are the recognized splitter.parameters keys.
type Params struct {
	ChunkSize    int `json:"chunk_size"`
	ChunkOverlap int `json:"chunk_overlap"`
}

func paramsFrom(raw map[string]any) Params {
	p := Params{ChunkSize: defaultChunkSize, ChunkOverlap: defaultChunkOverlap}
	if raw == nil {
		return p
	}
	if v, ok := raw["chunk_size"].(float64); ok && v > 0 {
		p.ChunkSize = int(v)
	}
	if v, ok := raw["chunk_overlap"].(float64); ok && v >= 0 {
		p.ChunkOverlap = int(v)
	}
	return p
}

// New builds the named built-in splitter. Supported models:
// "recursive_character" (paragraph/sentence/word boundary aware) and
// "token" (BPE token-count aware via tiktoken-go).
func New(model string, raw map[string]any) (Splitter, error) {
	params := paramsFrom(raw)
	switch model {
	case "recursive_character", "":
		return &recursiveCharacterSplitter{chunkSize: params.ChunkSize, overlap: params.ChunkOverlap}, nil
	case "token":
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, pgmlerr.Wrap(pgmlerr.SchemaInvalid, "load tiktoken encoding", err)
		}
		return &tokenSplitter{
			encoding:              enc,
			chunkSize:             params.ChunkSize,
			minChunkSizeChars:     defaultMinChunkSizeChars,
			minChunkLengthToEmbed: defaultMinChunkLengthToEmbed,
			maxNumChunks:          defaultMaxNumChunks,
		}, nil
	default:
		return nil, pgmlerr.New(pgmlerr.SchemaInvalid, "unknown splitter model: "+model)
	}
}

// tokenSplitter chunks by token count, cutting at the last sentence
// punctuation before the chunk boundary when one exists past
// minChunkSizeChars, exactly as the corpus's TokenSplitter does.
type tokenSplitter struct {
	encoding              *tiktoken.Tiktoken
	chunkSize             int
	minChunkSizeChars     int
	minChunkLengthToEmbed int
	maxNumChunks          int
}

func (t *tokenSplitter) Split(text string) []string {
	if strings.TrimSpace(text) == "" {
		return []string{}
	}

	tokens := t.encoding.Encode(text, nil, nil)
	chunks := make([]string, 0, t.chunkSize)
	chunkCount := 0

	for len(tokens) > 0 && chunkCount < t.maxNumChunks {
		chunkEnd := min(t.chunkSize, len(tokens))
		chunk := tokens[:chunkEnd]
		chunkText := t.encoding.Decode(chunk)

		if strings.TrimSpace(chunkText) == "" {
			tokens = tokens[len(chunk):]
			continue
		}

		lastPunctuation := max(
			strings.LastIndex(chunkText, "."),
			max(strings.LastIndex(chunkText, "?"),
				max(strings.LastIndex(chunkText, "!"), strings.LastIndex(chunkText, "\n"))),
		)
		if lastPunctuation != -1 && lastPunctuation > t.minChunkSizeChars {
			chunkText = chunkText[:lastPunctuation+1]
		}

		processedChunk := strings.TrimSpace(chunkText)
		if len(processedChunk) > t.minChunkLengthToEmbed {
			chunks = append(chunks, processedChunk)
		}

		processedTokens := t.encoding.Encode(chunkText, nil, nil)
		tokens = tokens[len(processedTokens):]
		chunkCount++
	}

	if len(tokens) > 0 {
		remaining := strings.TrimSpace(t.encoding.Decode(tokens))
		if len(remaining) > t.minChunkLengthToEmbed {
			chunks = append(chunks, remaining)
		}
	}

	return chunks
}

// recursiveCharacterSplitter splits on paragraph, then sentence, then word
// boundaries until each chunk is at most chunkSize characters, with
// overlapping tails of size overlap carried into the next chunk.
type recursiveCharacterSplitter struct {
	chunkSize int
	overlap   int
}

var separators = []string{"\n\n", "\n", ". ", " "}

func (r *recursiveCharacterSplitter) Split(text string) []string {
	if strings.TrimSpace(text) == "" {
		return []string{}
	}
	pieces := r.splitRecursive(text, 0)

	chunks := make([]string, 0, len(pieces))
	var current strings.Builder
	for _, p := range pieces {
		if current.Len() > 0 && current.Len()+len(p) > r.chunkSize {
			chunks = append(chunks, strings.TrimSpace(current.String()))
			tail := tailOf(current.String(), r.overlap)
			current.Reset()
			current.WriteString(tail)
		}
		current.WriteString(p)
	}
	if strings.TrimSpace(current.String()) != "" {
		chunks = append(chunks, strings.TrimSpace(current.String()))
	}
	if len(chunks) == 0 {
		chunks = append(chunks, strings.TrimSpace(text))
	}
	return chunks
}

func (r *recursiveCharacterSplitter) splitRecursive(text string, sepIdx int) []string {
	if len(text) <= r.chunkSize || sepIdx >= len(separators) {
		return []string{text}
	}
	sep := separators[sepIdx]
	parts := strings.SplitAfter(text, sep)
	var out []string
	for _, p := range parts {
		if len(p) > r.chunkSize {
			out = append(out, r.splitRecursive(p, sepIdx+1)...)
		} else if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func tailOf(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return ""
	}
	return s[len(s)-n:]
}
