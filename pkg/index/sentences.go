package index

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/oriel-ai/trellis/pkg/common"
)

// minSentenceRunes filters out noise fragments like list bullets and stray
// punctuation that carry no retrievable meaning.
const minSentenceRunes = 12

// splitSentences breaks chunk text into sentence units for fine-grained
// search. Terminators inside numeric listings ("1. foo") do not split, and
// closing quotes or brackets stay attached to their sentence.
func splitSentences(text string) []string {
	var sentences []string

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		sentences = append(sentences, splitLine(line)...)
	}

	var result []string
	for _, s := range sentences {
		if len([]rune(s)) >= minSentenceRunes {
			result = append(result, s)
		}
	}
	return result
}

func splitLine(line string) []string {
	var sentences []string
	var current strings.Builder

	for i := 0; i < len(line); i++ {
		current.WriteByte(line[i])

		if line[i] != '.' && line[i] != '!' && line[i] != '?' {
			continue
		}

		if i > 0 && unicode.IsDigit(rune(line[i-1])) && i+1 < len(line) &&
			(line[i+1] == ' ' || unicode.IsDigit(rune(line[i+1]))) {
			// Numeric listing marker or decimal reference ("clause 4.2"),
			// not a sentence end.
			continue
		}

		j := i + 1
		for j < len(line) && (line[j] == '.' || line[j] == '!' || line[j] == '?') {
			current.WriteByte(line[j])
			j++
		}
		for j < len(line) && (line[j] == '"' || line[j] == '\'' || line[j] == ')' ||
			line[j] == ']' || line[j] == '}') {
			current.WriteByte(line[j])
			j++
		}

		sentence := strings.TrimSpace(current.String())
		if sentence != "" {
			sentences = append(sentences, sentence)
		}
		current.Reset()
		i = j - 1
	}

	remaining := strings.TrimSpace(current.String())
	if remaining != "" {
		sentences = append(sentences, remaining)
	}

	return sentences
}

// chunkSentences derives the sentence nodes of one chunk with deterministic
// ids keyed by chunk and ordinal.
func chunkSentences(chunk common.TextChunk) []common.Sentence {
	parts := splitSentences(chunk.Text)
	if len(parts) == 0 {
		return nil
	}

	out := make([]common.Sentence, 0, len(parts))
	for i, text := range parts {
		out = append(out, common.Sentence{
			ID:      NodeID(chunk.GroupID, kindSentence, chunk.ID, strconv.Itoa(i)),
			GroupID: chunk.GroupID,
			ChunkID: chunk.ID,
			Ordinal: i,
			Text:    text,
		})
	}
	return out
}
