// Package chunker splits plain note text into overlapping, bounded-size
// passages suitable for embedding and retrieval.
package chunker

import (
	"regexp"
	"strings"
)

const (
	// DefaultMaxTokens bounds the estimated token count of one chunk.
	DefaultMaxTokens = 400
	// DefaultOverlapTokens sizes the sentence overlap seeded into the
	// next chunk when the current one closes.
	DefaultOverlapTokens = 50
	// minChunkLen drops fragments too short to be worth retrieving.
	minChunkLen = 10
)

var sentenceRe = regexp.MustCompile(`[^.!?\n]+[.!?]*[\s]*`)

// Chunker accumulates sentences greedily up to MaxTokens per chunk and
// seeds each subsequent chunk with a trailing slice of the previous one.
type Chunker struct {
	MaxTokens     int
	OverlapTokens int
}

func New() *Chunker {
	return &Chunker{MaxTokens: DefaultMaxTokens, OverlapTokens: DefaultOverlapTokens}
}

// EstimateTokens approximates the token count of s as ceil(len/4).
// It is deliberately not a real tokenizer; downstream budget arithmetic
// depends on this exact formula.
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// SplitSentences splits text on terminal punctuation boundaries,
// trimming surrounding whitespace and discarding empties.
func SplitSentences(text string) []string {
	raw := sentenceRe.FindAllString(text, -1)
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Split chunks text into ordered passage strings. Empty input, or input
// whose every assembled chunk falls under the minimum length, yields an
// empty slice rather than an error.
func (c *Chunker) Split(text string) []string {
	maxTokens := c.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	sentences := SplitSentences(text)
	if len(sentences) == 0 {
		return nil
	}

	// Sentence-granular overlap: ceil(overlapTokens/50) trailing sentences.
	overlapSentences := 0
	if c.OverlapTokens > 0 {
		overlapSentences = (c.OverlapTokens + 49) / 50
	}

	var chunks []string
	var current []string
	currentTokens := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		text := strings.Join(current, " ")
		if len(text) >= minChunkLen {
			chunks = append(chunks, text)
		}
		// Seed the next chunk with the tail of this one.
		tail := overlapSentences
		if tail > len(current) {
			tail = len(current)
		}
		seed := current[len(current)-tail:]
		current = append([]string(nil), seed...)
		currentTokens = 0
		for _, s := range current {
			currentTokens += EstimateTokens(s)
		}
	}

	for _, s := range sentences {
		st := EstimateTokens(s)
		if len(current) > 0 && currentTokens+st > maxTokens {
			flush()
		}
		current = append(current, s)
		currentTokens += st
	}
	if len(current) > 0 {
		text := strings.Join(current, " ")
		if len(text) >= minChunkLen {
			chunks = append(chunks, text)
		}
	}
	return chunks
}
