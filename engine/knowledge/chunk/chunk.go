// Package chunk splits source text into bounded, overlapping spans ready for
// embedding. Splitting is deterministic: the same input and settings always
// produce the same spans.
package chunk

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"

	"github.com/reqforge/reqforge/engine/core"
)

var newlinePattern = regexp.MustCompile(`\r\n|\r`)

// Span is one chunk of a source text. Offset is the byte offset of Text
// within the normalized input, so callers can map a span back to its source.
type Span struct {
	Index  int    `json:"index"`
	Offset int    `json:"offset"`
	Text   string `json:"text"`
	Hash   string `json:"hash"`
}

// Splitter produces spans with a fixed size budget and overlap.
type Splitter struct {
	size    int
	overlap int
}

// NewSplitter validates the size budget. Overlap must leave room for new
// content in every span.
func NewSplitter(size, overlap int) (*Splitter, error) {
	if size <= 0 {
		return nil, errors.New("chunk: size must be greater than zero")
	}
	if overlap < 0 {
		return nil, errors.New("chunk: overlap cannot be negative")
	}
	if overlap >= size {
		return nil, fmt.Errorf("chunk: overlap %d must be smaller than size %d", overlap, size)
	}
	return &Splitter{size: size, overlap: overlap}, nil
}

// Split normalizes the text and cuts it into spans. Paragraph and sentence
// boundaries are preferred; a unit longer than the size budget is hard-cut.
// Empty or whitespace-only input yields no spans.
func (s *Splitter) Split(text string) ([]Span, error) {
	normalized := Normalize(text)
	if normalized == "" {
		return nil, nil
	}
	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(s.size),
		textsplitter.WithChunkOverlap(s.overlap),
	)
	segments, err := splitter.SplitText(normalized)
	if err != nil {
		return nil, fmt.Errorf("chunk: split text: %w", err)
	}
	spans := make([]Span, 0, len(segments))
	cursor := 0
	for _, segment := range segments {
		trimmed := strings.TrimSpace(segment)
		if trimmed == "" {
			continue
		}
		for _, piece := range hardCut(trimmed, s.size) {
			offset := strings.Index(normalized[cursor:], piece)
			if offset < 0 {
				return nil, fmt.Errorf("chunk: span %q not found in source", truncateForError(piece))
			}
			offset += cursor
			spans = append(spans, Span{
				Index:  len(spans),
				Offset: offset,
				Text:   piece,
				Hash:   core.HashText(piece),
			})
			// Advance past the span start only: the next span may begin
			// inside this one because of overlap.
			cursor = offset + 1
		}
	}
	return spans, nil
}

// Normalize collapses newline variants and trims surrounding whitespace.
// Span offsets are relative to this form of the input.
func Normalize(text string) string {
	return strings.TrimSpace(newlinePattern.ReplaceAllString(text, "\n"))
}

// hardCut enforces the size budget on a single unbreakable unit, cutting on
// rune boundaries.
func hardCut(text string, size int) []string {
	if len([]rune(text)) <= size {
		return []string{text}
	}
	runes := []rune(text)
	pieces := make([]string, 0, len(runes)/size+1)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		piece := strings.TrimSpace(string(runes[start:end]))
		if piece != "" {
			pieces = append(pieces, piece)
		}
	}
	return pieces
}

func truncateForError(text string) string {
	const max = 32
	if len(text) <= max {
		return text
	}
	return text[:max] + "..."
}
