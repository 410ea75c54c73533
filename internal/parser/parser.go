package parser

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"arxiv-rag/internal/models"
)

// ErrInvalidArgument is returned for window parameters that would not
// terminate or would produce empty windows.
var ErrInvalidArgument = errors.New("invalid argument")

func validateWindow(windowSize, stride int) error {
	if windowSize <= 0 {
		return fmt.Errorf("%w: window size must be positive, got %d", ErrInvalidArgument, windowSize)
	}
	if stride <= 0 {
		return fmt.Errorf("%w: stride must be positive, got %d", ErrInvalidArgument, stride)
	}
	return nil
}

// SlidingWindow splits text into windows of windowSize characters, advancing
// by stride. Windows overlap when stride < windowSize.
func SlidingWindow(text string, windowSize, stride int) ([]string, error) {
	if err := validateWindow(windowSize, stride); err != nil {
		return nil, err
	}

	runes := []rune(text)
	var windows []string
	for pos := 0; pos < len(runes); pos += stride {
		end := min(pos+windowSize, len(runes))
		windows = append(windows, string(runes[pos:end]))
	}
	return windows, nil
}

// StripPreamble removes every run from \documentclass up to (not including)
// the following \begin{document}. A \documentclass with no body marker after
// it is left alone.
func StripPreamble(source string) string {
	var out strings.Builder
	rest := source
	for {
		start := strings.Index(rest, models.DocumentClassMarker)
		if start < 0 {
			break
		}
		end := strings.Index(rest[start:], models.DocumentBeginMarker)
		if end < 0 {
			break
		}
		out.WriteString(rest[:start])
		rest = rest[start+end:]
	}
	out.WriteString(rest)
	return out.String()
}

// ChunkDocument chunks a fetched document and stamps each chunk with the
// document ID. TeX sources go through SplitLatex; PDF text, and TeX without a
// document body, fall back to plain windows with no section.
func ChunkDocument(doc *models.Document, windowSize, stride int) ([]models.Chunk, error) {
	var chunks []models.Chunk
	if doc.Format == models.FormatTeX {
		latexChunks, err := SplitLatex(doc.Text, windowSize, stride)
		if err != nil {
			return nil, err
		}
		chunks = latexChunks
	}

	if len(chunks) == 0 {
		text := normalizeWhitespace(doc.Text)
		windows, err := SlidingWindow(text, windowSize, stride)
		if err != nil {
			return nil, err
		}
		for _, w := range windows {
			chunks = append(chunks, models.Chunk{Text: w})
		}
	}

	result := make([]models.Chunk, 0, len(chunks))
	for _, c := range chunks {
		if strings.TrimSpace(c.Text) == "" {
			continue
		}
		c.SourceID = doc.ID
		result = append(result, c)
	}
	return result, nil
}

// normalizeWhitespace replaces line breaks with spaces one for one, so rune
// offsets are unchanged.
func normalizeWhitespace(text string) string {
	text = strings.ToValidUTF8(text, "")
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(text)
}

func runeOffset(s string, byteOffset int) int {
	return utf8.RuneCountInString(s[:byteOffset])
}
