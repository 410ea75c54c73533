package parser

import (
	"regexp"
	"strings"

	"arxiv-rag/internal/models"
)

var (
	sectionRe = regexp.MustCompile(models.SectionRegex)
	captionRe = regexp.MustCompile(models.CaptionBlockRegex)
)

type heading struct {
	offset int
	title  string
}

type span struct {
	start, end int
}

// latexBody is the text between the first \begin{document} and the
// \end{document} after it, with headings and float spans in rune offsets.
type latexBody struct {
	runes    []rune
	headings []heading
	captions []span
}

func parseLatexBody(text string) (*latexBody, bool) {
	begin := strings.Index(text, models.DocumentBeginMarker)
	if begin < 0 {
		return nil, false
	}
	begin += len(models.DocumentBeginMarker)
	end := strings.Index(text[begin:], models.DocumentEndMarker)
	if end < 0 {
		return nil, false
	}

	body := normalizeWhitespace(text[begin : begin+end])
	lb := &latexBody{runes: []rune(body)}

	for _, m := range sectionRe.FindAllStringIndex(body, -1) {
		end, ok := closingBrace(body, m[1])
		if !ok {
			continue
		}
		lb.headings = append(lb.headings, heading{
			offset: runeOffset(body, m[0]),
			title:  strings.TrimSpace(body[m[1]:end]),
		})
	}
	for _, m := range captionRe.FindAllStringIndex(body, -1) {
		lb.captions = append(lb.captions, span{
			start: runeOffset(body, m[0]),
			end:   runeOffset(body, m[1]),
		})
	}
	return lb, true
}

// closingBrace returns the byte index of the brace closing the group opened
// just before from. Escaped braces do not count.
func closingBrace(s string, from int) (int, bool) {
	depth := 1
	for i := from; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

func (lb *latexBody) captioned(pos int) bool {
	for _, c := range lb.captions {
		if c.start < pos && pos < c.end {
			return true
		}
	}
	return false
}

// sectionAt returns the heading in force at pos, or "" inside a float or
// before the first heading.
func (lb *latexBody) sectionAt(pos int) string {
	if lb.captioned(pos) {
		return ""
	}
	for i := len(lb.headings) - 1; i >= 0; i-- {
		if lb.headings[i].offset <= pos {
			return lb.headings[i].title
		}
	}
	return ""
}

// SplitLatex cuts the document body into overlapping windows and labels each
// with the section in force at the window's first character. A text without
// a document body yields no chunks and no error.
func SplitLatex(text string, windowSize, stride int) ([]models.Chunk, error) {
	if err := validateWindow(windowSize, stride); err != nil {
		return nil, err
	}

	lb, ok := parseLatexBody(text)
	if !ok {
		return nil, nil
	}

	n := len(lb.runes)
	chunks := make([]models.Chunk, 0, (n+stride-1)/stride)
	for pos := 0; pos < n; pos += stride {
		end := min(pos+windowSize, n)
		chunks = append(chunks, models.Chunk{
			Text:    string(lb.runes[pos:end]),
			Section: lb.sectionAt(pos),
		})
	}
	return chunks, nil
}
