// Package chunker splits parsed markdown into ordered, overlapping chunks
// sized for retrieval-augmented generation.
//
// A token is a maximal run of non-whitespace characters. Windows hold at most
// size tokens and prefer to end right before a markdown heading, then before a
// paragraph start, and only then cut hard. Each window after the first starts
// exactly overlap tokens before the end of the previous one.
package chunker

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/you-humble/alchemy/internal/domain"
)

const (
	DefaultSize    = 512
	DefaultOverlap = 64
)

type boundary uint8

const (
	boundaryNone boundary = iota
	boundaryParagraph
	boundaryHeading
)

type token struct {
	start, end int
	boundary   boundary
	section    string
}

var headingRe = regexp.MustCompile(`^(#{1,3})\s+(.+)$`)

// Chunk splits text into chunks of at most size tokens sharing overlap tokens
// between neighbours. The result is a pure function of its arguments.
func Chunk(text string, size, overlap int) []domain.Chunk {
	if size <= 0 {
		size = DefaultSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size - 1
	}

	toks := tokenize(text)
	if len(toks) == 0 {
		return []domain.Chunk{}
	}

	chunks := make([]domain.Chunk, 0, len(toks)/size+1)
	start := 0
	for {
		end := start + size
		if end >= len(toks) {
			end = len(toks)
		} else {
			end = snap(toks, start, end, minWindow(size, overlap))
		}

		chunks = append(chunks, domain.Chunk{
			Index:   len(chunks),
			Text:    text[toks[start].start:toks[end-1].end],
			Section: toks[start].section,
			Tokens:  end - start,
		})

		if end == len(toks) {
			return chunks
		}
		start = end - overlap
	}
}

// CountTokens counts tokens of s under the chunker's tokenization.
func CountTokens(s string) int {
	n := 0
	in := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			in = false
			continue
		}
		if !in {
			n++
			in = true
		}
	}
	return n
}

// minWindow is the shortest window a boundary may produce. It always exceeds
// overlap so every window advances.
func minWindow(size, overlap int) int {
	return max(overlap+1, size/4)
}

// snap moves a window end back to the best semantic boundary in
// [start+minLen, end]. A boundary at index b means toks[b] opens a block.
func snap(toks []token, start, end, minLen int) int {
	lo := start + minLen
	if lo > end {
		return end
	}
	for _, want := range []boundary{boundaryHeading, boundaryParagraph} {
		for b := end; b >= lo; b-- {
			if toks[b].boundary == want {
				return b
			}
		}
	}
	return end
}

func tokenize(text string) []token {
	var (
		toks      []token
		section   string
		paraBreak = true
	)

	offset := 0
	for offset <= len(text) {
		lineEnd := strings.IndexByte(text[offset:], '\n')
		if lineEnd < 0 {
			lineEnd = len(text)
		} else {
			lineEnd += offset
		}
		line := strings.TrimRight(text[offset:lineEnd], "\r")

		if strings.TrimSpace(line) == "" {
			paraBreak = true
		} else {
			heading := false
			if m := headingRe.FindStringSubmatch(line); m != nil {
				section = strings.TrimSpace(m[2])
				heading = true
			}

			first := true
			for _, span := range fields(line) {
				b := boundaryNone
				if first {
					switch {
					case heading:
						b = boundaryHeading
					case paraBreak:
						b = boundaryParagraph
					}
					first = false
				}
				toks = append(toks, token{
					start:    offset + span[0],
					end:      offset + span[1],
					boundary: b,
					section:  section,
				})
			}
			// the body after a heading opens a new block
			paraBreak = heading
		}

		if lineEnd == len(text) {
			break
		}
		offset = lineEnd + 1
	}
	return toks
}

// fields returns byte spans of the non-whitespace runs of s.
func fields(s string) [][2]int {
	var spans [][2]int
	start := -1
	for i := 0; i < len(s); {
		r, w := utf8.DecodeRuneInString(s[i:])
		if unicode.IsSpace(r) {
			if start >= 0 {
				spans = append(spans, [2]int{start, i})
				start = -1
			}
		} else if start < 0 {
			start = i
		}
		i += w
	}
	if start >= 0 {
		spans = append(spans, [2]int{start, len(s)})
	}
	return spans
}
