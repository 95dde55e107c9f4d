// Package chunker splits document bodies into token-bounded pieces for embedding.
package chunker

import (
	"regexp"
	"strings"

	"github.com/starford/ansuz/internal/apperr"
)

// MinTrailingTokens is the size below which a trailing window is folded into
// the previous chunk.
const MinTrailingTokens = 50

// Mode selects the chunking strategy.
type Mode string

const (
	ModeWindow   Mode = "window"
	ModeSemantic Mode = "semantic"
)

// Piece is one chunk of a body. Content is the original substring covering
// the chunk's tokens.
type Piece struct {
	Index      int
	Content    string
	TokenCount int
}

var (
	tokenRe     = regexp.MustCompile(`\w+|[^\w\s]`)
	paragraphRe = regexp.MustCompile(`\n[ \t]*\n`)
)

type token struct{ start, end int }

func tokenize(body string) []token {
	idx := tokenRe.FindAllStringIndex(body, -1)
	out := make([]token, len(idx))
	for i, loc := range idx {
		out[i] = token{start: loc[0], end: loc[1]}
	}
	return out
}

// CountTokens returns the number of tokens in s.
func CountTokens(s string) int {
	return len(tokenRe.FindAllStringIndex(s, -1))
}

// span is a half-open token range [from, to).
type span struct{ from, to int }

func validate(maxTokens, overlapTokens int) error {
	if maxTokens <= 0 {
		return apperr.Validation("chunker: max tokens must be positive, got %d", maxTokens)
	}
	if overlapTokens < 0 || overlapTokens >= maxTokens {
		return apperr.Validation("chunker: overlap must be in [0, %d), got %d", maxTokens, overlapTokens)
	}
	return nil
}

// Split dispatches to Chunk or ChunkSemantic.
func Split(mode Mode, body string, maxTokens, overlapTokens int) ([]Piece, error) {
	if mode == ModeSemantic {
		return ChunkSemantic(body, maxTokens, overlapTokens)
	}
	return Chunk(body, maxTokens, overlapTokens)
}

// Chunk splits body with a sliding window of maxTokens advancing by
// maxTokens-overlapTokens. A trailing window shorter than MinTrailingTokens
// is folded into the window before it (see foldTrailing).
func Chunk(body string, maxTokens, overlapTokens int) ([]Piece, error) {
	if err := validate(maxTokens, overlapTokens); err != nil {
		return nil, err
	}
	tokens := tokenize(body)
	return render(body, tokens, windows(0, len(tokens), maxTokens, overlapTokens)), nil
}

// windows computes sliding-window spans over tokens [from, to).
func windows(from, to, maxTokens, overlapTokens int) []span {
	n := to - from
	if n <= 0 {
		return nil
	}
	if n <= maxTokens {
		return []span{{from, to}}
	}

	step := maxTokens - overlapTokens
	var out []span
	for start := from; start < to; start += step {
		end := min(start+maxTokens, to)
		out = append(out, span{start, end})
		if end == to {
			break
		}
	}
	return foldTrailing(out, maxTokens, to)
}

// foldTrailing absorbs a short last window into the tokens before it. The
// last window always holds more than overlapTokens tokens the previous one
// lacks, so appending them would exceed maxTokens; instead the window is
// widened backwards to end-align on the final token.
func foldTrailing(spans []span, maxTokens, to int) []span {
	if len(spans) < 2 {
		return spans
	}
	last := spans[len(spans)-1]
	if last.to-last.from >= MinTrailingTokens {
		return spans
	}
	spans[len(spans)-1] = span{to - maxTokens, to}
	return spans
}

// ChunkSemantic packs blank-line separated paragraphs into chunks of at most
// maxTokens. A paragraph larger than maxTokens is split with the token window.
func ChunkSemantic(body string, maxTokens, overlapTokens int) ([]Piece, error) {
	if err := validate(maxTokens, overlapTokens); err != nil {
		return nil, err
	}
	tokens := tokenize(body)
	if len(tokens) == 0 {
		return nil, nil
	}

	var spans []span
	cur := span{-1, -1}
	flush := func() {
		if cur.from >= 0 {
			spans = append(spans, cur)
		}
		cur = span{-1, -1}
	}

	for _, para := range paragraphs(body, tokens) {
		size := para.to - para.from
		switch {
		case size > maxTokens:
			flush()
			spans = append(spans, windows(para.from, para.to, maxTokens, overlapTokens)...)
		case cur.from >= 0 && para.to-cur.from <= maxTokens:
			cur.to = para.to
		default:
			flush()
			cur = para
		}
	}
	flush()

	if len(spans) >= 2 {
		last, prev := spans[len(spans)-1], spans[len(spans)-2]
		if last.to-last.from < MinTrailingTokens {
			if prev.to <= last.from && last.to-prev.from <= maxTokens {
				spans[len(spans)-2] = span{prev.from, last.to}
				spans = spans[:len(spans)-1]
			} else {
				// Too big to merge: end-align a full window, as in window mode.
				spans[len(spans)-1] = span{max(last.to-maxTokens, 0), last.to}
			}
		}
	}
	return render(body, tokens, spans), nil
}

// paragraphs groups token indices by blank-line separated paragraph.
func paragraphs(body string, tokens []token) []span {
	breaks := paragraphRe.FindAllStringIndex(body, -1)
	var out []span
	from, b := 0, 0
	for i, tok := range tokens {
		crossed := false
		for b < len(breaks) && breaks[b][1] <= tok.start {
			crossed = true
			b++
		}
		if crossed && i > from {
			out = append(out, span{from, i})
			from = i
		}
	}
	if from < len(tokens) {
		out = append(out, span{from, len(tokens)})
	}
	return out
}

func render(body string, tokens []token, spans []span) []Piece {
	if len(spans) == 0 {
		return nil
	}
	out := make([]Piece, 0, len(spans))
	for i, s := range spans {
		out = append(out, Piece{
			Index:      i,
			Content:    strings.TrimSpace(body[tokens[s.from].start:tokens[s.to-1].end]),
			TokenCount: s.to - s.from,
		})
	}
	return out
}
