// Package chunker splits extracted document text into overlapping,
// embedding-sized pieces. Chunking is deterministic: the same text and
// config always produce byte-identical chunk boundaries, which is what makes
// reprocessing idempotent and tests reproducible.
package chunker

import (
	"sort"
	"strings"
	"unicode"
)

// Config tunes chunk sizing. Token counts are approximate (~4 chars/token).
type Config struct {
	TargetTokens  int // flush a chunk once it reaches this many tokens
	MaxTokens     int // a single unit longer than this is split mid-sentence
	OverlapTokens int // tail tokens carried into the next chunk
}

// DefaultConfig matches the retrieval-quality sweet spot for dense legal and
// contract text: 500-token windows, hard cap 800, 50-token overlap.
func DefaultConfig() Config {
	return Config{TargetTokens: 500, MaxTokens: 800, OverlapTokens: 50}
}

func (c Config) normalized() Config {
	if c.TargetTokens <= 0 {
		c.TargetTokens = 500
	}
	if c.MaxTokens < c.TargetTokens {
		c.MaxTokens = c.TargetTokens
	}
	if c.OverlapTokens < 0 || c.OverlapTokens >= c.TargetTokens {
		c.OverlapTokens = 0
	}
	return c
}

// Piece is one chunk of text with its citation metadata.
type Piece struct {
	Text           string
	TokenCount     int
	FirstPage      int // 1-based; the citation anchor
	LastPage       int
	SectionHeading string
}

// unit is an indivisible accumulation element: a paragraph, or a sentence
// split out of an oversized paragraph.
type unit struct {
	text      string
	tokens    int
	startRune int
	heading   string // section heading in effect where this unit begins
}

// Split chunks text into pieces within the configured token window,
// preferring paragraph boundaries, then sentence boundaries, and splitting
// mid-sentence only for pathological runs with no break points.
// pageOffsets holds the rune offset where each page begins (offset 0 for a
// single-page document); it maps every piece back to its source pages.
func Split(text string, pageOffsets []int, cfg Config) []Piece {
	cfg = cfg.normalized()
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if len(pageOffsets) == 0 {
		pageOffsets = []int{0}
	}

	units := buildUnits(text, cfg)
	if len(units) == 0 {
		return nil
	}

	var (
		pieces []Piece
		buf    []unit
		tokSum int
	)

	flush := func() {
		if len(buf) == 0 {
			return
		}
		texts := make([]string, len(buf))
		for i, u := range buf {
			texts[i] = u.text
		}
		first := buf[0]
		last := buf[len(buf)-1]
		pieces = append(pieces, Piece{
			Text:           strings.Join(texts, "\n\n"),
			TokenCount:     tokSum,
			FirstPage:      pageOf(first.startRune, pageOffsets),
			LastPage:       pageOf(last.startRune+len([]rune(last.text))-1, pageOffsets),
			SectionHeading: first.heading,
		})

		// Keep a tail of units whose token sum approximates the overlap so
		// the next chunk starts with shared context.
		if cfg.OverlapTokens > 0 {
			var keep []unit
			remain := cfg.OverlapTokens
			for i := len(buf) - 1; i >= 0 && remain > 0; i-- {
				keep = append([]unit{buf[i]}, keep...)
				remain -= buf[i].tokens
			}
			// Overlap must never be the whole chunk or the loop would stall.
			if len(keep) == len(buf) {
				keep = keep[1:]
			}
			buf = keep
		} else {
			buf = nil
		}
		tokSum = 0
		for _, u := range buf {
			tokSum += u.tokens
		}
	}

	for _, u := range units {
		buf = append(buf, u)
		tokSum += u.tokens
		if tokSum >= cfg.TargetTokens {
			flush()
		}
	}
	// Trailing buffer: emit unless it is purely the overlap tail of the
	// previous piece.
	if len(buf) > 0 && (len(pieces) == 0 || !isOverlapOnly(buf, pieces[len(pieces)-1])) {
		texts := make([]string, len(buf))
		for i, u := range buf {
			texts[i] = u.text
		}
		first := buf[0]
		last := buf[len(buf)-1]
		pieces = append(pieces, Piece{
			Text:           strings.Join(texts, "\n\n"),
			TokenCount:     tokSum,
			FirstPage:      pageOf(first.startRune, pageOffsets),
			LastPage:       pageOf(last.startRune+len([]rune(last.text))-1, pageOffsets),
			SectionHeading: first.heading,
		})
	}
	return pieces
}

// isOverlapOnly reports whether every unit in buf is already contained at
// the end of the previous piece's text.
func isOverlapOnly(buf []unit, prev Piece) bool {
	texts := make([]string, len(buf))
	for i, u := range buf {
		texts[i] = u.text
	}
	return strings.HasSuffix(prev.Text, strings.Join(texts, "\n\n"))
}

// buildUnits walks paragraphs in order, tracking the section heading in
// effect, and splits any paragraph over MaxTokens into sentences.
func buildUnits(text string, cfg Config) []unit {
	var (
		units   []unit
		heading string
	)
	for _, p := range paragraphs(text) {
		trimmed := strings.TrimSpace(p.text)
		if trimmed == "" {
			continue
		}
		if isHeading(trimmed) {
			heading = trimmed
		}
		toks := ApproxTokens(trimmed)
		if toks <= cfg.MaxTokens {
			units = append(units, unit{text: trimmed, tokens: toks, startRune: p.startRune, heading: heading})
			continue
		}
		for _, s := range splitSentences(trimmed, p.startRune, cfg.MaxTokens) {
			s.heading = heading
			units = append(units, s)
		}
	}
	return units
}

type span struct {
	text      string
	startRune int
}

// paragraphs splits on blank lines, keeping each paragraph's rune offset.
func paragraphs(text string) []span {
	runes := []rune(text)
	var out []span
	start := 0
	i := 0
	for i < len(runes) {
		// A paragraph break is a newline followed by optional spaces and
		// another newline.
		if runes[i] == '\n' {
			j := i + 1
			for j < len(runes) && (runes[j] == ' ' || runes[j] == '\t' || runes[j] == '\r') {
				j++
			}
			if j < len(runes) && runes[j] == '\n' {
				out = append(out, span{text: string(runes[start:i]), startRune: start})
				for j < len(runes) && unicode.IsSpace(runes[j]) {
					j++
				}
				start = j
				i = j
				continue
			}
		}
		i++
	}
	if start < len(runes) {
		out = append(out, span{text: string(runes[start:]), startRune: start})
	}
	return out
}

// splitSentences breaks an oversized paragraph at sentence boundaries, then
// hard-splits any sentence still over maxTokens at the token window.
func splitSentences(text string, startRune, maxTokens int) []unit {
	runes := []rune(text)
	var sentences []span
	start := 0
	for i := 0; i < len(runes); i++ {
		if runes[i] == '.' || runes[i] == '!' || runes[i] == '?' {
			// Sentence ends at punctuation followed by whitespace.
			if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
				continue
			}
			end := i + 1
			s := strings.TrimSpace(string(runes[start:end]))
			if s != "" {
				sentences = append(sentences, span{text: s, startRune: startRune + start})
			}
			for end < len(runes) && unicode.IsSpace(runes[end]) {
				end++
			}
			start = end
			i = end - 1
		}
	}
	if start < len(runes) {
		s := strings.TrimSpace(string(runes[start:]))
		if s != "" {
			sentences = append(sentences, span{text: s, startRune: startRune + start})
		}
	}

	var out []unit
	for _, s := range sentences {
		toks := ApproxTokens(s.text)
		if toks <= maxTokens {
			out = append(out, unit{text: s.text, tokens: toks, startRune: s.startRune})
			continue
		}
		// Last resort: fixed rune windows of maxTokens*4 runes.
		sr := []rune(s.text)
		window := maxTokens * 4
		for off := 0; off < len(sr); off += window {
			end := off + window
			if end > len(sr) {
				end = len(sr)
			}
			part := string(sr[off:end])
			out = append(out, unit{text: part, tokens: ApproxTokens(part), startRune: s.startRune + off})
		}
	}
	return out
}

// isHeading recognizes Markdown-style headings and short ALL-CAPS lines such
// as form-section labels.
func isHeading(line string) bool {
	if strings.Contains(line, "\n") {
		return false
	}
	if strings.HasPrefix(line, "#") {
		return true
	}
	if len(line) > 80 {
		return false
	}
	hasLetter := false
	for _, r := range line {
		if unicode.IsLetter(r) {
			hasLetter = true
			if !unicode.IsUpper(r) {
				return false
			}
		}
	}
	return hasLetter
}

// pageOf maps a rune offset to its 1-based page number.
func pageOf(offset int, pageOffsets []int) int {
	// pageOffsets is ascending; find the last boundary at or before offset.
	i := sort.SearchInts(pageOffsets, offset+1)
	if i == 0 {
		return 1
	}
	return i
}

// ApproxTokens is a cheap token estimator (~4 chars per token). Good enough
// for window sizing; the embedding provider does its own tokenization.
func ApproxTokens(s string) int {
	n := len([]rune(s))
	if n <= 0 {
		return 0
	}
	return (n + 3) / 4
}
