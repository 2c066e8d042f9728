package speech

import (
	"strings"
	"unicode"

	"github.com/muesli/reflow/ansi"
	"github.com/muesli/reflow/truncate"
	"github.com/muesli/reflow/wordwrap"
)

const (
	DefaultMaxChunkLength = 150
	continuationMarker    = "…"
)

// Split breaks text into ordered chunks no wider than maxLength, preferring
// sentence boundaries, then clause boundaries, then word boundaries. A single
// word wider than maxLength is truncated and marked with an ellipsis.
//
// Whitespace is normalised, so joining the chunks with single spaces yields
// the original token sequence. Chunks cut at punctuation with no following
// space, as in CJK text or "one,two", join without one.
func Split(text string, maxLength int) []string {
	if maxLength <= 0 {
		maxLength = DefaultMaxChunkLength
	}

	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return nil
	}

	var pieces []piece
	for _, sentence := range splitSentences(text) {
		pieces = append(pieces, fitSentence(sentence, maxLength)...)
	}

	var chunks []string
	for _, p := range pack(pieces, maxLength) {
		chunks = append(chunks, p.text)
	}
	return chunks
}

// piece is a run of text; glued pieces had no space before them.
type piece struct {
	text  string
	glued bool
}

func (p piece) separator() string {
	if p.glued {
		return ""
	}
	return " "
}

// pack greedily joins consecutive pieces while they fit.
func pack(pieces []piece, maxLength int) []piece {
	var packed []piece
	for _, p := range pieces {
		if n := len(packed); n > 0 {
			last := &packed[n-1]
			if joined := last.text + p.separator() + p.text; width(joined) <= maxLength {
				last.text = joined
				continue
			}
		}
		packed = append(packed, p)
	}
	return packed
}

// fitSentence returns sentence unchanged when it fits, otherwise its clauses
// packed up to maxLength, word wrapping any clause that is still too wide.
func fitSentence(sentence piece, maxLength int) []piece {
	if width(sentence.text) <= maxLength {
		return []piece{sentence}
	}

	var pieces []piece
	for _, clause := range splitClauses(sentence.text) {
		if width(clause.text) <= maxLength {
			pieces = append(pieces, clause)
			continue
		}
		pieces = append(pieces, wrapWords(clause, maxLength)...)
	}
	if len(pieces) > 0 {
		pieces[0].glued = sentence.glued
	}
	return pack(pieces, maxLength)
}

func wrapWords(clause piece, maxLength int) []piece {
	w := wordwrap.NewWriter(maxLength)
	w.Breakpoints = nil
	w.KeepNewlines = false
	_, _ = w.Write([]byte(clause.text))
	_ = w.Close()

	var lines []piece
	for _, line := range strings.Split(w.String(), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if width(line) > maxLength {
			line = truncate.StringWithTail(line, uint(maxLength), continuationMarker)
		}
		lines = append(lines, piece{text: line, glued: len(lines) == 0 && clause.glued})
	}
	return lines
}

// splitSentences cuts after terminal punctuation, including any closing
// quotes or brackets that follow it. ASCII terminators need a following
// space so "2.5" stays whole; full-width ones do not.
func splitSentences(text string) []piece {
	return splitAfter(text, func(r, next rune) bool {
		switch {
		case isFullWidthSentenceEnd(r):
			return true
		case isSentenceEnd(r):
			return next == 0 || unicode.IsSpace(next)
		}
		return false
	})
}

// splitClauses also cuts "one,two" between the words, but not "1,000".
func splitClauses(sentence string) []piece {
	return splitAfter(sentence, func(r, next rune) bool {
		switch r {
		case '，', '、', '；', '：':
			return true
		case ',', ';', ':', '—':
			return next == 0 || unicode.IsSpace(next) || unicode.IsLetter(next)
		}
		return false
	})
}

// splitAfter cuts text after every rune accepted by boundary, given the rune
// following it and any closing marks. next is 0 at the end of text.
func splitAfter(text string, boundary func(r, next rune) bool) []piece {
	runes := []rune(text)
	var parts []piece
	add := func(start, end int) {
		if part := strings.TrimSpace(string(runes[start:end])); part != "" {
			parts = append(parts, piece{
				text:  part,
				glued: start > 0 && !unicode.IsSpace(runes[start-1]),
			})
		}
	}

	start := 0
	for i := 0; i < len(runes); i++ {
		end := i + 1
		for end < len(runes) && isClosing(runes[end]) {
			end++
		}
		var next rune
		if end < len(runes) {
			next = runes[end]
		}
		if !boundary(runes[i], next) {
			continue
		}
		add(start, end)
		start = end
		i = end - 1
	}
	add(start, len(runes))
	return parts
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?' || r == '…'
}

func isFullWidthSentenceEnd(r rune) bool {
	return r == '。' || r == '！' || r == '？' || r == '．'
}

func isClosing(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '}', '”', '’', '»', '」', '』', '）':
		return true
	}
	return false
}

func width(s string) int {
	return ansi.PrintableRuneWidth(s)
}
