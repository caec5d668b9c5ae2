package transcribe

import (
	"strings"
	"unicode/utf8"
)

// DefaultMaxGrowth is the minimum number of characters a final must add to
// the previous one to count as new content.
const DefaultMaxGrowth = 3

// Dedup suppresses recognizer finals that repeat or only marginally extend
// the previously emitted text. Recognizers commonly re-send a committed
// phrase with trailing punctuation or a corrected fragment of it.
//
// Dedup is not safe for concurrent use.
type Dedup struct {
	last      string
	maxGrowth int
}

// NewDedup returns a Dedup with the given growth threshold. A negative value
// selects [DefaultMaxGrowth]; zero suppresses only repeats.
func NewDedup(maxGrowth int) *Dedup {
	if maxGrowth < 0 {
		maxGrowth = DefaultMaxGrowth
	}
	return &Dedup{maxGrowth: maxGrowth}
}

// IsDuplicate reports whether text repeats the last admitted text: it is
// equal to it, contained in it, or contains it while adding fewer than
// maxGrowth characters. Nothing is a duplicate before the first admission.
func (d *Dedup) IsDuplicate(text string) bool {
	if d.last == "" {
		return false
	}
	if text == d.last || strings.Contains(d.last, text) {
		return true
	}
	if strings.Contains(text, d.last) {
		return utf8.RuneCountInString(text)-utf8.RuneCountInString(d.last) < d.maxGrowth
	}
	return false
}

// Admit records text as the new reference unless it is a duplicate. It
// reports whether text was admitted.
func (d *Dedup) Admit(text string) bool {
	if d.IsDuplicate(text) {
		return false
	}
	d.last = text
	return true
}

// Last returns the most recently admitted text.
func (d *Dedup) Last() string { return d.last }
