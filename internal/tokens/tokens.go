// Package tokens maps the fixed query vocabulary to CLIP text-encoder input.
//
// There is no byte-pair encoder here: each supported word has a single known
// BPE id in the CLIP vocabulary and the sequence is built around it.
package tokens

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// ContextLength is the CLIP text context window.
	ContextLength = 77
	StartOfText   = 49406
	EndOfText     = 49407
)

var ErrUnknownWord = errors.New("unknown word")

var vocabulary = []struct {
	word string
	id   int64
}{
	{"cat", 2368},
	{"dog", 1929},
	{"flower", 4055},
	{"fruit", 5190},
	{"horse", 4558},
}

// Canonical trims and lower-cases a user-supplied word.
func Canonical(word string) string {
	return strings.ToLower(strings.TrimSpace(word))
}

// Words returns the supported words in canonical order.
func Words() []string {
	out := make([]string, len(vocabulary))
	for i, v := range vocabulary {
		out[i] = v.word
	}
	return out
}

// Known reports whether word (after Canonical) is supported.
func Known(word string) bool {
	_, ok := lookup(Canonical(word))
	return ok
}

func lookup(word string) (int64, bool) {
	for _, v := range vocabulary {
		if v.word == word {
			return v.id, true
		}
	}
	return 0, false
}

// Encode returns the zero-padded ContextLength sequence
// [StartOfText, id, EndOfText, 0, ...] for word.
func Encode(word string) ([]int64, error) {
	w := Canonical(word)
	id, ok := lookup(w)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWord, w)
	}
	seq := make([]int64, ContextLength)
	seq[0] = StartOfText
	seq[1] = id
	seq[2] = EndOfText
	return seq, nil
}

// EndIndex returns the position of EndOfText in seq, or -1.
func EndIndex(seq []int64) int {
	for i, t := range seq {
		if t == EndOfText {
			return i
		}
	}
	return -1
}
