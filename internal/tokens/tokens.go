// Package tokens counts prompt tokens for budgeting memory and history.
package tokens

import (
	"unicode"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Counter returns the number of tokens text occupies.
type Counter interface {
	Count(text string) int
}

// Tiktoken counts with a BPE encoding.
type Tiktoken struct {
	enc *tiktoken.Tiktoken
}

func (t *Tiktoken) Count(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

// New picks the encoding for model, falling back to cl100k_base and finally
// to Approx when no encoding can be loaded (offline, unknown model).
func New(model string) Counter {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return Approx{}
		}
	}
	return &Tiktoken{enc: enc}
}

// Approx estimates tokens without an encoding: each CJK rune counts as one
// token, other text as one token per four bytes.
type Approx struct{}

func (Approx) Count(text string) int {
	if text == "" {
		return 0
	}
	n, ascii := 0, 0
	for _, r := range text {
		if unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) || unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r) {
			n++
			continue
		}
		ascii += utf8.RuneLen(r)
	}
	n += (ascii + 3) / 4
	return n
}
