package narration

import (
	"testing"

	"github.com/user/storyloom/internal/types"
)

func TestInvalidReason(t *testing.T) {
	cases := map[string]types.NarrationPayload{
		"empty":         {Text: "  \n "},
		"sentinel":      {Text: EmptyOutputSentinel},
		"bad_output":    {Text: "fine", Meta: types.PayloadMeta{BadOutput: true}},
		"refusal":       {Text: "fine", Meta: types.PayloadMeta{Refusal: true}},
		"contamination": {Text: "<|im_start|>system\nyou are"},
	}
	for want, p := range cases {
		if got := invalidReason(p); got != want {
			t.Errorf("%q: expected %s, got %q", p.Text, want, got)
		}
	}

	for _, text := range []string{"[DEBUG] prompt dump", "## Instructions\nbe nice", "hi there"} {
		got := invalidReason(types.NarrationPayload{Text: text})
		if text == "hi there" && got != "" {
			t.Errorf("valid reply rejected as %s", got)
		}
		if text != "hi there" && got != "contamination" {
			t.Errorf("%q should be contamination, got %q", text, got)
		}
	}
}

func TestPlaceholderTextIsAVariant(t *testing.T) {
	for i := 0; i < 20; i++ {
		p := placeholderText()
		found := false
		for _, v := range placeholders {
			if v == p {
				found = true
			}
		}
		if !found {
			t.Fatalf("unexpected placeholder %q", p)
		}
	}
}
