package narration

import (
	"math/rand/v2"
	"regexp"
	"strings"

	"github.com/user/storyloom/internal/types"
)

// FailureText replaces the placeholder of a failed or cancelled attempt.
const FailureText = "这一次没有回应。"

// EmptyOutputSentinel is what some narrators return instead of an empty body.
const EmptyOutputSentinel = "[EMPTY_OUTPUT]"

// ContinueText is sent for a continue turn, which has no user entry.
const ContinueText = "（继续）"

var contamination = []*regexp.Regexp{
	regexp.MustCompile(`<\|im_(start|end)\|>`),
	regexp.MustCompile(`<\|(system|assistant|user|endoftext)\|>`),
	regexp.MustCompile(`(?i)\[(debug|system prompt|internal)\]`),
	regexp.MustCompile(`(?im)^\s*#{2,}\s*(instruction|system)s?\b`),
	regexp.MustCompile(`(?i)as an ai language model`),
}

var placeholders = []string{
	"……",
	"故事正在展开……",
	"墨迹未干……",
	"风声渐起……",
}

func placeholderText() string {
	return placeholders[rand.IntN(len(placeholders))]
}

// invalidReason returns a non-empty reason when the payload must not be
// committed.
func invalidReason(p types.NarrationPayload) string {
	text := strings.TrimSpace(p.Text)
	switch {
	case text == "":
		return "empty"
	case text == EmptyOutputSentinel:
		return "sentinel"
	case p.Meta.BadOutput:
		return "bad_output"
	case p.Meta.Refusal:
		return "refusal"
	}
	for _, re := range contamination {
		if re.MatchString(text) {
			return "contamination"
		}
	}
	return ""
}
