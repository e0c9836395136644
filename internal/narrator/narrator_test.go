package narrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/user/storyloom/internal/tokens"
	"github.com/user/storyloom/internal/types"
	"github.com/user/storyloom/pkg/llm"
)

type mockProvider struct {
	last llm.Request
	resp *llm.Response
	err  error
}

func (m *mockProvider) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	m.last = req
	if m.err != nil {
		return nil, m.err
	}
	return m.resp, nil
}

type staticHistory []types.StoryEntry

func (h staticHistory) Story() []types.StoryEntry { return h }

type staticMemory struct{}

func (staticMemory) Short(types.WindowID) []string { return []string{"> knock", "The door creaks."} }
func (staticMemory) Long(types.WindowID) []string  { return []string{"The hero arrived at dusk."} }
func (staticMemory) Rules() []string               { return []string{"No magic exists."} }

const win types.WindowID = "cli:test"

func entry(role types.Role, text string, meta types.Meta) types.StoryEntry {
	meta.WindowID = win
	return types.StoryEntry{ID: types.NewEntryID(), Role: role, Text: text, Meta: meta}
}

func TestGenerateEchoesIdentity(t *testing.T) {
	p := &mockProvider{resp: &llm.Response{Content: "The night is quiet.", FinishReason: "stop"}}
	n, err := New(p, nil, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	resp, err := n.Generate(context.Background(), types.NarrationRequest{
		Text: "look around", WindowID: win, RequestID: "r1", Model: "gpt-4o", Channel: types.ChannelStory,
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.WindowID != win || resp.RequestID != "r1" || resp.Payload.Text != "The night is quiet." {
		t.Errorf("unexpected response %+v", resp)
	}
	if resp.Payload.Meta.Refusal || resp.Payload.Meta.Channel != types.ChannelStory {
		t.Errorf("unexpected meta %+v", resp.Payload.Meta)
	}
	if p.last.Model != "gpt-4o" {
		t.Errorf("model not forwarded, got %q", p.last.Model)
	}
}

func TestContentFilterIsRefusal(t *testing.T) {
	p := &mockProvider{resp: &llm.Response{Content: "", FinishReason: llm.FinishContentFilter}}
	n, _ := New(p, nil, nil, "")
	resp, err := n.Generate(context.Background(), types.NarrationRequest{Text: "x", WindowID: win})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Payload.Meta.Refusal {
		t.Error("content_filter should be reported as refusal")
	}
}

func TestGenerateWrapsProviderError(t *testing.T) {
	sentinel := errors.New("connection refused")
	n, _ := New(&mockProvider{err: sentinel}, nil, nil, "")
	if _, err := n.Generate(context.Background(), types.NarrationRequest{Text: "x"}); !errors.Is(err, sentinel) {
		t.Errorf("expected wrapped provider error, got %v", err)
	}
}

func TestBuildPromptIncludesMemoryAndHint(t *testing.T) {
	clock := func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	n, _ := New(&mockProvider{}, nil, staticMemory{}, "", WithClock(clock))
	msgs, err := n.BuildPrompt(types.NarrationRequest{Text: "open it", WindowID: win, RewriteHint: "more tension", UserIntent: "explore"})
	if err != nil {
		t.Fatal(err)
	}
	sys := msgs[0].Content
	for _, want := range []string{"No magic exists.", "The hero arrived at dusk.", "The door creaks.", "more tension", "explore", "2026-03-01T12:00:00Z"} {
		if !strings.Contains(sys, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
	if last := msgs[len(msgs)-1]; last.Role != "user" || last.Content != "open it" {
		t.Errorf("last message should be the request text, got %+v", last)
	}
}

func TestHistoryWindowFiltersAndDedupes(t *testing.T) {
	h := staticHistory{
		entry(types.RoleUser, "hello", types.Meta{}),
		entry(types.RoleSystem, "hi there", types.Meta{Narrator: true}),
		entry(types.RoleSystem, "这一次没有回应。", types.Meta{Error: true}),
		{ID: "x", Role: types.RoleUser, Text: "other window", Meta: types.Meta{WindowID: "cli:other"}},
		entry(types.RoleUser, "go north", types.Meta{}),
		entry(types.RoleSystem, "……", types.Meta{Placeholder: true, Loading: true}),
	}
	n, _ := New(&mockProvider{}, h, nil, "")
	msgs, err := n.BuildPrompt(types.NarrationRequest{Text: "go north", WindowID: win})
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, m := range msgs[1:] {
		got = append(got, m.Role+":"+m.Content)
	}
	want := []string{"user:hello", "assistant:hi there", "user:go north"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestHistoryRespectsBudget(t *testing.T) {
	h := staticHistory{
		entry(types.RoleUser, strings.Repeat("old ", 200), types.Meta{}),
		entry(types.RoleSystem, "recent reply", types.Meta{Narrator: true}),
	}
	n, _ := New(&mockProvider{}, h, nil, "{{.Window}}", WithCounter(tokens.Approx{}), WithBudget(60, 10))
	msgs, err := n.BuildPrompt(types.NarrationRequest{Text: "next", WindowID: win})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 || msgs[1].Content != "recent reply" {
		t.Errorf("expected only the recent reply to fit, got %+v", msgs)
	}
}

func TestBadTemplate(t *testing.T) {
	if _, err := New(&mockProvider{}, nil, nil, "{{.Nope"); err == nil {
		t.Error("expected template parse error")
	}
}
