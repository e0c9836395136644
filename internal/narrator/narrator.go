// Package narrator turns narration requests into token-budgeted chat
// completions against an LLM provider.
package narrator

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"text/template"
	"time"

	"github.com/user/storyloom/internal/tokens"
	"github.com/user/storyloom/internal/types"
	"github.com/user/storyloom/pkg/llm"
)

// History exposes the story log the prompt is built from.
type History interface {
	Story() []types.StoryEntry
}

// MemoryView is the read side of the memory subsystem.
type MemoryView interface {
	Short(window types.WindowID) []string
	Long(window types.WindowID) []string
	Rules() []string
}

// Narrator implements types.Narrator over an llm.Provider.
type Narrator struct {
	provider  llm.Provider
	history   History
	memory    MemoryView
	counter   tokens.Counter
	tmpl      *template.Template
	maxTokens int
	reserve   int
	now       func() time.Time
	logger    *slog.Logger
}

type Option func(*Narrator)

// WithBudget sets the context window size and the tokens reserved for the reply.
func WithBudget(maxTokens, reserve int) Option {
	return func(n *Narrator) {
		if maxTokens > 0 {
			n.maxTokens = maxTokens
		}
		if reserve >= 0 {
			n.reserve = reserve
		}
	}
}

func WithCounter(c tokens.Counter) Option {
	return func(n *Narrator) { n.counter = c }
}

func WithClock(now func() time.Time) Option {
	return func(n *Narrator) { n.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(n *Narrator) { n.logger = l }
}

// New parses promptTemplate (DefaultPrompt when empty) and returns a narrator.
// memory may be nil.
func New(provider llm.Provider, history History, memory MemoryView, promptTemplate string, opts ...Option) (*Narrator, error) {
	if promptTemplate == "" {
		promptTemplate = DefaultPrompt
	}
	tmpl, err := template.New("system").Parse(promptTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse prompt template: %w", err)
	}
	n := &Narrator{
		provider:  provider,
		history:   history,
		memory:    memory,
		counter:   tokens.Approx{},
		tmpl:      tmpl,
		maxTokens: 8192,
		reserve:   1024,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Generate builds the prompt for req and asks the provider for a reply. The
// response echoes the request's window and request ids.
func (n *Narrator) Generate(ctx context.Context, req types.NarrationRequest) (*types.NarrationResponse, error) {
	messages, err := n.BuildPrompt(req)
	if err != nil {
		return nil, err
	}

	resp, err := n.provider.Complete(ctx, llm.Request{
		Model:    req.Model,
		Messages: messages,
	})
	if err != nil {
		return nil, fmt.Errorf("complete: %w", err)
	}

	n.logger.Debug("narrator reply",
		"window", string(req.WindowID),
		"request_id", string(req.RequestID),
		"model", resp.Model,
		"finish_reason", resp.FinishReason,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
	)

	return &types.NarrationResponse{
		Action:    "narrate",
		WindowID:  req.WindowID,
		RequestID: req.RequestID,
		Payload: types.NarrationPayload{
			Text: resp.Content,
			Meta: types.PayloadMeta{
				Refusal: resp.FinishReason == llm.FinishContentFilter,
				Channel: req.Channel,
			},
		},
	}, nil
}

// BuildPrompt assembles the system prompt, as much window history as fits
// the budget, and the request text as the final user message.
func (n *Narrator) BuildPrompt(req types.NarrationRequest) ([]llm.Message, error) {
	data := PromptData{
		Time:        n.now().Format(time.RFC3339),
		Window:      string(req.WindowID),
		Channel:     string(req.Channel),
		UserIntent:  req.UserIntent,
		RewriteHint: req.RewriteHint,
	}
	if n.memory != nil {
		data.Rules = n.memory.Rules()
		data.LongMemory = n.memory.Long(req.WindowID)
		data.ShortMemory = n.memory.Short(req.WindowID)
	}
	var buf bytes.Buffer
	if err := n.tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render prompt: %w", err)
	}
	system := buf.String()

	remaining := n.maxTokens - n.reserve - n.counter.Count(system) - n.counter.Count(req.Text)
	history := n.window(req, remaining)

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: "system", Content: system})
	messages = append(messages, history...)
	messages = append(messages, llm.Message{Role: "user", Content: req.Text})
	return messages, nil
}

// window returns the newest settled turns of the request's window that fit
// budget, oldest first.
func (n *Narrator) window(req types.NarrationRequest, budget int) []llm.Message {
	if n.history == nil || budget <= 0 {
		return nil
	}
	var turns []types.StoryEntry
	for _, e := range n.history.Story() {
		if e.Meta.WindowID != req.WindowID || e.Meta.Placeholder || e.Meta.Loading || e.Meta.Error {
			continue
		}
		if e.Role == types.RoleSystem && !e.Meta.Narrator {
			continue
		}
		turns = append(turns, e)
	}
	if k := len(turns); k > 0 && turns[k-1].Role == types.RoleUser && strings.TrimSpace(turns[k-1].Text) == strings.TrimSpace(req.Text) {
		turns = turns[:k-1]
	}

	var picked []llm.Message
	used := 0
	for i := len(turns) - 1; i >= 0; i-- {
		cost := n.counter.Count(turns[i].Text)
		if used+cost > budget {
			break
		}
		used += cost
		role := "assistant"
		if turns[i].Role == types.RoleUser {
			role = "user"
		}
		picked = append(picked, llm.Message{Role: role, Content: turns[i].Text})
	}
	slices.Reverse(picked)
	return picked
}
