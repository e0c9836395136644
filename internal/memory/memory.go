// Package memory keeps per-window short-term and long-term narrative memory
// plus the global system rules the narrator prompt is built from.
package memory

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/user/storyloom/internal/tokens"
	"github.com/user/storyloom/internal/types"
)

const (
	DefaultShortBudget = 1200
	DefaultLongLimit   = 40
	condensedRunes     = 80
)

var ErrEmptyText = errors.New("memory text is empty")

// Memory is safe for concurrent use.
type Memory struct {
	mu    sync.Mutex
	short map[types.WindowID][]string
	long  map[types.WindowID][]string
	rules []string

	counter     tokens.Counter
	shortBudget int
	longLimit   int
	logger      *slog.Logger
}

type Option func(*Memory)

// WithCounter sets the token counter used for the short-term budget.
func WithCounter(c tokens.Counter) Option {
	return func(m *Memory) { m.counter = c }
}

// WithShortBudget sets how many tokens short-term memory may hold before the
// oldest entries are folded into long-term memory.
func WithShortBudget(n int) Option {
	return func(m *Memory) {
		if n > 0 {
			m.shortBudget = n
		}
	}
}

// WithLongLimit caps the number of long-term lines per window.
func WithLongLimit(n int) Option {
	return func(m *Memory) {
		if n > 0 {
			m.longLimit = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Memory) { m.logger = l }
}

func New(opts ...Option) *Memory {
	m := &Memory{
		short:       make(map[types.WindowID][]string),
		long:        make(map[types.WindowID][]string),
		counter:     tokens.Approx{},
		shortBudget: DefaultShortBudget,
		longLimit:   DefaultLongLimit,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// PushReply records a committed reply and compacts the window.
func (m *Memory) PushReply(window types.WindowID, text string) error {
	if err := m.AppendToShortTermMemory(window, text); err != nil {
		return err
	}
	return m.UpdateAfterReply(window)
}

// AppendToShortTermMemory appends sanitized text without compaction.
func (m *Memory) AppendToShortTermMemory(window types.WindowID, text string) error {
	clean := Sanitize(text)
	if clean == "" {
		return ErrEmptyText
	}
	m.mu.Lock()
	m.short[window] = append(m.short[window], clean)
	m.mu.Unlock()
	return nil
}

// UpdateAfterReply folds the oldest short-term entries into condensed
// long-term lines until the short-term budget is met. The newest entry is
// always kept.
func (m *Memory) UpdateAfterReply(window types.WindowID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	short := m.short[window]
	used := 0
	for _, s := range short {
		used += m.counter.Count(s)
	}
	folded := 0
	for used > m.shortBudget && len(short) > 1 {
		oldest := short[0]
		short = short[1:]
		used -= m.counter.Count(oldest)
		m.long[window] = append(m.long[window], condense(oldest))
		folded++
	}
	m.short[window] = append([]string(nil), short...)

	if over := len(m.long[window]) - m.longLimit; over > 0 {
		m.long[window] = append([]string(nil), m.long[window][over:]...)
	}
	if folded > 0 {
		m.logger.Debug("memory compacted", "window", string(window), "folded", folded, "short_tokens", used)
	}
	return nil
}

// ForgetLastReply drops the newest short-term entry. Returns false when the
// window has none.
func (m *Memory) ForgetLastReply(window types.WindowID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	short := m.short[window]
	if len(short) == 0 {
		return false
	}
	m.short[window] = short[:len(short)-1]
	return true
}

func (m *Memory) Short(window types.WindowID) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.short[window]...)
}

func (m *Memory) Long(window types.WindowID) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.long[window]...)
}

func (m *Memory) Rules() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.rules...)
}

// SetRules replaces the system rules, dropping blanks.
func (m *Memory) SetRules(rules []string) {
	var kept []string
	for _, r := range rules {
		if r = strings.TrimSpace(r); r != "" {
			kept = append(kept, r)
		}
	}
	m.mu.Lock()
	m.rules = kept
	m.mu.Unlock()
}

// AddRule appends a rule unless an identical one exists.
func (m *Memory) AddRule(rule string) bool {
	rule = strings.TrimSpace(rule)
	if rule == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rules {
		if r == rule {
			return false
		}
	}
	m.rules = append(m.rules, rule)
	return true
}

// Reset clears short and long memory of one window.
func (m *Memory) Reset(window types.WindowID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.short, window)
	delete(m.long, window)
}

// Export returns a deep copy of all memory.
func (m *Memory) Export() types.MemoryState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return types.MemoryState{Short: m.short, Long: m.long, Rules: m.rules}.Clone()
}

// Import replaces all memory with a copy of s.
func (m *Memory) Import(s types.MemoryState) {
	c := s.Clone()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.short = c.Short
	m.long = c.Long
	m.rules = c.Rules
}

func condense(text string) string {
	line := strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(line) <= condensedRunes {
		return line
	}
	r := []rune(line)
	return string(r[:condensedRunes]) + "…"
}
