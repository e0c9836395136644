package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/storyloom/internal/engine"
	"github.com/user/storyloom/internal/narration"
	"github.com/user/storyloom/internal/types"
	"github.com/user/storyloom/internal/world"
)

const (
	maxTelegramMessage = 4096
	windowPrefix       = "telegram"
	outboxSize         = 64
)

// Sender posts text to a chat.
type Sender interface {
	Send(chatID int64, text string) error
}

// Adapter bridges Telegram chats to narrative engines, one window per chat.
type Adapter struct {
	bot    *tgbotapi.BotAPI
	pool   *engine.Pool
	sender Sender
	logger *slog.Logger

	mu      sync.Mutex
	watched map[types.WindowID]func()

	// Messages go out through one queue per chat so store listeners never
	// wait on the network.
	omu      sync.Mutex
	outboxes map[int64]chan string
	closed   bool
	inflight sync.WaitGroup
	drains   sync.WaitGroup
}

// New creates a Telegram adapter backed by the Bot API.
func New(token string, pool *engine.Pool) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	a := NewWithSender(pool, &botSender{bot: bot})
	a.bot = bot
	return a, nil
}

// NewWithSender creates an adapter that posts through sender and does no
// polling of its own.
func NewWithSender(pool *engine.Pool, sender Sender) *Adapter {
	return &Adapter{
		pool:    pool,
		sender:  sender,
		logger:  slog.Default().With("component", "telegram"),
		watched:  make(map[types.WindowID]func()),
		outboxes: make(map[int64]chan string),
	}
}

// Start begins long-polling for Telegram updates.
func (a *Adapter) Start(ctx context.Context) {
	if a.bot == nil {
		return
	}
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := a.bot.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			a.handleMessage(ctx, update.Message)
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			a.Close()
			return
		}
	}
}

// Deliver sends a notice to the chat behind window. It is registered with the
// delivery registry under the "telegram:" prefix.
func (a *Adapter) Deliver(window types.WindowID, message string) error {
	chatID, err := chatIDFromWindow(window)
	if err != nil {
		return err
	}
	a.post(chatID, message)
	return nil
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.IsCommand() {
		a.HandleCommand(ctx, msg.Chat.ID, msg.Command(), msg.CommandArguments())
		return
	}
	a.HandleText(ctx, msg.Chat.ID, msg.Text)
}

// HandleText submits a user turn to the chat's window.
func (a *Adapter) HandleText(ctx context.Context, chatID int64, text string) {
	e, err := a.engineFor(ctx, chatID)
	if err != nil {
		a.logger.Error("open window", "chat_id", chatID, "error", err)
		a.post(chatID, "Sorry, this story could not be opened.")
		return
	}
	if _, err := e.Controller.Submit(ctx, text, narration.CycleOptions{}); err != nil {
		a.replyError(chatID, err)
	}
}

// HandleCommand runs a slash command for the chat.
func (a *Adapter) HandleCommand(ctx context.Context, chatID int64, command, args string) {
	args = strings.TrimSpace(args)

	if command == "start" {
		a.post(chatID, "Welcome to storyloom. Describe what you do and the narrator will answer.\nCommands: /retry [hint], /edit <text>, /resend, /continue, /undo, /status")
		return
	}

	e, err := a.engineFor(ctx, chatID)
	if err != nil {
		a.logger.Error("open window", "chat_id", chatID, "error", err)
		a.post(chatID, "Sorry, this story could not be opened.")
		return
	}
	ctrl := e.Controller

	switch command {
	case "retry":
		latest, ok := latestSystem(e)
		if !ok {
			a.post(chatID, "Nothing to retry yet.")
			return
		}
		_, err = ctrl.Retry(ctx, latest.ID, narration.RetryOptions{RewriteHint: args})

	case "resend":
		latest, ok := latestSystem(e)
		if !ok {
			a.post(chatID, "Nothing to resend.")
			return
		}
		_, err = ctrl.Resend(ctx, latest.ID)

	case "edit":
		if args == "" {
			a.post(chatID, "Usage: /edit <new text>")
			return
		}
		latest, ok := latestSystem(e)
		if !ok {
			a.post(chatID, "Nothing to edit yet.")
			return
		}
		if err = ctrl.Edit(latest.ID, args, narration.EditOptions{Checkpoint: true}); err == nil {
			a.post(chatID, "Reply edited.")
		}

	case "continue":
		_, err = ctrl.Continue(ctx)

	case "undo":
		snaps := ctrl.Rewindable()
		if len(snaps) < 2 {
			a.post(chatID, "Nothing to undo.")
			return
		}
		if err = ctrl.Rewind(snaps[1].ID); err == nil {
			a.post(chatID, "Rewound to: "+snaps[1].Label)
		}

	case "status":
		story := e.Store.Story()
		a.post(chatID, fmt.Sprintf("Window: %s\nEntries: %d\nSnapshots: %d\nModel: %s\nPending: %t",
			e.Window, len(story), e.Timeline.Len(), ctrl.Model(), ctrl.Pending()))

	default:
		a.post(chatID, "Unknown command. Available: /start, /retry, /edit, /resend, /continue, /undo, /status")
	}

	if err != nil {
		a.replyError(chatID, err)
	}
}

func (a *Adapter) engineFor(ctx context.Context, chatID int64) (*engine.Engine, error) {
	window := buildWindowID(chatID)
	e, err := a.pool.Get(ctx, window)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	if _, ok := a.watched[window]; !ok {
		a.watched[window] = e.Store.Subscribe(func(ev world.Event) { a.render(chatID, ev) })
	}
	a.mu.Unlock()
	return e, nil
}

// render forwards settled narrator output to the chat.
func (a *Adapter) render(chatID int64, ev world.Event) {
	var entry types.StoryEntry
	switch ev := ev.(type) {
	case world.StoryUpdated:
		entry = ev.Entry
	case world.StoryAppended:
		entry = ev.Entry
	default:
		return
	}
	if entry.Role != types.RoleSystem || entry.Meta.Placeholder || entry.Meta.Loading || entry.Meta.Edited {
		return
	}
	switch {
	case entry.Meta.Error && entry.Meta.ResendFor != "":
		a.post(chatID, entry.Text+"\n(/resend to try again)")
	case entry.Meta.Error, entry.Meta.Narrator:
		a.post(chatID, entry.Text)
	}
}

func (a *Adapter) unwatchAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for w, unsub := range a.watched {
		unsub()
		delete(a.watched, w)
	}
}

func (a *Adapter) replyError(chatID int64, err error) {
	switch {
	case errors.Is(err, narration.ErrSessionPending):
		a.post(chatID, "The narrator is still writing. Please wait.")
	case errors.Is(err, narration.ErrNotLatest):
		a.post(chatID, "Only the latest reply can be changed.")
	case errors.Is(err, narration.ErrNotFailed):
		a.post(chatID, "The latest reply did not fail. Use /retry instead.")
	case errors.Is(err, narration.ErrEmptyText):
		a.post(chatID, "Say something first.")
	default:
		a.logger.Warn("command failed", "chat_id", chatID, "error", err)
		a.post(chatID, "Sorry, that did not work.")
	}
}

// post queues text for chatID. A full queue drops the message.
func (a *Adapter) post(chatID int64, text string) {
	a.omu.Lock()
	defer a.omu.Unlock()
	if a.closed {
		return
	}
	box, ok := a.outboxes[chatID]
	if !ok {
		box = make(chan string, outboxSize)
		a.outboxes[chatID] = box
		a.drains.Add(1)
		go a.drain(chatID, box)
	}
	a.inflight.Add(1)
	select {
	case box <- text:
	default:
		a.inflight.Done()
		a.logger.Warn("outbox full, message dropped", "chat_id", chatID)
	}
}

func (a *Adapter) drain(chatID int64, box <-chan string) {
	defer a.drains.Done()
	for text := range box {
		a.sendResponse(chatID, text)
		a.inflight.Done()
	}
}

// Flush blocks until every queued message has been handed to the sender.
func (a *Adapter) Flush() {
	a.inflight.Wait()
}

// Close stops rendering story updates and waits for queued messages to go out.
func (a *Adapter) Close() {
	a.unwatchAll()
	a.omu.Lock()
	if a.closed {
		a.omu.Unlock()
		return
	}
	a.closed = true
	for id, box := range a.outboxes {
		close(box)
		delete(a.outboxes, id)
	}
	a.omu.Unlock()
	a.drains.Wait()
}

func (a *Adapter) sendResponse(chatID int64, text string) {
	for _, part := range splitMessage(text) {
		if err := a.sender.Send(chatID, part); err != nil {
			a.logger.Error("send message", "chat_id", chatID, "error", err)
		}
	}
}

func latestSystem(e *engine.Engine) (types.StoryEntry, bool) {
	story := e.Store.Story()
	for i := len(story) - 1; i >= 0; i-- {
		if story[i].Role == types.RoleSystem && story[i].Meta.WindowID == e.Window {
			return story[i], true
		}
	}
	return types.StoryEntry{}, false
}

type botSender struct {
	bot *tgbotapi.BotAPI
}

func (s *botSender) Send(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := s.bot.Send(msg); err != nil {
		// Retry without markdown if it fails
		msg.ParseMode = ""
		if _, err := s.bot.Send(msg); err != nil {
			return err
		}
	}
	return nil
}

// splitMessage cuts text into Telegram-sized parts on rune boundaries.
func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := maxTelegramMessage
		if end >= len(text) {
			parts = append(parts, text)
			break
		}
		for end > 0 && !utf8.RuneStart(text[end]) {
			end--
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}

func buildWindowID(chatID int64) types.WindowID {
	return types.NewWindowID(windowPrefix, strconv.FormatInt(chatID, 10))
}

func chatIDFromWindow(window types.WindowID) (int64, error) {
	prefix, rest, ok := strings.Cut(string(window), ":")
	if !ok || prefix != windowPrefix {
		return 0, fmt.Errorf("not a telegram window: %s", window)
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse chat id from %s: %w", window, err)
	}
	return id, nil
}
