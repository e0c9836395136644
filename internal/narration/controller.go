// Package narration runs the generation session state machine: at most one
// pending narrator request per window, identity-checked resolution, and the
// retry/edit/rewind flows built on the snapshot timeline.
package narration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"golang.org/x/sync/semaphore"

	"github.com/user/storyloom/internal/timeline"
	"github.com/user/storyloom/internal/types"
	"github.com/user/storyloom/internal/world"
)

var (
	ErrSessionPending = errors.New("a narration is already pending in this window")
	ErrWindowMismatch = errors.New("reply window does not match the active window")
	ErrNotLatest      = errors.New("only the latest reply can be changed")
	ErrNotFailed      = errors.New("entry is not a failed reply")
	ErrNoUserInput    = errors.New("no user input to resend")
	ErrNotAllowed     = errors.New("snapshot is not rewindable in this window")
	ErrEmptyText      = errors.New("text is empty")
	ErrClosed         = errors.New("controller is closed")
)

// MismatchNotice is surfaced when a reply could not be written because the
// active window changed.
const MismatchNotice = "回复所属的窗口已切换，本次回复未写入。"

// Controller owns the generation sessions of one world store.
type Controller struct {
	store    *world.Store
	timeline *timeline.Timeline
	memory   types.Memory
	narrator types.Narrator
	notifier types.Notifier
	limiter  *semaphore.Weighted
	retry    *RetryPolicy
	logger   *slog.Logger

	// wmu guards window only; store listeners read it while the controller
	// may hold mu.
	wmu    sync.RWMutex
	window types.WindowID

	// opMu serializes the public operations so each one checks the pending
	// slot, mutates the store and arms its session as a single step. The
	// dispatch goroutine never takes it.
	opMu sync.Mutex

	mu         sync.Mutex
	model      string
	generation uint64
	sessions   map[types.WindowID]*Session
	opened     map[types.WindowID]bool
	closed     bool

	allowed     *timeline.AllowedSet
	unsubscribe func()

	lifetime context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
}

// Option configures a Controller.
type Option func(*Controller)

// WithModel sets the default narrator model.
func WithModel(model string) Option {
	return func(c *Controller) { c.model = model }
}

// WithLimiter bounds concurrent narrator calls across controllers sharing sem.
func WithLimiter(sem *semaphore.Weighted) Option {
	return func(c *Controller) { c.limiter = sem }
}

func WithRetryPolicy(p *RetryPolicy) Option {
	return func(c *Controller) { c.retry = p }
}

func WithNotifier(n types.Notifier) Option {
	return func(c *Controller) { c.notifier = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// New wires a controller to its collaborators. memory may be nil.
func New(store *world.Store, tl *timeline.Timeline, memory types.Memory, narrator types.Narrator, window types.WindowID, opts ...Option) *Controller {
	c := &Controller{
		store:    store,
		timeline: tl,
		memory:   memory,
		narrator: narrator,
		window:   window,
		retry:    DefaultRetryPolicy(),
		logger:   slog.Default(),
		sessions: make(map[types.WindowID]*Session),
		opened:   make(map[types.WindowID]bool),
		allowed:  timeline.NewAllowedSet(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.lifetime, c.stop = context.WithCancel(context.Background())
	c.allowed.Recompute(store.Story(), window)
	c.unsubscribe = store.Subscribe(func(ev world.Event) {
		if world.TouchesStory(ev) {
			c.allowed.Recompute(c.store.Story(), c.Window())
		}
	})
	return c
}

// Window returns the active window.
func (c *Controller) Window() types.WindowID {
	c.wmu.RLock()
	defer c.wmu.RUnlock()
	return c.window
}

// SwitchWindow makes w the active window. Sessions pending in other windows
// keep running.
func (c *Controller) SwitchWindow(w types.WindowID) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.wmu.Lock()
	c.window = w
	c.wmu.Unlock()
	c.allowed.Recompute(c.store.Story(), w)
}

func (c *Controller) Model() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model
}

func (c *Controller) SetModel(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.model = model
}

// Pending reports whether the active window has a session in flight.
func (c *Controller) Pending() bool {
	return c.PendingIn(c.Window())
}

func (c *Controller) PendingIn(w types.WindowID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[w] != nil
}

// FirstTurn reports whether no reply has been committed in the active window.
func (c *Controller) FirstTurn() bool {
	return c.isFirstTurn(c.Window())
}

// Rewindable lists the snapshots the active window may rewind to, newest first.
func (c *Controller) Rewindable() []types.Snapshot {
	return c.timeline.Rewindable(c.allowed)
}

// Wait blocks until every dispatched request has resolved.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Submit appends a user turn and starts a narrator cycle for it.
func (c *Controller) Submit(ctx context.Context, text string, opts CycleOptions) (types.RequestID, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyText
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()
	window := c.Window()
	if c.PendingIn(window) {
		return "", ErrSessionPending
	}
	user := c.store.AppendStory(types.RoleUser, text, types.Meta{
		WindowID:    window,
		Channel:     opts.Channel,
		SystemInput: opts.SystemInput,
	})[0]
	if c.memory != nil && opts.Channel.Summarized() {
		if err := c.memory.AppendToShortTermMemory(window, "> "+text); err != nil {
			c.logger.Warn("append user turn to memory", "window", string(window), "error", err)
		}
	}
	opts.UserEntryID = user.ID
	return c.startCycle(ctx, text, opts)
}

// StartNarratorCycle arms a placeholder and dispatches text to the narrator.
// A window that already has a pending session is left untouched and
// ErrSessionPending is returned.
func (c *Controller) StartNarratorCycle(ctx context.Context, text string, opts CycleOptions) (types.RequestID, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.startCycle(ctx, text, opts)
}

// startCycle must be called with opMu held.
func (c *Controller) startCycle(ctx context.Context, text string, opts CycleOptions) (types.RequestID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	window := c.Window()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	if c.sessions[window] != nil {
		c.mu.Unlock()
		c.logger.Debug("narration already pending", "window", string(window))
		return "", ErrSessionPending
	}
	c.generation++
	sess := &Session{
		WindowID:    window,
		Generation:  c.generation,
		RequestID:   types.NewRequestID(window, c.generation),
		Status:      StatusPending,
		UserEntryID: opts.UserEntryID,
		Text:        text,
		Channel:     opts.Channel,
		CountRound:  !opts.Uncounted,
	}
	if opts.Model != "" && opts.Model != c.model {
		sess.PrevNarratorModel = c.model
		sess.modelOverride = true
		c.model = opts.Model
	}
	sess.NarratorModel = c.model
	sess.token = newCancelToken(ctx, c.lifetime, window, sess.RequestID)
	c.sessions[window] = sess
	c.mu.Unlock()

	placeholder := c.store.AppendStory(types.RoleSystem, placeholderText(), types.Meta{
		WindowID:    window,
		Placeholder: true,
		Loading:     true,
		RequestID:   sess.RequestID,
		Channel:     opts.Channel,
	})[0]

	req := types.NarrationRequest{
		Text:        text,
		WindowID:    window,
		RequestID:   sess.RequestID,
		RewriteHint: opts.RewriteHint,
		UserIntent:  opts.UserIntent,
		Channel:     opts.Channel,
		Model:       sess.NarratorModel,
	}

	c.mu.Lock()
	sess.PlaceholderID = placeholder.ID
	active := c.sessions[window] == sess
	if active {
		c.wg.Add(1)
		go c.dispatch(sess, req)
	}
	c.mu.Unlock()

	if !active {
		// Cancelled before the placeholder existed; fail it now.
		c.failPlaceholder(sess, sess.token.Reason() != ReasonUnload)
		sess.token.release()
		return sess.RequestID, nil
	}

	c.logger.Info("narration started",
		"window", string(window),
		"request_id", string(sess.RequestID),
		"model", sess.NarratorModel,
		"count_round", sess.CountRound,
	)
	return sess.RequestID, nil
}

func (c *Controller) dispatch(sess *Session, req types.NarrationRequest) {
	defer c.wg.Done()
	ctx := sess.token.Context()

	if c.limiter != nil {
		if err := c.limiter.Acquire(ctx, 1); err != nil {
			c.resolve(sess, nil, fmt.Errorf("acquire narrator slot: %w", err))
			return
		}
		defer c.limiter.Release(1)
	}

	var resp *types.NarrationResponse
	err := c.retry.Execute(ctx, func() error {
		r, err := c.narrator.Generate(ctx, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	c.resolve(sess, resp, err)
}

// resolve applies a narrator outcome if sess is still the window's active,
// uncancelled session. A response for a session that is no longer active is
// dropped without touching the store. On the active session, an error, a
// missing response, a window or request identity mismatch, an aborted reply
// and an invalid payload all fail the placeholder with a resend offer, so no
// loading entry outlives the session.
func (c *Controller) resolve(sess *Session, resp *types.NarrationResponse, err error) {
	c.mu.Lock()
	if c.sessions[sess.WindowID] != sess || sess.Status != StatusPending || sess.token.Cancelled() {
		c.mu.Unlock()
		c.logger.Debug("stale narration dropped",
			"window", string(sess.WindowID),
			"request_id", string(sess.RequestID),
		)
		sess.token.release()
		return
	}
	sess.settling = true
	c.mu.Unlock()

	status := StatusAborted
	switch {
	case err != nil:
		c.logger.Warn("narration failed", "window", string(sess.WindowID), "request_id", string(sess.RequestID), "error", err)
		c.failPlaceholder(sess, true)
	case resp == nil:
		c.logger.Warn("narration returned no response", "window", string(sess.WindowID), "request_id", string(sess.RequestID))
		c.failPlaceholder(sess, true)
	case !sess.token.Matches(resp.WindowID, resp.RequestID):
		c.logger.Warn("narration identity mismatch",
			"window", string(sess.WindowID),
			"request_id", string(sess.RequestID),
			"response_window", string(resp.WindowID),
			"response_request_id", string(resp.RequestID),
		)
		c.failPlaceholder(sess, true)
	case resp.Aborted:
		c.logger.Info("narration aborted by narrator", "window", string(sess.WindowID), "request_id", string(sess.RequestID))
		c.failPlaceholder(sess, true)
	default:
		if reason := invalidReason(resp.Payload); reason != "" {
			c.logger.Warn("narration rejected", "window", string(sess.WindowID), "request_id", string(sess.RequestID), "reason", reason)
			c.failPlaceholder(sess, true)
			break
		}
		if err := c.commit(sess, resp); err != nil {
			c.logger.Warn("narration commit failed", "window", string(sess.WindowID), "request_id", string(sess.RequestID), "error", err)
			break
		}
		status = StatusCommitted
	}

	c.finish(sess, status)
}

func (c *Controller) commit(sess *Session, resp *types.NarrationResponse) error {
	text := strings.TrimSpace(resp.Payload.Text)
	channel := sess.Channel
	if resp.Payload.Meta.Channel != "" {
		channel = resp.Payload.Meta.Channel
	}
	window := sess.WindowID
	opening := c.isFirstTurn(window)

	entryID := sess.PlaceholderID
	err := c.store.EditStory(entryID, text, func(m *types.Meta) {
		m.Placeholder = false
		m.Loading = false
		m.Error = false
		m.ResendFor = ""
		m.Narrator = true
		m.Opening = opening
		m.Channel = channel
	})
	if err != nil {
		if !errors.Is(err, world.ErrEntryNotFound) {
			return err
		}
		if window != c.Window() {
			c.notify(window, MismatchNotice)
			return fmt.Errorf("commit %s: %w", sess.RequestID, ErrWindowMismatch)
		}
		c.logger.Info("placeholder gone, appending reply", "window", string(window), "request_id", string(sess.RequestID))
		entryID = c.store.AppendStory(types.RoleSystem, text, types.Meta{
			WindowID:  window,
			Narrator:  true,
			Opening:   opening,
			Channel:   channel,
			RequestID: sess.RequestID,
		})[0].ID
	}

	if c.memory != nil && channel.Summarized() {
		if err := c.memory.PushReply(window, text); err != nil {
			c.logger.Warn("push reply to memory", "window", string(window), "error", err)
		}
	}

	kind := types.KindReply
	if !sess.CountRound {
		kind = types.KindSidecar
	}
	snapID := types.NewSnapshotID()
	if err := c.store.AttachSnapshot(entryID, snapID); err != nil {
		c.logger.Warn("attach snapshot", "entry_id", string(entryID), "error", err)
	}
	c.timeline.Save(label(text), timeline.SaveOptions{
		ID:            snapID,
		Kind:          kind,
		WindowID:      window,
		NarratorModel: sess.NarratorModel,
	})

	c.mu.Lock()
	c.opened[window] = true
	c.mu.Unlock()

	c.logger.Info("narration committed",
		"window", string(window),
		"request_id", string(sess.RequestID),
		"entry_id", string(entryID),
		"snapshot_id", string(snapID),
		"kind", string(kind),
	)
	return nil
}

// finish releases the window slot and restores a temporary model override.
func (c *Controller) finish(sess *Session, status Status) {
	c.mu.Lock()
	sess.Status = status
	if c.sessions[sess.WindowID] == sess {
		delete(c.sessions, sess.WindowID)
	}
	c.restoreModel(sess)
	c.mu.Unlock()
	sess.token.release()
}

// restoreModel must be called with mu held.
func (c *Controller) restoreModel(sess *Session) {
	if sess.modelOverride && c.model == sess.NarratorModel {
		c.model = sess.PrevNarratorModel
	}
}

func (c *Controller) failPlaceholder(sess *Session, offerResend bool) {
	if sess.PlaceholderID == "" {
		return
	}
	err := c.store.EditStory(sess.PlaceholderID, FailureText, func(m *types.Meta) {
		m.Placeholder = false
		m.Loading = false
		m.Narrator = false
		m.Error = true
		m.ResendFor = ""
		if offerResend {
			m.ResendFor = sess.UserEntryID
		}
	})
	if err != nil {
		c.logger.Debug("failed placeholder already gone", "entry_id", string(sess.PlaceholderID), "error", err)
	}
}

// Cancel abandons the active window's pending session. Sessions whose reply is
// already being written are left to finish. Returns false when nothing was
// cancelled.
func (c *Controller) Cancel(reason CancelReason) bool {
	window := c.Window()
	c.mu.Lock()
	sess := c.sessions[window]
	c.mu.Unlock()
	if sess == nil {
		return false
	}
	return c.cancelSession(sess, reason)
}

func (c *Controller) cancelSession(sess *Session, reason CancelReason) bool {
	c.mu.Lock()
	if sess.settling || sess.Status != StatusPending || c.sessions[sess.WindowID] != sess {
		c.mu.Unlock()
		return false
	}
	sess.Status = StatusAborted
	delete(c.sessions, sess.WindowID)
	c.restoreModel(sess)
	c.mu.Unlock()

	sess.token.Cancel(reason)
	c.logger.Info("narration cancelled", "window", string(sess.WindowID), "request_id", string(sess.RequestID), "reason", string(reason))
	c.failPlaceholder(sess, reason != ReasonUnload)
	return true
}

// Close cancels every pending session as an unload and waits for dispatches
// to return.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		pending = append(pending, s)
	}
	c.mu.Unlock()

	for _, s := range pending {
		c.cancelSession(s, ReasonUnload)
	}
	c.stop()
	c.wg.Wait()
	c.unsubscribe()
}

func (c *Controller) notify(w types.WindowID, msg string) {
	if c.notifier != nil {
		c.notifier.Notify(w, msg)
	}
}

func (c *Controller) isFirstTurn(w types.WindowID) bool {
	c.mu.Lock()
	opened := c.opened[w]
	c.mu.Unlock()
	if opened {
		return false
	}
	for _, e := range c.store.Story() {
		if e.Meta.WindowID == w && e.Meta.Narrator && !e.Meta.Error {
			c.mu.Lock()
			c.opened[w] = true
			c.mu.Unlock()
			return false
		}
	}
	return true
}

func label(text string) string {
	line := strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(line) <= 24 {
		return line
	}
	return string([]rune(line)[:24]) + "…"
}
