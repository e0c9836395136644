package narration

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/user/storyloom/internal/timeline"
	"github.com/user/storyloom/internal/types"
	"github.com/user/storyloom/internal/world"
)

// RetryOptions configures Retry.
type RetryOptions struct {
	// RewriteHint steers the new attempt; a hinted retry counts as a round.
	RewriteHint string
	// PinModel reuses the narrator model recorded on the entry's snapshot.
	PinModel bool
}

// EditOptions configures Edit.
type EditOptions struct {
	// Checkpoint replaces the entry's snapshot with one capturing the edit.
	Checkpoint bool
	// CancelPending cancels an in-flight session instead of refusing.
	CancelPending bool
}

// Retry discards the latest reply of the active window and asks the narrator
// again with the user turn that produced it. Failed replies are resent.
func (c *Controller) Retry(ctx context.Context, id types.EntryID, opts RetryOptions) (types.RequestID, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	window := c.Window()
	if c.PendingIn(window) {
		return "", ErrSessionPending
	}
	story := c.store.Story()
	idx, err := latestReply(story, window, id)
	if err != nil {
		return "", fmt.Errorf("retry %s: %w", id, err)
	}
	target := story[idx]
	if target.Meta.Error {
		return c.resend(ctx, id)
	}
	user, ok := previousUser(story, idx, window)
	if !ok {
		return "", fmt.Errorf("retry %s: %w", id, ErrNoUserInput)
	}

	model := ""
	if opts.PinModel && target.SnapshotID != "" {
		if snap, ok := c.timeline.FindByID(target.SnapshotID); ok {
			model = snap.NarratorModel
		}
	}

	c.unwind(target, true)

	return c.startCycle(ctx, user.Text, CycleOptions{
		UserEntryID: user.ID,
		RewriteHint: opts.RewriteHint,
		Channel:     target.Meta.Channel,
		Uncounted:   opts.RewriteHint == "",
		Model:       model,
	})
}

// Edit rewrites the latest reply of the active window in place and feeds the
// new text to memory. No narrator call is made.
func (c *Controller) Edit(id types.EntryID, text string, opts EditOptions) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyText
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()
	window := c.Window()
	if opts.CancelPending {
		c.Cancel(ReasonEdit)
	}
	if c.PendingIn(window) {
		return ErrSessionPending
	}
	story := c.store.Story()
	idx, err := latestReply(story, window, id)
	if err != nil {
		return fmt.Errorf("edit %s: %w", id, err)
	}
	target := story[idx]

	c.unwind(target, false)

	err = c.store.EditStory(target.ID, text, func(m *types.Meta) {
		m.Edited = true
		m.Error = false
		m.ResendFor = ""
		m.Placeholder = false
		m.Loading = false
		m.Narrator = true
	})
	if err != nil {
		return fmt.Errorf("edit %s: %w", id, err)
	}

	if c.memory != nil && target.Meta.Channel.Summarized() {
		if wasReply(target) {
			c.memory.ForgetLastReply(window)
		}
		if err := c.memory.PushReply(window, text); err != nil {
			c.logger.Warn("push edited reply to memory", "window", string(window), "error", err)
		}
	}

	if opts.Checkpoint {
		if target.SnapshotID != "" {
			if err := c.timeline.DropFrom(target.SnapshotID); err != nil {
				c.logger.Debug("drop replaced snapshot", "snapshot_id", string(target.SnapshotID), "error", err)
			}
		}
		snapID := types.NewSnapshotID()
		if err := c.store.AttachSnapshot(target.ID, snapID); err != nil {
			return fmt.Errorf("edit %s: %w", id, err)
		}
		c.timeline.Save(label(text), timeline.SaveOptions{
			ID:            snapID,
			Kind:          types.KindManual,
			WindowID:      window,
			NarratorModel: c.Model(),
		})
	}

	c.logger.Info("reply edited", "window", string(window), "entry_id", string(id), "checkpoint", opts.Checkpoint)
	return nil
}

// Resend replaces a failed reply with a fresh attempt for its user turn.
func (c *Controller) Resend(ctx context.Context, id types.EntryID) (types.RequestID, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.resend(ctx, id)
}

func (c *Controller) resend(ctx context.Context, id types.EntryID) (types.RequestID, error) {
	window := c.Window()
	if c.PendingIn(window) {
		return "", ErrSessionPending
	}
	story := c.store.Story()
	idx, err := latestReply(story, window, id)
	if err != nil {
		return "", fmt.Errorf("resend %s: %w", id, err)
	}
	failed := story[idx]
	if !failed.Meta.Error {
		return "", fmt.Errorf("resend %s: %w", id, ErrNotFailed)
	}
	user, ok := c.store.Entry(failed.Meta.ResendFor)
	if failed.Meta.ResendFor == "" || !ok {
		return "", fmt.Errorf("resend %s: %w", id, ErrNoUserInput)
	}
	if err := c.store.TrimStoryFrom(failed.ID); err != nil {
		return "", fmt.Errorf("resend %s: %w", id, err)
	}
	return c.startCycle(ctx, user.Text, CycleOptions{
		UserEntryID: user.ID,
		Channel:     failed.Meta.Channel,
	})
}

// Continue asks the narrator to carry on without a user turn. The reply is
// stored as a sidecar snapshot.
func (c *Controller) Continue(ctx context.Context) (types.RequestID, error) {
	return c.StartNarratorCycle(ctx, ContinueText, CycleOptions{Uncounted: true})
}

// Rewind restores a snapshot referenced by the active window's story and
// drops every snapshot newer than it.
func (c *Controller) Rewind(id types.SnapshotID) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	window := c.Window()
	if c.PendingIn(window) {
		return ErrSessionPending
	}
	if !c.allowed.Contains(id) {
		return fmt.Errorf("rewind %s: %w", id, ErrNotAllowed)
	}
	if err := c.timeline.Restore(id); err != nil {
		return fmt.Errorf("rewind %s: %w", id, err)
	}
	if err := c.timeline.DropAfter(id); err != nil {
		return fmt.Errorf("rewind %s: %w", id, err)
	}
	c.resetOpened(window)
	c.logger.Info("rewound", "window", string(window), "snapshot_id", string(id))
	return nil
}

// unwind restores the world to the point right after target was committed
// and, for a retry, removes target itself. Without a usable snapshot the log
// is trimmed and newer snapshots are dropped by time.
func (c *Controller) unwind(target types.StoryEntry, inclusive bool) {
	window := target.Meta.WindowID
	restored := false
	if target.SnapshotID != "" {
		err := c.timeline.Restore(target.SnapshotID)
		switch {
		case err == nil:
			restored = true
		case errors.Is(err, timeline.ErrNotFound), errors.Is(err, timeline.ErrEmpty):
			c.logger.Debug("entry snapshot evicted, trimming", "entry_id", string(target.ID), "snapshot_id", string(target.SnapshotID))
		default:
			c.logger.Warn("restore entry snapshot", "entry_id", string(target.ID), "error", err)
		}
	}

	if inclusive && c.memory != nil && target.Meta.Channel.Summarized() && wasReply(target) {
		c.memory.ForgetLastReply(window)
	}

	switch {
	case restored && inclusive:
		if err := c.timeline.DropFrom(target.SnapshotID); err != nil {
			c.logger.Warn("drop retried snapshot", "snapshot_id", string(target.SnapshotID), "error", err)
		}
	case restored:
		if err := c.timeline.DropAfter(target.SnapshotID); err != nil {
			c.logger.Warn("drop snapshots after edit", "snapshot_id", string(target.SnapshotID), "error", err)
		}
	case inclusive:
		c.timeline.DropNewerThan(target.Time.Add(-1))
	default:
		c.timeline.DropNewerThan(target.Time)
	}

	var err error
	if inclusive {
		err = c.store.TrimStoryFrom(target.ID)
	} else {
		err = c.store.TrimStoryAfter(target.ID)
	}
	if err != nil && !errors.Is(err, world.ErrEntryNotFound) {
		c.logger.Warn("trim story", "entry_id", string(target.ID), "error", err)
	}
	c.resetOpened(window)
}

func (c *Controller) resetOpened(w types.WindowID) {
	c.mu.Lock()
	delete(c.opened, w)
	c.mu.Unlock()
}

// latestReply returns the index of id if it is the window's most recent
// system entry.
func latestReply(story []types.StoryEntry, window types.WindowID, id types.EntryID) (int, error) {
	for i := len(story) - 1; i >= 0; i-- {
		e := story[i]
		if e.Role != types.RoleSystem || e.Meta.WindowID != window {
			continue
		}
		if e.ID != id {
			return -1, ErrNotLatest
		}
		return i, nil
	}
	return -1, world.ErrEntryNotFound
}

func previousUser(story []types.StoryEntry, before int, window types.WindowID) (types.StoryEntry, bool) {
	for i := before - 1; i >= 0; i-- {
		if story[i].Role == types.RoleUser && story[i].Meta.WindowID == window {
			return story[i], true
		}
	}
	return types.StoryEntry{}, false
}

func wasReply(e types.StoryEntry) bool {
	return e.Meta.Narrator && !e.Meta.Error
}
