package narration

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/storyloom/internal/memory"
	"github.com/user/storyloom/internal/timeline"
	"github.com/user/storyloom/internal/types"
	"github.com/user/storyloom/internal/world"
)

type fakeReply struct {
	resp *types.NarrationResponse
	err  error
}

// fakeNarrator blocks every Generate call until the test replies to it.
type fakeNarrator struct {
	mu       sync.Mutex
	waiting  map[types.RequestID]chan fakeReply
	calls    int
	started  chan types.NarrationRequest
	honorCtx bool
}

func newFakeNarrator() *fakeNarrator {
	return &fakeNarrator{
		waiting: make(map[types.RequestID]chan fakeReply),
		started: make(chan types.NarrationRequest, 16),
	}
}

func (f *fakeNarrator) Generate(ctx context.Context, req types.NarrationRequest) (*types.NarrationResponse, error) {
	ch := make(chan fakeReply, 1)
	f.mu.Lock()
	f.waiting[req.RequestID] = ch
	f.calls++
	f.mu.Unlock()
	f.started <- req

	if f.honorCtx {
		select {
		case r := <-ch:
			return r.resp, r.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	r := <-ch
	return r.resp, r.err
}

func (f *fakeNarrator) next(t *testing.T) types.NarrationRequest {
	t.Helper()
	select {
	case req := <-f.started:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("narrator was not called")
		return types.NarrationRequest{}
	}
}

func (f *fakeNarrator) send(id types.RequestID, r fakeReply) {
	f.mu.Lock()
	ch := f.waiting[id]
	f.mu.Unlock()
	ch <- r
}

func (f *fakeNarrator) respond(req types.NarrationRequest, text string) {
	f.respondWith(req, types.NarrationPayload{Text: text})
}

func (f *fakeNarrator) respondWith(req types.NarrationRequest, payload types.NarrationPayload) {
	f.send(req.RequestID, fakeReply{resp: &types.NarrationResponse{
		Action:    "narrate",
		WindowID:  req.WindowID,
		RequestID: req.RequestID,
		Payload:   payload,
	}})
}

func (f *fakeNarrator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type countingMemory struct {
	*memory.Memory
	mu     sync.Mutex
	pushes int
}

func (m *countingMemory) PushReply(w types.WindowID, text string) error {
	m.mu.Lock()
	m.pushes++
	m.mu.Unlock()
	return m.Memory.PushReply(w, text)
}

func (m *countingMemory) pushCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pushes
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Notify(_ types.WindowID, msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, msg)
}

func (n *recordingNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.messages...)
}

const testWindow types.WindowID = "cli:test"

type fixture struct {
	store    *world.Store
	timeline *timeline.Timeline
	memory   *countingMemory
	narrator *fakeNarrator
	notes    *recordingNotifier
	ctrl     *Controller
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store := world.New()
	mem := &countingMemory{Memory: memory.New()}
	notes := &recordingNotifier{}
	tl := timeline.New(store, mem.Memory, timeline.WithNotifier(notes))
	n := newFakeNarrator()
	base := []Option{
		WithRetryPolicy(&RetryPolicy{MaxAttempts: 1}),
		WithNotifier(notes),
		WithModel("base-model"),
	}
	ctrl := New(store, tl, mem, n, testWindow, append(base, opts...)...)
	return &fixture{store: store, timeline: tl, memory: mem, narrator: n, notes: notes, ctrl: ctrl}
}

// turn submits text, answers with reply and waits for the commit.
func (f *fixture) turn(t *testing.T, text, reply string) types.StoryEntry {
	t.Helper()
	if _, err := f.ctrl.Submit(context.Background(), text, CycleOptions{}); err != nil {
		t.Fatal(err)
	}
	f.narrator.respond(f.narrator.next(t), reply)
	f.ctrl.Wait()
	return f.last(t)
}

func (f *fixture) last(t *testing.T) types.StoryEntry {
	t.Helper()
	story := f.store.Story()
	if len(story) == 0 {
		t.Fatal("story is empty")
	}
	return story[len(story)-1]
}

func TestHelloScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.ctrl.Submit(ctx, "hello", CycleOptions{}); err != nil {
		t.Fatal(err)
	}
	placeholder := f.last(t)
	if !placeholder.Meta.Placeholder || !placeholder.Meta.Loading {
		t.Fatalf("expected loading placeholder, got %+v", placeholder.Meta)
	}
	if !f.ctrl.Pending() {
		t.Error("expected pending session")
	}

	req := f.narrator.next(t)
	if req.Text != "hello" || req.WindowID != testWindow || req.Model != "base-model" {
		t.Errorf("unexpected request %+v", req)
	}
	f.narrator.respond(req, "hi there")
	f.ctrl.Wait()

	story := f.store.Story()
	if len(story) != 2 {
		t.Fatalf("expected user + reply, got %d entries", len(story))
	}
	reply := story[1]
	if reply.ID != placeholder.ID {
		t.Error("placeholder should be rewritten in place")
	}
	if reply.Text != "hi there" || !reply.Meta.Narrator || reply.Meta.Placeholder || reply.Meta.Loading {
		t.Errorf("unexpected reply %+v", reply)
	}
	if !reply.Meta.Opening {
		t.Error("first reply should be marked as opening")
	}
	if reply.SnapshotID == "" {
		t.Fatal("reply has no snapshot")
	}
	snap, ok := f.timeline.FindByID(reply.SnapshotID)
	if !ok || snap.Kind != types.KindReply || f.timeline.Len() != 1 {
		t.Errorf("expected one ai_reply snapshot, got %+v (len %d)", snap, f.timeline.Len())
	}
	if f.memory.pushCount() != 1 {
		t.Errorf("expected one memory push, got %d", f.memory.pushCount())
	}
	if f.ctrl.Pending() || f.ctrl.FirstTurn() {
		t.Error("session should be released and first turn consumed")
	}

	second := f.turn(t, "again", "more")
	if second.Meta.Opening {
		t.Error("only the first reply opens the story")
	}
}

func TestSingleFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.ctrl.Submit(ctx, "one", CycleOptions{}); err != nil {
		t.Fatal(err)
	}
	before := f.store.Story()

	if _, err := f.ctrl.StartNarratorCycle(ctx, "two", CycleOptions{}); !errors.Is(err, ErrSessionPending) {
		t.Errorf("expected ErrSessionPending, got %v", err)
	}
	if _, err := f.ctrl.Submit(ctx, "three", CycleOptions{}); !errors.Is(err, ErrSessionPending) {
		t.Errorf("expected ErrSessionPending, got %v", err)
	}
	if !reflect.DeepEqual(before, f.store.Story()) {
		t.Error("rejected cycle mutated the store")
	}

	f.narrator.respond(f.narrator.next(t), "done")
	f.ctrl.Wait()
	if n := f.narrator.callCount(); n != 1 {
		t.Errorf("expected one narrator call, got %d", n)
	}
}

func TestConcurrentSubmitIsSerialized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var once sync.Once
	second := make(chan error, 1)
	unsubscribe := f.store.Subscribe(func(ev world.Event) {
		appended, ok := ev.(world.StoryAppended)
		if !ok || appended.Entry.Role != types.RoleUser {
			return
		}
		once.Do(func() {
			// A second caller arrives between the first caller's user entry
			// and its placeholder.
			go func() {
				_, err := f.ctrl.Submit(ctx, "second", CycleOptions{})
				second <- err
			}()
			time.Sleep(20 * time.Millisecond)
		})
	})
	defer unsubscribe()

	if _, err := f.ctrl.Submit(ctx, "first", CycleOptions{}); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-second:
		if !errors.Is(err, ErrSessionPending) {
			t.Errorf("expected ErrSessionPending, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second submit never returned")
	}

	story := f.store.Story()
	users := 0
	for _, e := range story {
		if e.Role == types.RoleUser {
			users++
		}
	}
	if users != 1 || len(story) != 2 {
		t.Errorf("expected one user turn and one placeholder, got %d users in %d entries", users, len(story))
	}
	if got := f.memory.Short(testWindow); !reflect.DeepEqual(got, []string{"> first"}) {
		t.Errorf("unexpected short memory %q", got)
	}

	f.narrator.respond(f.narrator.next(t), "done")
	f.ctrl.Wait()
	if n := f.narrator.callCount(); n != 1 {
		t.Errorf("expected one narrator call, got %d", n)
	}
}

func TestEmptyReplyOffersResend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.ctrl.Submit(ctx, "hello", CycleOptions{}); err != nil {
		t.Fatal(err)
	}
	user := f.store.Story()[0]
	f.narrator.respond(f.narrator.next(t), "   ")
	f.ctrl.Wait()

	failed := f.last(t)
	if !failed.Meta.Error || failed.Text != FailureText {
		t.Fatalf("expected failure entry, got %+v", failed)
	}
	if failed.Meta.ResendFor != user.ID {
		t.Errorf("resend should point at %s, got %s", user.ID, failed.Meta.ResendFor)
	}
	if failed.Meta.Placeholder || failed.Meta.Loading {
		t.Error("failure entry is still loading")
	}
	if f.timeline.Len() != 0 || f.memory.pushCount() != 0 {
		t.Error("failed reply must not snapshot or push memory")
	}

	if _, err := f.ctrl.Resend(ctx, failed.ID); err != nil {
		t.Fatal(err)
	}
	req := f.narrator.next(t)
	if req.Text != "hello" {
		t.Errorf("resend should reuse the user text, got %q", req.Text)
	}
	f.narrator.respond(req, "hi")
	f.ctrl.Wait()

	story := f.store.Story()
	if len(story) != 2 || story[1].Text != "hi" || story[1].Meta.Error {
		t.Errorf("unexpected story after resend: %+v", story)
	}
}

func TestInvalidRepliesAreRejected(t *testing.T) {
	payloads := []types.NarrationPayload{
		{Text: EmptyOutputSentinel},
		{Text: "<|im_start|>system leak"},
		{Text: "I cannot continue", Meta: types.PayloadMeta{Refusal: true}},
		{Text: "garbled", Meta: types.PayloadMeta{BadOutput: true}},
	}
	for _, p := range payloads {
		f := newFixture(t)
		if _, err := f.ctrl.Submit(context.Background(), "go", CycleOptions{}); err != nil {
			t.Fatal(err)
		}
		f.narrator.respondWith(f.narrator.next(t), p)
		f.ctrl.Wait()
		if last := f.last(t); !last.Meta.Error || last.Text != FailureText {
			t.Errorf("%q should be rejected, got %+v", p.Text, last)
		}
	}
}

func TestNarratorErrorFails(t *testing.T) {
	f := newFixture(t)
	if _, err := f.ctrl.Submit(context.Background(), "go", CycleOptions{}); err != nil {
		t.Fatal(err)
	}
	req := f.narrator.next(t)
	f.narrator.send(req.RequestID, fakeReply{err: errors.New("unauthorized")})
	f.ctrl.Wait()

	last := f.last(t)
	if !last.Meta.Error || last.Meta.ResendFor == "" {
		t.Errorf("expected resendable failure, got %+v", last.Meta)
	}
	if f.ctrl.Pending() {
		t.Error("failure must release the session")
	}
}

func TestStaleResponseIsDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.ctrl.Submit(ctx, "first", CycleOptions{}); err != nil {
		t.Fatal(err)
	}
	reqA := f.narrator.next(t)
	if !f.ctrl.Cancel(ReasonUser) {
		t.Fatal("expected cancel to succeed")
	}
	cancelled := f.last(t)
	if !cancelled.Meta.Error || cancelled.Meta.ResendFor == "" {
		t.Errorf("user cancel should offer resend, got %+v", cancelled.Meta)
	}

	before := f.store.Story()
	f.narrator.respond(reqA, "late reply")
	f.ctrl.Wait()
	if !reflect.DeepEqual(before, f.store.Story()) {
		t.Error("stale response mutated the store")
	}
	if f.timeline.Len() != 0 || f.memory.pushCount() != 0 {
		t.Error("stale response produced side effects")
	}

	reply := f.turn(t, "second", "fresh")
	if reply.Text != "fresh" {
		t.Errorf("expected fresh reply, got %q", reply.Text)
	}
}

func TestIdentityMismatchFailsActiveSession(t *testing.T) {
	f := newFixture(t)
	if _, err := f.ctrl.Submit(context.Background(), "go", CycleOptions{}); err != nil {
		t.Fatal(err)
	}
	req := f.narrator.next(t)
	f.narrator.send(req.RequestID, fakeReply{resp: &types.NarrationResponse{
		WindowID:  req.WindowID,
		RequestID: "someone-else",
		Payload:   types.NarrationPayload{Text: "wrong"},
	}})
	f.ctrl.Wait()

	if last := f.last(t); last.Text == "wrong" || !last.Meta.Error {
		t.Errorf("mismatched response was committed: %+v", last)
	}
}

func TestSideChannelSkipsMemory(t *testing.T) {
	f := newFixture(t)
	if _, err := f.ctrl.Submit(context.Background(), "msg", CycleOptions{Channel: types.ChannelWechat}); err != nil {
		t.Fatal(err)
	}
	f.narrator.respond(f.narrator.next(t), "reply")
	f.ctrl.Wait()

	if f.memory.pushCount() != 0 || len(f.memory.Short(testWindow)) != 0 {
		t.Error("wechat replies must not reach memory")
	}
	if last := f.last(t); last.SnapshotID == "" || last.Meta.Channel != types.ChannelWechat {
		t.Errorf("unexpected committed entry %+v", last)
	}
}

func TestContinueIsSidecar(t *testing.T) {
	f := newFixture(t)
	f.turn(t, "hello", "hi")

	if _, err := f.ctrl.Continue(context.Background()); err != nil {
		t.Fatal(err)
	}
	req := f.narrator.next(t)
	if req.Text != ContinueText {
		t.Errorf("unexpected continue text %q", req.Text)
	}
	f.narrator.respond(req, "and then")
	f.ctrl.Wait()

	snap, ok := f.timeline.FindByID(f.last(t).SnapshotID)
	if !ok || snap.Kind != types.KindSidecar {
		t.Errorf("expected ai_sidecar snapshot, got %+v", snap)
	}
}

func TestPlaceholderGoneAppendsReply(t *testing.T) {
	f := newFixture(t)
	if _, err := f.ctrl.Submit(context.Background(), "hello", CycleOptions{}); err != nil {
		t.Fatal(err)
	}
	req := f.narrator.next(t)
	f.store.Initialize(nil)

	f.narrator.respond(req, "still here")
	f.ctrl.Wait()

	story := f.store.Story()
	if len(story) != 1 || story[0].Text != "still here" || !story[0].Meta.Narrator || story[0].SnapshotID == "" {
		t.Errorf("expected appended reply, got %+v", story)
	}
}

func TestWindowMismatchIsRejected(t *testing.T) {
	f := newFixture(t)
	if _, err := f.ctrl.Submit(context.Background(), "hello", CycleOptions{}); err != nil {
		t.Fatal(err)
	}
	req := f.narrator.next(t)
	f.store.Initialize(nil)
	f.ctrl.SwitchWindow("cli:other")

	f.narrator.respond(req, "lost")
	f.ctrl.Wait()

	if n := len(f.store.Story()); n != 0 {
		t.Errorf("reply leaked into another window, story has %d entries", n)
	}
	if f.timeline.Len() != 0 {
		t.Error("rejected reply captured a snapshot")
	}
	notes := f.notes.all()
	if len(notes) != 1 || notes[0] != MismatchNotice {
		t.Errorf("expected mismatch notice, got %v", notes)
	}
}

func TestRetryRestoresAndRedispatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reply := f.turn(t, "hello", "v1")
	oldSnap := reply.SnapshotID

	if _, err := f.ctrl.Retry(ctx, reply.ID, RetryOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.timeline.FindByID(oldSnap); ok {
		t.Error("retried snapshot should be dropped")
	}
	if short := f.memory.Short(testWindow); len(short) != 1 || short[0] != "> hello" {
		t.Errorf("retry should forget the old reply, memory=%v", short)
	}
	story := f.store.Story()
	if len(story) != 2 || !story[1].Meta.Placeholder {
		t.Fatalf("expected user + placeholder, got %+v", story)
	}

	req := f.narrator.next(t)
	if req.Text != "hello" || req.RewriteHint != "" {
		t.Errorf("unexpected retry request %+v", req)
	}
	f.narrator.respond(req, "v2")
	f.ctrl.Wait()

	last := f.last(t)
	if last.Text != "v2" {
		t.Errorf("expected v2, got %q", last.Text)
	}
	snap, _ := f.timeline.FindByID(last.SnapshotID)
	if snap.Kind != types.KindSidecar {
		t.Errorf("plain retry should not count as a round, kind=%s", snap.Kind)
	}
	if f.timeline.Len() != 1 {
		t.Errorf("expected exactly one snapshot, got %d", f.timeline.Len())
	}
}

func TestRetryWithHintCounts(t *testing.T) {
	f := newFixture(t)
	reply := f.turn(t, "hello", "v1")

	if _, err := f.ctrl.Retry(context.Background(), reply.ID, RetryOptions{RewriteHint: "darker"}); err != nil {
		t.Fatal(err)
	}
	req := f.narrator.next(t)
	if req.RewriteHint != "darker" {
		t.Errorf("hint not forwarded: %+v", req)
	}
	f.narrator.respond(req, "v2")
	f.ctrl.Wait()

	snap, _ := f.timeline.FindByID(f.last(t).SnapshotID)
	if snap.Kind != types.KindReply {
		t.Errorf("hinted retry should count, kind=%s", snap.Kind)
	}
}

func TestRetryOnlyLatest(t *testing.T) {
	f := newFixture(t)
	first := f.turn(t, "one", "r1")
	f.turn(t, "two", "r2")

	if _, err := f.ctrl.Retry(context.Background(), first.ID, RetryOptions{}); !errors.Is(err, ErrNotLatest) {
		t.Errorf("expected ErrNotLatest, got %v", err)
	}
	if err := f.ctrl.Edit(first.ID, "x", EditOptions{}); !errors.Is(err, ErrNotLatest) {
		t.Errorf("expected ErrNotLatest, got %v", err)
	}
}

func TestRetryPinsSnapshotModel(t *testing.T) {
	f := newFixture(t)
	reply := f.turn(t, "hello", "v1")
	f.ctrl.SetModel("other-model")

	if _, err := f.ctrl.Retry(context.Background(), reply.ID, RetryOptions{PinModel: true}); err != nil {
		t.Fatal(err)
	}
	req := f.narrator.next(t)
	if req.Model != "base-model" {
		t.Errorf("expected pinned base-model, got %s", req.Model)
	}
	if f.ctrl.Model() != "base-model" {
		t.Error("override should be active while pending")
	}
	f.narrator.respond(req, "v2")
	f.ctrl.Wait()

	if f.ctrl.Model() != "other-model" {
		t.Errorf("model override not restored, got %s", f.ctrl.Model())
	}
}

func TestEditRewritesInPlace(t *testing.T) {
	f := newFixture(t)
	reply := f.turn(t, "hello", "v1")

	if err := f.ctrl.Edit(reply.ID, "my version", EditOptions{}); err != nil {
		t.Fatal(err)
	}
	edited := f.last(t)
	if edited.ID != reply.ID || edited.Text != "my version" || !edited.Meta.Edited {
		t.Errorf("unexpected edited entry %+v", edited)
	}
	if edited.SnapshotID != reply.SnapshotID {
		t.Error("plain edit should keep the existing snapshot")
	}
	short := f.memory.Short(testWindow)
	if len(short) != 2 || short[1] != "my version" {
		t.Errorf("memory should hold the edit, got %v", short)
	}
	if f.narrator.callCount() != 1 {
		t.Error("edit must not call the narrator")
	}
}

func TestEditCheckpoint(t *testing.T) {
	f := newFixture(t)
	reply := f.turn(t, "hello", "v1")

	if err := f.ctrl.Edit(reply.ID, "fixed", EditOptions{Checkpoint: true}); err != nil {
		t.Fatal(err)
	}
	edited := f.last(t)
	if edited.SnapshotID == "" || edited.SnapshotID == reply.SnapshotID {
		t.Fatalf("expected a new snapshot, got %s", edited.SnapshotID)
	}
	snap, ok := f.timeline.FindByID(edited.SnapshotID)
	if !ok || snap.Kind != types.KindManual || f.timeline.Len() != 1 {
		t.Errorf("expected a single manual snapshot, got %+v len=%d", snap, f.timeline.Len())
	}
	if got := snap.World.Story[len(snap.World.Story)-1].Text; got != "fixed" {
		t.Errorf("checkpoint should capture the edit, got %q", got)
	}
}

func TestEditWhilePending(t *testing.T) {
	f := newFixture(t)
	if _, err := f.ctrl.Submit(context.Background(), "hello", CycleOptions{}); err != nil {
		t.Fatal(err)
	}
	req := f.narrator.next(t)
	placeholder := f.last(t)

	if err := f.ctrl.Edit(placeholder.ID, "mine", EditOptions{}); !errors.Is(err, ErrSessionPending) {
		t.Errorf("expected ErrSessionPending, got %v", err)
	}
	if err := f.ctrl.Edit(placeholder.ID, "mine", EditOptions{CancelPending: true}); err != nil {
		t.Fatal(err)
	}

	f.narrator.respond(req, "too late")
	f.ctrl.Wait()

	last := f.last(t)
	if last.Text != "mine" || last.Meta.Error || !last.Meta.Edited {
		t.Errorf("edit was overwritten: %+v", last)
	}
}

func TestRewind(t *testing.T) {
	f := newFixture(t)
	first := f.turn(t, "one", "r1")
	f.turn(t, "two", "r2")

	if err := f.ctrl.Rewind("unknown"); !errors.Is(err, ErrNotAllowed) {
		t.Errorf("expected ErrNotAllowed, got %v", err)
	}
	if n := len(f.ctrl.Rewindable()); n != 2 {
		t.Errorf("expected 2 rewindable snapshots, got %d", n)
	}

	if err := f.ctrl.Rewind(first.SnapshotID); err != nil {
		t.Fatal(err)
	}
	story := f.store.Story()
	if len(story) != 2 || story[1].Text != "r1" {
		t.Errorf("expected story up to r1, got %+v", story)
	}
	if f.timeline.Len() != 1 {
		t.Errorf("newer snapshots should be dropped, got %d", f.timeline.Len())
	}
	rw := f.ctrl.Rewindable()
	if len(rw) != 1 || rw[0].ID != first.SnapshotID {
		t.Errorf("unexpected rewindable set %+v", rw)
	}
}

func TestCloseCancelsWithoutResend(t *testing.T) {
	f := newFixture(t)
	f.narrator.honorCtx = true
	if _, err := f.ctrl.Submit(context.Background(), "hello", CycleOptions{}); err != nil {
		t.Fatal(err)
	}
	f.narrator.next(t)

	f.ctrl.Close()

	last := f.last(t)
	if !last.Meta.Error || last.Meta.ResendFor != "" {
		t.Errorf("unload should fail without resend, got %+v", last.Meta)
	}
	if _, err := f.ctrl.StartNarratorCycle(context.Background(), "x", CycleOptions{}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestLimiterBoundsNarratorCalls(t *testing.T) {
	f := newFixture(t, WithLimiter(semaphore.NewWeighted(1)))
	ctx := context.Background()

	if _, err := f.ctrl.Submit(ctx, "a", CycleOptions{}); err != nil {
		t.Fatal(err)
	}
	reqA := f.narrator.next(t)

	f.ctrl.SwitchWindow("cli:second")
	if _, err := f.ctrl.Submit(ctx, "b", CycleOptions{}); err != nil {
		t.Fatalf("other window should not be blocked by single-flight: %v", err)
	}
	select {
	case req := <-f.narrator.started:
		t.Fatalf("second call started while limiter was full: %+v", req)
	case <-time.After(50 * time.Millisecond):
	}

	f.narrator.respond(reqA, "ra")
	reqB := f.narrator.next(t)
	if reqB.WindowID != "cli:second" {
		t.Errorf("unexpected window %s", reqB.WindowID)
	}
	f.narrator.respond(reqB, "rb")
	f.ctrl.Wait()

	for _, e := range f.store.Story() {
		if e.Meta.Loading {
			t.Errorf("entry still loading: %+v", e)
		}
	}
}
