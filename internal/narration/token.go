package narration

import (
	"context"
	"sync"

	"github.com/user/storyloom/internal/types"
)

// CancelReason records why a session was abandoned.
type CancelReason string

const (
	ReasonUnload CancelReason = "unload"
	ReasonEdit   CancelReason = "edit"
	ReasonUser   CancelReason = "user"
)

// CancelToken carries the identity a request was dispatched with. A response
// is only applied while its token is uncancelled and still belongs to the
// window's active session. Cancelling also cancels the dispatch context, but
// correctness never depends on the narrator honouring it.
type CancelToken struct {
	requestID types.RequestID
	windowID  types.WindowID

	ctx    context.Context
	cancel context.CancelFunc
	stop   func() bool

	mu        sync.Mutex
	cancelled bool
	reason    CancelReason
}

func newCancelToken(parent, lifetime context.Context, window types.WindowID, request types.RequestID) *CancelToken {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	return &CancelToken{
		requestID: request,
		windowID:  window,
		ctx:       ctx,
		cancel:    cancel,
		stop:      context.AfterFunc(lifetime, cancel),
	}
}

func (t *CancelToken) Context() context.Context   { return t.ctx }
func (t *CancelToken) RequestID() types.RequestID { return t.requestID }
func (t *CancelToken) WindowID() types.WindowID   { return t.windowID }

// Cancel marks the token. Only the first reason is kept.
func (t *CancelToken) Cancel(reason CancelReason) {
	t.mu.Lock()
	if !t.cancelled {
		t.cancelled = true
		t.reason = reason
	}
	t.mu.Unlock()
	t.cancel()
}

func (t *CancelToken) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

func (t *CancelToken) Reason() CancelReason {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// Matches reports whether a response carrying these ids belongs to the token.
// An empty request id on the response is accepted.
func (t *CancelToken) Matches(window types.WindowID, request types.RequestID) bool {
	if window != t.windowID {
		return false
	}
	return request == "" || request == t.requestID
}

func (t *CancelToken) release() {
	t.stop()
	t.cancel()
}
