// internal/types/interfaces.go
package types

import (
	"context"
)

// NarrationRequest is dispatched to the narration collaborator for one attempt.
type NarrationRequest struct {
	Text        string    `json:"text"`
	WindowID    WindowID  `json:"window_id"`
	RequestID   RequestID `json:"request_id"`
	RewriteHint string    `json:"rewrite_hint,omitempty"`
	UserIntent  string    `json:"user_intent,omitempty"`
	Channel     Channel   `json:"channel,omitempty"`
	Model       string    `json:"model,omitempty"`
}

// PayloadMeta carries collaborator-side signals about the reply.
type PayloadMeta struct {
	BadOutput bool    `json:"badOutput,omitempty"`
	Refusal   bool    `json:"refusal,omitempty"`
	Channel   Channel `json:"channel,omitempty"`
}

type NarrationPayload struct {
	Text string      `json:"text"`
	Meta PayloadMeta `json:"meta"`
}

// NarrationResponse echoes the identity the request was dispatched with.
type NarrationResponse struct {
	Action    string           `json:"action"`
	WindowID  WindowID         `json:"window_id"`
	RequestID RequestID        `json:"request_id,omitempty"`
	Aborted   bool             `json:"aborted,omitempty"`
	Payload   NarrationPayload `json:"payload"`
}

type Narrator interface {
	Generate(ctx context.Context, req NarrationRequest) (*NarrationResponse, error)
}

// Memory is the short/long term memory collaborator. Callers treat every
// method as fire-and-forget and only log failures.
type Memory interface {
	PushReply(window WindowID, text string) error
	AppendToShortTermMemory(window WindowID, text string) error
	UpdateAfterReply(window WindowID) error
	ForgetLastReply(window WindowID) bool
}

// Notifier surfaces short user-visible notices (toasts).
type Notifier interface {
	Notify(window WindowID, message string)
}
