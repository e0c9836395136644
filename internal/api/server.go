// Package api exposes narrative windows over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/user/storyloom/internal/engine"
	"github.com/user/storyloom/internal/narration"
	"github.com/user/storyloom/internal/timeline"
	"github.com/user/storyloom/internal/types"
	"github.com/user/storyloom/internal/world"
)

// Engines resolves windows to their engines.
type Engines interface {
	Get(ctx context.Context, window types.WindowID) (*engine.Engine, error)
	List() []types.WindowID
}

// Server is the HTTP handler for the window API.
type Server struct {
	engines Engines
	mux     *http.ServeMux
}

// NewServer creates a Server routing requests to engines.
func NewServer(engines Engines) *Server {
	s := &Server{
		engines: engines,
		mux:     http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/windows", s.handleWindows)
	s.mux.HandleFunc("GET /api/windows/{id}/story", s.handleStory)
	s.mux.HandleFunc("GET /api/windows/{id}/snapshots", s.handleSnapshots)
	s.mux.HandleFunc("POST /api/windows/{id}/turns", s.handleTurn)
	s.mux.HandleFunc("POST /api/windows/{id}/retry", s.handleRetry)
	s.mux.HandleFunc("POST /api/windows/{id}/resend", s.handleResend)
	s.mux.HandleFunc("POST /api/windows/{id}/continue", s.handleContinue)
	s.mux.HandleFunc("POST /api/windows/{id}/edit", s.handleEdit)
	s.mux.HandleFunc("POST /api/windows/{id}/rewind", s.handleRewind)
	s.mux.HandleFunc("POST /api/windows/{id}/cancel", s.handleCancel)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type windowResponse struct {
	ID        types.WindowID `json:"id"`
	Entries   int            `json:"entries"`
	Snapshots int            `json:"snapshots"`
	Model     string         `json:"model"`
	Pending   bool           `json:"pending"`
}

func (s *Server) handleWindows(w http.ResponseWriter, r *http.Request) {
	windows := s.engines.List()
	result := make([]windowResponse, 0, len(windows))
	for _, id := range windows {
		e, err := s.engines.Get(r.Context(), id)
		if err != nil {
			slog.Warn("open window failed", "window", string(id), "error", err)
			continue
		}
		result = append(result, windowResponse{
			ID:        id,
			Entries:   len(e.Store.Story()),
			Snapshots: e.Timeline.Len(),
			Model:     e.Controller.Model(),
			Pending:   e.Controller.Pending(),
		})
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStory(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	story := e.Store.Story()
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 && n < len(story) {
			story = story[len(story)-n:]
		}
	}
	writeJSON(w, http.StatusOK, story)
}

type snapshotResponse struct {
	ID        types.SnapshotID   `json:"id"`
	Label     string             `json:"label"`
	Kind      types.SnapshotKind `json:"kind"`
	CreatedAt string             `json:"created_at"`
	Model     string             `json:"model,omitempty"`
	Rewind    bool               `json:"rewindable"`
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	allowed := make(map[types.SnapshotID]bool)
	for _, snap := range e.Controller.Rewindable() {
		allowed[snap.ID] = true
	}
	snaps := e.Timeline.List()
	result := make([]snapshotResponse, 0, len(snaps))
	for _, snap := range snaps {
		result = append(result, snapshotResponse{
			ID:        snap.ID,
			Label:     snap.Label,
			Kind:      snap.Kind,
			CreatedAt: snap.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
			Model:     snap.NarratorModel,
			Rewind:    allowed[snap.ID],
		})
	}
	writeJSON(w, http.StatusOK, result)
}

// turnRequest is the JSON body for POST /api/windows/{id}/turns.
type turnRequest struct {
	Text    string        `json:"text"`
	Channel types.Channel `json:"channel"`
	Intent  string        `json:"intent"`
	Model   string        `json:"model"`
	// Wait blocks until the narrator has answered.
	Wait bool `json:"wait"`
}

type turnResponse struct {
	RequestID types.RequestID   `json:"request_id,omitempty"`
	Reply     *types.StoryEntry `json:"reply,omitempty"`
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if !decode(w, r, &req) {
		return
	}
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	id, err := e.Controller.Submit(r.Context(), req.Text, narration.CycleOptions{
		Channel:    req.Channel,
		UserIntent: req.Intent,
		Model:      req.Model,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.respondTurn(w, e, id, req.Wait)
}

type retryRequest struct {
	EntryID  types.EntryID `json:"entry_id"`
	Hint     string        `json:"hint"`
	PinModel bool          `json:"pin_model"`
	Wait     bool          `json:"wait"`
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if !decode(w, r, &req) {
		return
	}
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	id, err := e.Controller.Retry(r.Context(), req.EntryID, narration.RetryOptions{
		RewriteHint: req.Hint,
		PinModel:    req.PinModel,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.respondTurn(w, e, id, req.Wait)
}

type resendRequest struct {
	EntryID types.EntryID `json:"entry_id"`
	Wait    bool          `json:"wait"`
}

func (s *Server) handleResend(w http.ResponseWriter, r *http.Request) {
	var req resendRequest
	if !decode(w, r, &req) {
		return
	}
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	id, err := e.Controller.Resend(r.Context(), req.EntryID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.respondTurn(w, e, id, req.Wait)
}

func (s *Server) handleContinue(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	id, err := e.Controller.Continue(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	s.respondTurn(w, e, id, r.URL.Query().Get("wait") == "true")
}

type editRequest struct {
	EntryID       types.EntryID `json:"entry_id"`
	Text          string        `json:"text"`
	Checkpoint    bool          `json:"checkpoint"`
	CancelPending bool          `json:"cancel_pending"`
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if !decode(w, r, &req) {
		return
	}
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	err := e.Controller.Edit(req.EntryID, req.Text, narration.EditOptions{
		Checkpoint:    req.Checkpoint,
		CancelPending: req.CancelPending,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	entry, _ := e.Store.Entry(req.EntryID)
	writeJSON(w, http.StatusOK, entry)
}

type rewindRequest struct {
	SnapshotID types.SnapshotID `json:"snapshot_id"`
}

func (s *Server) handleRewind(w http.ResponseWriter, r *http.Request) {
	var req rewindRequest
	if !decode(w, r, &req) {
		return
	}
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	if err := e.Controller.Rewind(req.SnapshotID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e.Store.Story())
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	cancelled := e.Controller.Cancel(narration.ReasonUser)
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (s *Server) respondTurn(w http.ResponseWriter, e *engine.Engine, id types.RequestID, wait bool) {
	if !wait {
		writeJSON(w, http.StatusAccepted, turnResponse{RequestID: id})
		return
	}
	e.Controller.Wait()
	resp := turnResponse{RequestID: id}
	for _, entry := range e.Store.Story() {
		if entry.Meta.RequestID == id && entry.Role == types.RoleSystem {
			resp.Reply = &entry
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) engine(w http.ResponseWriter, r *http.Request) (*engine.Engine, bool) {
	id := r.PathValue("id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "window id required"})
		return nil, false
	}
	e, err := s.engines.Get(r.Context(), types.WindowID(id))
	if err != nil {
		slog.Error("open window failed", "window", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return nil, false
	}
	return e, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, narration.ErrEmptyText):
		status = http.StatusBadRequest
	case errors.Is(err, world.ErrEntryNotFound), errors.Is(err, timeline.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, narration.ErrSessionPending),
		errors.Is(err, narration.ErrNotLatest),
		errors.Is(err, narration.ErrNotFailed),
		errors.Is(err, narration.ErrNoUserInput):
		status = http.StatusConflict
	case errors.Is(err, narration.ErrNotAllowed):
		status = http.StatusForbidden
	case errors.Is(err, narration.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		slog.Error("api request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
