//go:build integration

package test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"golang.org/x/sync/semaphore"

	"github.com/user/storyloom/internal/engine"
	"github.com/user/storyloom/internal/memory"
	"github.com/user/storyloom/internal/narration"
	"github.com/user/storyloom/internal/narrator"
	"github.com/user/storyloom/internal/persist"
	"github.com/user/storyloom/internal/tokens"
	"github.com/user/storyloom/internal/types"
	"github.com/user/storyloom/internal/world"
	"github.com/user/storyloom/pkg/llm"
	"github.com/user/storyloom/pkg/llm/openai"
)

// fakeOpenAI answers every chat completion with a numbered passage.
func fakeOpenAI(t *testing.T) *httptest.Server {
	t.Helper()
	var n atomic.Int32
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []llm.Message `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(req.Messages) == 0 || req.Messages[0].Role != "system" {
			http.Error(w, "missing system prompt", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"model": "fake-model",
			"choices": []map[string]any{{
				"message":       map[string]any{"role": "assistant", "content": fmt.Sprintf("The lantern flickers (%d).", n.Add(1))},
				"finish_reason": "stop",
			}},
		})
	}))
}

func newPool(t *testing.T, baseURL string, slots *persist.Store) *engine.Pool {
	t.Helper()
	provider := openai.New(&llm.Config{BaseURL: baseURL, APIKey: "k", Model: "fake-model"})
	var counter tokens.Counter = tokens.Approx{}
	retry := narration.DefaultRetryPolicy()
	retry.MaxAttempts = 1
	return engine.NewPool(engine.Options{
		Model:         "fake-model",
		SnapshotLimit: 5,
		Counter:       counter,
		Limiter:       semaphore.NewWeighted(2),
		Retry:         retry,
	}, func(store *world.Store, mem *memory.Memory) (types.Narrator, error) {
		return narrator.New(provider, store, mem, "", narrator.WithCounter(counter))
	}, slots)
}

func TestEndToEnd(t *testing.T) {
	ctx := context.Background()
	srv := fakeOpenAI(t)
	defer srv.Close()

	slots, err := persist.Open(ctx, filepath.Join(t.TempDir(), "storyloom.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer slots.Close()

	pool := newPool(t, srv.URL, slots)
	e, err := pool.Get(ctx, "cli:it")
	if err != nil {
		t.Fatal(err)
	}

	for _, text := range []string{"I open the door", "I step inside", "I call out"} {
		if _, err := e.Controller.Submit(ctx, text, narration.CycleOptions{}); err != nil {
			t.Fatal(err)
		}
		e.Controller.Wait()
	}

	story := e.Store.Story()
	if len(story) != 6 {
		t.Fatalf("expected 6 entries, got %d", len(story))
	}
	if !story[1].Meta.Opening || story[3].Meta.Opening {
		t.Error("only the first reply should be marked as opening")
	}
	if e.Timeline.Len() != 3 {
		t.Fatalf("expected 3 snapshots, got %d", e.Timeline.Len())
	}

	// Retry the latest reply; the store and timeline keep their sizes.
	if _, err := e.Controller.Retry(ctx, story[5].ID, narration.RetryOptions{}); err != nil {
		t.Fatal(err)
	}
	e.Controller.Wait()
	if got := len(e.Store.Story()); got != 6 {
		t.Fatalf("expected 6 entries after retry, got %d", got)
	}
	if got := e.Store.Story()[5].Text; got != "The lantern flickers (4)." {
		t.Errorf("unexpected retried reply %q", got)
	}

	if err := pool.Close(ctx); err != nil {
		t.Fatal(err)
	}

	// A fresh pool resumes the window from the database.
	again := newPool(t, srv.URL, slots)
	defer again.Close(ctx)
	resumed, err := again.Get(ctx, "cli:it")
	if err != nil {
		t.Fatal(err)
	}
	if got := len(resumed.Store.Story()); got != 6 {
		t.Fatalf("expected 6 resumed entries, got %d", got)
	}
	if resumed.Timeline.Len() != 3 {
		t.Fatalf("expected 3 resumed snapshots, got %d", resumed.Timeline.Len())
	}
	snaps := resumed.Controller.Rewindable()
	if len(snaps) != 3 {
		t.Fatalf("expected 3 rewind points, got %d", len(snaps))
	}
	if err := resumed.Controller.Rewind(snaps[2].ID); err != nil {
		t.Fatal(err)
	}
	if got := len(resumed.Store.Story()); got != 2 {
		t.Errorf("expected 2 entries after rewinding to the opening, got %d", got)
	}
	if resumed.Timeline.Len() != 1 {
		t.Errorf("expected 1 snapshot after rewind, got %d", resumed.Timeline.Len())
	}
}
