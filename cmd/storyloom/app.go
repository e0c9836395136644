package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/semaphore"

	"github.com/user/storyloom/internal/config"
	"github.com/user/storyloom/internal/delivery"
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

// app holds the process-wide wiring shared by play and serve.
type app struct {
	cfg     *config.Config
	slots   *persist.Store
	pool    *engine.Pool
	notices *delivery.Registry
}

func slotsPath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "storyloom.db")
}

func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	slots, err := persist.Open(ctx, slotsPath(cfg))
	if err != nil {
		return nil, err
	}

	prompt := ""
	if cfg.PromptFile != "" {
		data, err := os.ReadFile(cfg.PromptFile)
		if err != nil {
			slots.Close()
			return nil, fmt.Errorf("read prompt file: %w", err)
		}
		prompt = string(data)
	}

	provider := openai.New(&llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	})
	counter := tokens.New(cfg.LLM.Model)

	factory := func(store *world.Store, mem *memory.Memory) (types.Narrator, error) {
		return narrator.New(provider, store, mem, prompt,
			narrator.WithBudget(cfg.LLM.MaxContextTokens, cfg.LLM.OutputReserve),
			narrator.WithCounter(counter),
		)
	}

	retry := narration.DefaultRetryPolicy()
	if cfg.LLM.MaxAttempts > 0 {
		retry.MaxAttempts = cfg.LLM.MaxAttempts
	}
	maxConcurrent := int64(cfg.MaxConcurrent)
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	notices := delivery.NewRegistry()
	pool := engine.NewPool(engine.Options{
		Model:         cfg.LLM.Model,
		SnapshotLimit: cfg.SnapshotLimit,
		ShortBudget:   cfg.ShortBudget,
		Counter:       counter,
		Notifier:      notices,
		Limiter:       semaphore.NewWeighted(maxConcurrent),
		Retry:         retry,
	}, factory, slots)

	return &app{cfg: cfg, slots: slots, pool: pool, notices: notices}, nil
}

// Close cancels pending narration, saves dirty windows and closes the database.
func (a *app) Close(ctx context.Context) error {
	return errors.Join(a.pool.Close(ctx), a.slots.Close())
}
