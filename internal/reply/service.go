// Package reply orchestrates the DM reply pipeline: history, persona
// prompt, LLM generation, and persistence.
package reply

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pimhq/pim/internal/history"
	"github.com/pimhq/pim/internal/llm"
	"github.com/pimhq/pim/internal/persona"
)

// Request is one inbound DM to answer.
type Request struct {
	Sender  string         `json:"sender"`
	Thread  string         `json:"thread,omitempty"`
	Text    string         `json:"text"`
	History []persona.Turn `json:"history,omitempty"`
}

// Response is the generated reply.
type Response struct {
	Reply string `json:"reply"`
	Model string `json:"model"`
	Key   string `json:"key"`
}

// HistoryStore is the subset of the history service the pipeline needs.
type HistoryStore interface {
	Append(ctx context.Context, deviceID, threadKey, role, content string) (history.Turn, error)
	Recent(ctx context.Context, deviceID, threadKey string, limit int) ([]history.Turn, error)
}

// Generator produces completions (the pool-driven LLM generator).
type Generator interface {
	Generate(ctx context.Context, messages []llm.ChatMessage) (llm.Result, error)
}

// Service runs the reply pipeline.
type Service struct {
	builder  *persona.Builder
	gen      Generator
	store    HistoryStore
	maxTurns int
	logger   *slog.Logger

	now func() time.Time
}

// NewService wires the pipeline.
func NewService(log *slog.Logger, builder *persona.Builder, gen Generator, store HistoryStore, maxTurns int) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		builder:  builder,
		gen:      gen,
		store:    store,
		maxTurns: maxTurns,
		logger:   log.With(slog.String("service", "reply")),
		now:      time.Now,
	}
}

// Reply answers one inbound DM for the authenticated device. A
// client-supplied history payload wins over the stored history: the
// device is the source of truth for what the contact actually saw.
// Both sides of the exchange are persisted after a successful
// generation.
func (s *Service) Reply(ctx context.Context, deviceID string, req Request) (Response, error) {
	sender := strings.TrimSpace(req.Sender)
	if sender == "" {
		return Response{}, fmt.Errorf("sender is required")
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return Response{}, fmt.Errorf("text is required")
	}
	thread := strings.TrimSpace(req.Thread)
	if thread == "" {
		thread = sender
	}

	turns := req.History
	if len(turns) == 0 && s.store != nil {
		stored, err := s.store.Recent(ctx, deviceID, thread, s.maxTurns)
		if err != nil {
			return Response{}, fmt.Errorf("load history: %w", err)
		}
		turns = make([]persona.Turn, 0, len(stored))
		for _, turn := range stored {
			turns = append(turns, persona.Turn{Role: turn.Role, Content: turn.Content})
		}
	}

	messages, err := s.builder.Messages(sender, s.now(), turns, text)
	if err != nil {
		return Response{}, err
	}

	result, err := s.gen.Generate(ctx, messages)
	if err != nil {
		return Response{}, err
	}

	if s.store != nil {
		// Persistence is best-effort; the reply already exists.
		if _, err := s.store.Append(ctx, deviceID, thread, persona.RoleUser, text); err != nil {
			s.logger.Warn("persist inbound turn failed", slog.Any("error", err))
		} else if _, err := s.store.Append(ctx, deviceID, thread, persona.RoleAssistant, result.Text); err != nil {
			s.logger.Warn("persist reply turn failed", slog.Any("error", err))
		}
	}

	s.logger.Info("reply generated",
		slog.String("device", deviceID),
		slog.String("thread", thread),
		slog.String("key", result.KeyLabel),
		slog.Int("history_turns", len(turns)),
	)
	return Response{Reply: result.Text, Model: result.Model, Key: result.KeyLabel}, nil
}
