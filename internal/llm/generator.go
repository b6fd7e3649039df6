package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pimhq/pim/internal/keypool"
)

// Result is a completed generation.
type Result struct {
	Text     string
	Model    string
	KeyLabel string
}

// Generator drives chat completions through the key pool: lease a key,
// call the provider, report the outcome, and move to the next key on
// retryable failures.
type Generator struct {
	pool        *keypool.Pool
	client      *Client
	maxAttempts int
	logger      *slog.Logger
}

// NewGenerator wires the pool and client. maxAttempts bounds how many
// keys one request may burn through.
func NewGenerator(log *slog.Logger, pool *keypool.Pool, client *Client, maxAttempts int) *Generator {
	if log == nil {
		log = slog.Default()
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Generator{
		pool:        pool,
		client:      client,
		maxAttempts: maxAttempts,
		logger:      log.With(slog.String("service", "llm")),
	}
}

// Generate produces a completion for the messages. It returns the pool
// exhaustion error unchanged so callers can serve Retry-After, and
// aborts without retry on permanent request errors.
func (g *Generator) Generate(ctx context.Context, messages []ChatMessage) (Result, error) {
	var lastErr error

	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		lease, err := g.pool.Acquire()
		if err != nil {
			var exhausted *keypool.ExhaustedError
			if errors.As(err, &exhausted) {
				return Result{}, err
			}
			return Result{}, fmt.Errorf("acquire key: %w", err)
		}

		text, err := g.client.Chat(ctx, lease.Secret, messages)
		if err == nil {
			g.pool.Success(lease)
			return Result{Text: text, Model: g.client.Model(), KeyLabel: lease.Label}, nil
		}

		class, permanent := classify(err)
		if permanent {
			g.pool.Success(lease)
			return Result{}, fmt.Errorf("llm request rejected: %w", err)
		}

		g.pool.Fail(lease, class)
		g.logger.Warn("completion attempt failed",
			slog.Int("attempt", attempt),
			slog.String("key", lease.Label),
			slog.String("class", string(class)),
			slog.Any("error", err),
		)
		lastErr = err
	}

	return Result{}, fmt.Errorf("all %d attempts failed: %w", g.maxAttempts, lastErr)
}
