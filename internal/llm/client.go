// Package llm calls an OpenAI-compatible chat completions endpoint
// through the rotating key pool.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pimhq/pim/internal/keypool"
)

// ChatMessage is one turn in a chat completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// APIError is a non-2xx provider response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm error: status %d: %s", e.Status, e.Body)
}

// Client talks to one OpenAI-compatible provider endpoint. The API key
// is supplied per call by the pool, not held by the client.
type Client struct {
	baseURL string
	model   string
	logger  *slog.Logger
	http    *http.Client
}

// NewClient builds a chat completions client for baseURL and model.
func NewClient(log *slog.Logger, baseURL, model string, timeout time.Duration) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("llm client: base url is required")
	}
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("llm client: model is required")
	}
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		logger:  log.With(slog.String("client", "llm")),
		http: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Model returns the configured model id.
func (c *Client) Model() string { return c.model }

type chatRequest struct {
	Model       string        `json:"model"`
	Temperature float32       `json:"temperature"`
	Messages    []ChatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message ChatMessage `json:"message"`
	} `json:"choices"`
}

// Chat sends the messages and returns the first choice's content.
func (c *Client) Chat(ctx context.Context, apiKey string, messages []ChatMessage) (string, error) {
	if strings.TrimSpace(apiKey) == "" {
		return "", fmt.Errorf("llm api key is required")
	}
	if len(messages) == 0 {
		return "", fmt.Errorf("messages are required")
	}

	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Temperature: 0.8,
		Messages:    messages,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", err
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("llm response missing content")
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

// classify maps a call error to a cooldown class. The second return is
// true for permanent errors: the request itself is bad and retrying on
// another key cannot help.
func classify(err error) (keypool.ErrClass, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status == http.StatusTooManyRequests:
			return keypool.ClassRateLimited, false
		case apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden:
			return keypool.ClassAuth, false
		case apiErr.Status == http.StatusRequestTimeout:
			return keypool.ClassTimeout, false
		case apiErr.Status >= 500:
			return keypool.ClassServer, false
		default:
			return "", true
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return keypool.ClassTimeout, false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return keypool.ClassTimeout, false
	}
	return keypool.ClassNetwork, false
}
