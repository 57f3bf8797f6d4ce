// Package llm talks to the local inference engine over its
// OpenAI-compatible HTTP surface.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"localmind/internal/vector"
)

// dialTimeout bounds connecting to the engine. There is no overall request
// timeout: generations stream for as long as the model keeps talking, and
// callers cut them off through their context.
const dialTimeout = 10 * time.Second

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TokenEvent is one unit of a streamed generation. Exactly one terminal
// event (Done or Err set) arrives before the channel closes.
type TokenEvent struct {
	Content string
	Err     error
	Done    bool
}

// Options tune a single generation request.
type Options struct {
	Temperature float64
	MaxTokens   int
}

// Engine produces text from conversation context.
type Engine interface {
	Stream(ctx context.Context, messages []Message, opts Options) (<-chan TokenEvent, error)
	Complete(ctx context.Context, messages []Message, opts Options) (string, error)
}

// Embedder turns text into unit-length vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Client implements Engine and Embedder against one engine process.
type Client struct {
	baseURL    string
	chatModel  string
	embedModel string
	client     *http.Client
	log        *slog.Logger
}

func NewClient(baseURL, chatModel, embedModel string, log *slog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		chatModel:  chatModel,
		embedModel: embedModel,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   dialTimeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		log: log,
	}
}

// ============= Wire types =============

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatChoice struct {
	Delta        Message `json:"delta"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (c *Client) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("engine request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("engine returned %s", resp.Status)
	}
	return resp, nil
}

func (c *Client) withDefaults(opts Options) Options {
	if opts.Temperature == 0 {
		opts.Temperature = 0.7
	}
	return opts
}

// Stream starts a generation and returns a channel of token events. The
// channel closes after a single terminal event. Cancelling ctx aborts the
// stream and surfaces the context error.
func (c *Client) Stream(ctx context.Context, messages []Message, opts Options) (<-chan TokenEvent, error) {
	opts = c.withDefaults(opts)
	resp, err := c.post(ctx, "/chat/completions", chatRequest{
		Model:       c.chatModel,
		Messages:    messages,
		Stream:      true,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	})
	if err != nil {
		return nil, err
	}

	events := make(chan TokenEvent, 32)
	go func() {
		defer close(events)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				events <- TokenEvent{Done: true}
				return
			}
			var chunk chatResponse
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				c.log.Warn("Skipping malformed stream chunk", "error", err)
				continue
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			if content := chunk.Choices[0].Delta.Content; content != "" {
				select {
				case events <- TokenEvent{Content: content}:
				case <-ctx.Done():
					events <- TokenEvent{Err: ctx.Err()}
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			if ctx.Err() != nil {
				events <- TokenEvent{Err: ctx.Err()}
			} else {
				events <- TokenEvent{Err: fmt.Errorf("stream read: %w", err)}
			}
			return
		}
		// Stream ended without the [DONE] sentinel. Treat as complete.
		events <- TokenEvent{Done: true}
	}()
	return events, nil
}

// Complete runs a generation to completion and returns the full text.
func (c *Client) Complete(ctx context.Context, messages []Message, opts Options) (string, error) {
	opts = c.withDefaults(opts)
	resp, err := c.post(ctx, "/chat/completions", chatRequest{
		Model:       c.chatModel,
		Messages:    messages,
		Stream:      false,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode completion: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("engine returned no choices")
	}
	return out.Choices[0].Message.Content, nil
}

// Embed returns one unit-normalized vector per input text, in input order.
// Normalizing here means squared L2 downstream ranks identically to cosine.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := c.post(ctx, "/embeddings", embedRequest{
		Model: c.embedModel,
		Input: texts,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode embeddings: %w", err)
	}
	if len(out.Data) != len(texts) {
		return nil, fmt.Errorf("engine returned %d embeddings for %d inputs", len(out.Data), len(texts))
	}
	vectors := make([][]float32, len(texts))
	for _, item := range out.Data {
		if item.Index < 0 || item.Index >= len(texts) {
			return nil, fmt.Errorf("embedding index %d out of range", item.Index)
		}
		vector.Normalize(item.Embedding)
		vectors[item.Index] = item.Embedding
	}
	for i, v := range vectors {
		if v == nil {
			return nil, fmt.Errorf("no embedding for input %d", i)
		}
	}
	return vectors, nil
}

// ProbeDim reports the vector width the embedding model actually
// produces, so callers can catch a model/index mismatch at startup.
func (c *Client) ProbeDim(ctx context.Context) (int, error) {
	vecs, err := c.Embed(ctx, []string{"dimension probe"})
	if err != nil {
		return 0, err
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return 0, fmt.Errorf("engine returned an empty embedding")
	}
	return len(vecs[0]), nil
}

// Healthy reports whether the engine answers its model listing endpoint.
func (c *Client) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
