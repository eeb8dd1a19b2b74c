package litellm

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ikanisa/lawai-sub007/internal/port/agentrunner"
)

const (
	chatCompletionsPath = "/v1/chat/completions"
	callIDHeader        = "x-litellm-call-id"
	sseDataPrefix       = "data:"
	sseDone             = "[DONE]"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float64         `json:"temperature"`
	Stream         bool            `json:"stream,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type chatChunk struct {
	ID      string `json:"id"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// Runner implements agentrunner.Runner over chat completions. Agents are
// asked for a JSON object; streamed runs hand the caller the raw deltas.
type Runner struct {
	client *Client
}

// NewRunner creates a Runner that sends requests through client.
func NewRunner(client *Client) *Runner {
	return &Runner{client: client}
}

// Run sends input to the agent's model. A string input is sent as-is, any
// other value as its JSON encoding.
func (r *Runner) Run(ctx context.Context, agent agentrunner.Agent, input any) (*agentrunner.Result, error) {
	content, err := encodeInput(input)
	if err != nil {
		return nil, err
	}

	req := chatRequest{
		Model:          agent.Model,
		MaxTokens:      agent.MaxTokens,
		Temperature:    agent.Temperature,
		Stream:         agent.Stream,
		ResponseFormat: &responseFormat{Type: "json_object"},
		Metadata:       map[string]any{"agent": agent.Name},
	}
	if agent.Instructions != "" {
		req.Messages = append(req.Messages, chatMessage{Role: "system", Content: agent.Instructions})
	}
	req.Messages = append(req.Messages, chatMessage{Role: "user", Content: content})

	if agent.Stream {
		return r.runStream(ctx, req)
	}

	var resp chatResponse
	header, err := r.client.doJSON(ctx, chatCompletionsPath, req, &resp)
	if err != nil {
		return nil, fmt.Errorf("run agent %s: %w", agent.Name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("run agent %s: empty choices", agent.Name)
	}
	return &agentrunner.Result{
		RunID:       runID(header, resp.ID),
		FinalOutput: json.RawMessage(resp.Choices[0].Message.Content),
	}, nil
}

func (r *Runner) runStream(ctx context.Context, req chatRequest) (*agentrunner.Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	resp, err := r.client.send(ctx, http.MethodPost, chatCompletionsPath, body)
	if err != nil {
		return nil, fmt.Errorf("run agent %s: %w", req.Metadata["agent"], err)
	}
	return &agentrunner.Result{
		RunID:  runID(resp.Header, ""),
		Stream: newSSEStream(resp.Body),
	}, nil
}

func encodeInput(input any) (string, error) {
	switch v := input.(type) {
	case string:
		return v, nil
	case json.RawMessage:
		return string(v), nil
	}
	data, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("marshal agent input: %w", err)
	}
	return string(data), nil
}

func runID(h http.Header, fallback string) string {
	if id := h.Get(callIDHeader); id != "" {
		return id
	}
	if fallback != "" {
		return fallback
	}
	return uuid.NewString()
}

// sseStream reads chat completion chunks from a server-sent events body.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool

	closeOnce sync.Once
	closeErr  error
}

func newSSEStream(body io.ReadCloser) *sseStream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &sseStream{body: body, scanner: sc}
}

func (s *sseStream) Next(ctx context.Context) (agentrunner.Event, error) {
	for {
		if s.done {
			return agentrunner.Event{}, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return agentrunner.Event{}, err
		}
		if !s.scanner.Scan() {
			s.done = true
			if err := s.scanner.Err(); err != nil {
				return agentrunner.Event{}, fmt.Errorf("read event stream: %w", err)
			}
			return agentrunner.Event{}, io.EOF
		}

		line := strings.TrimSpace(s.scanner.Text())
		if !strings.HasPrefix(line, sseDataPrefix) {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, sseDataPrefix))
		if data == sseDone {
			s.done = true
			return agentrunner.Event{Type: agentrunner.EventDone}, nil
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return agentrunner.Event{}, fmt.Errorf("decode chunk: %w", err)
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		return agentrunner.Event{Type: agentrunner.EventDelta, Delta: chunk.Choices[0].Delta.Content}, nil
	}
}

func (s *sseStream) Close() error {
	s.closeOnce.Do(func() {
		s.done = true
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}

var _ agentrunner.Runner = (*Runner)(nil)
