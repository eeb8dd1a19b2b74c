// Package agentrunner defines the port for running an LLM agent and reading
// its structured, optionally streamed, output.
package agentrunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Agent configures one agent run.
type Agent struct {
	Name         string
	Model        string
	Instructions string
	MaxTokens    int
	Temperature  float64
	Stream       bool
}

// EventType classifies stream events.
type EventType string

const (
	EventDelta EventType = "delta"
	EventDone  EventType = "done"
)

// Event is one element of a streamed run.
type Event struct {
	Type  EventType
	Delta string
}

// Stream is a lazily consumed sequence of events. Next returns io.EOF once
// the sequence is exhausted. Close releases the underlying resource.
type Stream interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}

// Result is the outcome of a run. FinalOutput may be empty when the output
// is only available through Stream.
type Result struct {
	RunID       string
	FinalOutput json.RawMessage
	Stream      Stream
}

// Runner runs agents.
type Runner interface {
	Run(ctx context.Context, agent Agent, input any) (*Result, error)
}

// Drain consumes s until io.EOF and closes it exactly once, whatever
// happens. It returns the concatenated deltas. A nil stream is a no-op.
//
// Reading stops early on a read error or once ctx is done; the deltas read
// so far are returned with that error and the stream is still closed.
func Drain(ctx context.Context, s Stream) (string, error) {
	if s == nil {
		return "", nil
	}

	var (
		sb      strings.Builder
		readErr error
	)
	for {
		if err := ctx.Err(); err != nil {
			readErr = err
			break
		}
		ev, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			readErr = fmt.Errorf("read stream: %w", err)
			break
		}
		if ev.Type == EventDelta {
			sb.WriteString(ev.Delta)
		}
	}

	if err := s.Close(); err != nil && readErr == nil {
		readErr = fmt.Errorf("close stream: %w", err)
	}
	return sb.String(), readErr
}

// ErrNoJSON is returned by ExtractJSON when text holds no JSON object.
var ErrNoJSON = errors.New("no JSON object in agent output")

// ExtractJSON returns the outermost JSON object in text. Models sometimes
// wrap their answer in prose or a markdown fence.
func ExtractJSON(text string) (json.RawMessage, error) {
	text = strings.TrimSpace(text)
	if text != "" && json.Valid([]byte(text)) {
		return json.RawMessage(text), nil
	}
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return nil, ErrNoJSON
	}
	candidate := text[start : end+1]
	if !json.Valid([]byte(candidate)) {
		return nil, ErrNoJSON
	}
	return json.RawMessage(candidate), nil
}
