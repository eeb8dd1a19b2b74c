package litellm_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ikanisa/lawai-sub007/internal/adapter/litellm"
	"github.com/ikanisa/lawai-sub007/internal/port/agentrunner"
	"github.com/ikanisa/lawai-sub007/internal/resilience"
)

func TestRunNonStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("unexpected auth: %q", auth)
		}

		var req struct {
			Model    string `json:"model"`
			Stream   bool   `json:"stream"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "openai/gpt-4o-mini" || req.Stream {
			t.Errorf("unexpected request: %+v", req)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("expected system + user messages, got %+v", req.Messages)
		}
		if req.Messages[1].Content != `{"objective":"pay vendor"}` {
			t.Errorf("unexpected user content: %s", req.Messages[1].Content)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("x-litellm-call-id", "call-42")
		_, _ = w.Write([]byte(`{"id":"chatcmpl-1","choices":[{"message":{"role":"assistant","content":"{\"status\":\"approved\"}"}}]}`))
	}))
	defer srv.Close()

	runner := litellm.NewRunner(litellm.NewClient(srv.URL, "test-key", 5*time.Second))
	res, err := runner.Run(context.Background(), agentrunner.Agent{
		Name:         "safety",
		Model:        "openai/gpt-4o-mini",
		Instructions: "review",
	}, map[string]string{"objective": "pay vendor"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.RunID != "call-42" {
		t.Errorf("expected run id from header, got %q", res.RunID)
	}
	if string(res.FinalOutput) != `{"status":"approved"}` {
		t.Errorf("unexpected output: %s", res.FinalOutput)
	}
	if res.Stream != nil {
		t.Error("expected no stream for non-streaming run")
	}
}

func TestRunStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{`{"sum`, `mary":`, `"ok"}`} {
			chunk, _ := json.Marshal(map[string]any{
				"id":      "chatcmpl-2",
				"choices": []map[string]any{{"delta": map[string]string{"content": part}}},
			})
			_, _ = fmt.Fprintf(w, "data: %s\n\n", chunk)
		}
		_, _ = io.WriteString(w, ": keep-alive\n\n")
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	runner := litellm.NewRunner(litellm.NewClient(srv.URL, "", 5*time.Second))
	res, err := runner.Run(context.Background(), agentrunner.Agent{Name: "director", Stream: true}, "close the month")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Stream == nil {
		t.Fatal("expected a stream")
	}
	if res.RunID == "" {
		t.Error("expected a generated run id")
	}

	text, err := agentrunner.Drain(context.Background(), res.Stream)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if text != `{"summary":"ok"}` {
		t.Fatalf("unexpected drained text: %q", text)
	}
	if err := res.Stream.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}
}

func TestRunAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"upstream down"}`))
	}))
	defer srv.Close()

	runner := litellm.NewRunner(litellm.NewClient(srv.URL, "", 5*time.Second))
	_, err := runner.Run(context.Background(), agentrunner.Agent{Name: "director"}, "x")
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("expected 502 error, got %v", err)
	}
}

func TestBreakerOpensOnRepeatedFailures(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := litellm.NewClient(srv.URL, "", 5*time.Second)
	client.SetBreaker(resilience.NewBreaker(2, time.Minute))
	runner := litellm.NewRunner(client)

	for i := 0; i < 2; i++ {
		_, _ = runner.Run(context.Background(), agentrunner.Agent{Name: "safety"}, "x")
	}
	_, err := runner.Run(context.Background(), agentrunner.Agent{Name: "safety"}, "x")
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 upstream calls, got %d", calls)
	}
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health/liveliness" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`"I'm alive!"`))
	}))
	defer srv.Close()

	if err := litellm.NewClient(srv.URL, "", time.Second).Health(context.Background()); err != nil {
		t.Fatalf("Health failed: %v", err)
	}
}

func TestHealthUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if err := litellm.NewClient(srv.URL, "", time.Second).Health(context.Background()); err == nil {
		t.Fatal("expected unhealthy")
	}
}

func TestKeySourceRotates(t *testing.T) {
	var got []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`"ok"`))
	}))
	defer srv.Close()

	key := "rotated-1"
	client := litellm.NewClient(srv.URL, "static", time.Second)
	client.SetKeySource(func() string { return key })

	ctx := context.Background()
	for _, k := range []string{"rotated-1", "rotated-2", ""} {
		key = k
		if err := client.Health(ctx); err != nil {
			t.Fatal(err)
		}
	}
	want := []string{"Bearer rotated-1", "Bearer rotated-2", "Bearer static"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}
