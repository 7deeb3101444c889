package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func ndjsonServer(t *testing.T, lines []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req ollamaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if !req.Stream {
			t.Error("request must ask for streaming")
		}
		for _, line := range lines {
			fmt.Fprintln(w, line)
		}
	}))
}

func collect(t *testing.T, s Stream) (string, error) {
	t.Helper()
	defer s.Close()
	var out string
	for {
		delta, err := s.Recv()
		out += delta
		if err != nil {
			return out, err
		}
	}
}

func TestOllamaStreamIncrements(t *testing.T) {
	srv := ndjsonServer(t, []string{
		`{"response":"Hello","done":false}`,
		`{"response":" world","done":false}`,
		`{"response":"","done":true}`,
	})
	defer srv.Close()

	client := NewOllamaClient(srv.URL)
	stream, err := client.Generate(context.Background(), Persona{Name: "wayneAI", Model: "llama3"}, "greet")
	if err != nil {
		t.Fatal(err)
	}

	out, err := collect(t, stream)
	if err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
	if out != "Hello world" {
		t.Fatalf("expected %q, got %q", "Hello world", out)
	}
}

func TestOllamaStreamFinalLineMayCarryText(t *testing.T) {
	srv := ndjsonServer(t, []string{
		`{"response":"partial","done":false}`,
		`{"response":" end","done":true}`,
	})
	defer srv.Close()

	client := NewOllamaClient(srv.URL)
	stream, err := client.Generate(context.Background(), Persona{Model: "llama3"}, "q")
	if err != nil {
		t.Fatal(err)
	}

	out, err := collect(t, stream)
	if err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
	if out != "partial end" {
		t.Fatalf("expected %q, got %q", "partial end", out)
	}
}

func TestOllamaStreamSkipsMalformedLines(t *testing.T) {
	srv := ndjsonServer(t, []string{
		`{"response":"ok","done":false}`,
		`not json`,
		`{"response":"","done":true}`,
	})
	defer srv.Close()

	client := NewOllamaClient(srv.URL)
	stream, err := client.Generate(context.Background(), Persona{Model: "llama3"}, "q")
	if err != nil {
		t.Fatal(err)
	}

	out, err := collect(t, stream)
	if err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
	if out != "ok" {
		t.Fatalf("expected %q, got %q", "ok", out)
	}
}

func TestOllamaStreamUpstreamError(t *testing.T) {
	srv := ndjsonServer(t, []string{
		`{"response":"","done":false,"error":"model not loaded"}`,
	})
	defer srv.Close()

	client := NewOllamaClient(srv.URL)
	stream, err := client.Generate(context.Background(), Persona{Model: "llama3"}, "q")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := collect(t, stream); err == nil || err == io.EOF {
		t.Fatalf("expected an upstream error, got %v", err)
	}
}

func TestOllamaGenerateNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewOllamaClient(srv.URL)
	if _, err := client.Generate(context.Background(), Persona{Model: "llama3"}, "q"); err == nil {
		t.Fatal("expected an error for a non-200 response")
	}
}
