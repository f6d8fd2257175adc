package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(NewMock("hi"))

	p, err := r.Get("mock")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if p.Name() != "mock" {
		t.Errorf("expected mock, got %s", p.Name())
	}

	if _, err := r.Get("missing"); !errors.Is(err, ErrProviderNotFound) {
		t.Errorf("expected ErrProviderNotFound, got %v", err)
	}

	if len(r.List()) != 1 {
		t.Errorf("expected 1 provider, got %d", len(r.List()))
	}
}

func TestMockScriptedResponses(t *testing.T) {
	m := NewMock("first")
	m.ChatResponses = []string{"first", "second"}

	ctx := context.Background()
	got, _ := m.Chat(ctx, "sys", nil, ChatOptions{})
	if got != "first" {
		t.Errorf("expected first, got %q", got)
	}
	got, _ = m.Chat(ctx, "sys", nil, ChatOptions{})
	if got != "second" {
		t.Errorf("expected second, got %q", got)
	}
	got, _ = m.Chat(ctx, "sys", nil, ChatOptions{})
	if got != "second" {
		t.Errorf("expected script to repeat last response, got %q", got)
	}
}

func TestASIChatRequest(t *testing.T) {
	var captured asiChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header: %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Error(err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"content":"hello there"}}]}`))
	}))
	defer srv.Close()

	p := NewASI(srv.URL, "test-key", "asi1-mini", nil)

	got, err := p.Complete(context.Background(), "say hello", CompleteOptions{Mode: ModeShort, MaxTokens: 50})
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if got != "hello there" {
		t.Errorf("expected hello there, got %q", got)
	}
	if captured.ReasoningMode != "Short" {
		t.Errorf("expected reasoning_mode=Short, got %q", captured.ReasoningMode)
	}
	if captured.Model != "asi1-mini" {
		t.Errorf("expected model=asi1-mini, got %q", captured.Model)
	}
}

func TestASIChatPrependsSystem(t *testing.T) {
	var captured asiChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	p := NewASI(srv.URL, "k", "m", nil)
	_, err := p.Chat(context.Background(), "be nice", []Message{{Role: "user", Content: "hi"}}, ChatOptions{})
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}

	if len(captured.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(captured.Messages))
	}
	if captured.Messages[0].Role != "system" || captured.Messages[0].Content != "be nice" {
		t.Errorf("expected system message first, got %+v", captured.Messages[0])
	}
}

func TestASIErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewASI(srv.URL, "k", "m", nil)
	if _, err := p.Complete(context.Background(), "x", CompleteOptions{}); err == nil {
		t.Fatal("expected error on 429 status")
	}
}

func TestASIEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"embedding":[0.5,0.25]}]}`))
	}))
	defer srv.Close()

	p := NewASI(srv.URL, "k", "m", nil)
	vec, err := p.Embed(context.Background(), "diary text")
	if err != nil {
		t.Fatalf("Embed() error: %v", err)
	}
	if len(vec) != 2 || vec[0] != 0.5 {
		t.Errorf("unexpected vector: %v", vec)
	}
}
