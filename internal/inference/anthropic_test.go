package inference

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestAnthropicClientRequiresAPIKey(t *testing.T) {
	_, err := NewAnthropicClient(Config{})
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestAnthropicClientAnalyze(t *testing.T) {
	var gotPath, gotKey, gotVersion string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]string{{"type": "text", "text": "all clear"}},
		})
	}))
	defer srv.Close()

	client, err := NewAnthropicClient(Config{APIKey: "test-key", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewAnthropicClient: %v", err)
	}

	out, err := client.Analyze(context.Background(), "review these transactions")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if out != "all clear" {
		t.Errorf("expected text from first content block, got %q", out)
	}
	if gotPath != "/v1/messages" {
		t.Errorf("expected /v1/messages, got %s", gotPath)
	}
	if gotKey != "test-key" {
		t.Errorf("expected x-api-key header, got %q", gotKey)
	}
	if gotVersion != "2023-06-01" {
		t.Errorf("expected anthropic-version header, got %q", gotVersion)
	}
	if gotBody["model"] == "" {
		t.Error("expected model in request body")
	}
}

func TestAnthropicClientServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client, err := NewAnthropicClient(Config{APIKey: "test-key", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewAnthropicClient: %v", err)
	}

	_, err = client.Analyze(context.Background(), "prompt")
	if !errors.Is(err, domain.ErrExternalService) {
		t.Fatalf("expected ErrExternalService, got %v", err)
	}
}

func TestAnthropicClientEmptyContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"content": []any{}})
	}))
	defer srv.Close()

	client, err := NewAnthropicClient(Config{APIKey: "test-key", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewAnthropicClient: %v", err)
	}

	_, err = client.Analyze(context.Background(), "prompt")
	if !errors.Is(err, domain.ErrExternalService) {
		t.Fatalf("expected ErrExternalService for empty content, got %v", err)
	}
}
