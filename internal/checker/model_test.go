package checker

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

type fakeClient struct {
	reply   string
	err     error
	prompts []string
}

func (f *fakeClient) Analyze(ctx context.Context, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func modelBatch(t *testing.T) []domain.Transaction {
	t.Helper()
	return []domain.Transaction{
		tx(t, "user_001", "2025-01-15 10:00:00", "Grocer", 45.00),
		tx(t, "user_001", "2025-01-15 03:30:00", "QuickCash ATM", 1500.00),
		tx(t, "user_002", "2025-01-15 11:00:00", "BookShop", 25.00),
	}
}

func TestModelCheckerFlagsIndices(t *testing.T) {
	client := &fakeClient{reply: `{"suspicious_indices": [1], "reason": "nighttime cash withdrawal"}`}
	c := NewModelChecker("ModelChecker", client, nil, nil)

	flags, err := c.Check(context.Background(), modelBatch(t))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(flags) != 1 {
		t.Fatalf("expected 1 flag, got %d", len(flags))
	}
	flag := flags[0]
	if flag.TransactionCount() != 1 || flag.Transactions[0].MerchantName != "QuickCash ATM" {
		t.Errorf("expected index 1 flagged, got %+v", flag.Transactions)
	}
	if flag.Reason != "LLM: nighttime cash withdrawal" {
		t.Errorf("unexpected reason %q", flag.Reason)
	}
	if flag.Confidence != 0.70 {
		t.Errorf("unexpected confidence %v", flag.Confidence)
	}
}

func TestModelCheckerPromptNumbersBatch(t *testing.T) {
	client := &fakeClient{reply: `{"suspicious_indices": [], "reason": ""}`}
	c := NewModelChecker("ModelChecker", client, nil, nil)

	if _, err := c.Check(context.Background(), modelBatch(t)); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(client.prompts) != 1 {
		t.Fatalf("expected one prompt, got %d", len(client.prompts))
	}
	prompt := client.prompts[0]
	if !strings.Contains(prompt, "1: user=user_001, time=2025-01-15 03:30:00, merchant=QuickCash ATM, amount=$1500.00") {
		t.Errorf("prompt missing numbered line:\n%s", prompt)
	}
}

func TestModelCheckerNilClient(t *testing.T) {
	c := NewModelChecker("ModelChecker", nil, nil, nil)
	flags, err := c.Check(context.Background(), modelBatch(t))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if flags != nil {
		t.Fatalf("nil client should yield no flags, got %v", flags)
	}
}

func TestModelCheckerDegradesOnClientError(t *testing.T) {
	client := &fakeClient{err: fmt.Errorf("%w: connection refused", domain.ErrExternalService)}
	c := NewModelChecker("ModelChecker", client, nil, nil)

	flags, err := c.Check(context.Background(), modelBatch(t))
	if err != nil {
		t.Fatalf("client failure must not surface as error, got %v", err)
	}
	if len(flags) != 0 {
		t.Fatalf("expected no flags on failure, got %d", len(flags))
	}
}

func TestModelCheckerToleratesProseAroundJSON(t *testing.T) {
	client := &fakeClient{reply: "Here is my analysis:\n```json\n{\"suspicious_indices\": [0], \"reason\": \"odd\"}\n```\nLet me know."}
	c := NewModelChecker("ModelChecker", client, nil, nil)

	flags, err := c.Check(context.Background(), modelBatch(t))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(flags) != 1 {
		t.Fatalf("expected 1 flag, got %d", len(flags))
	}
}

func TestModelCheckerDegradesOnGarbageReply(t *testing.T) {
	client := &fakeClient{reply: "I cannot help with that."}
	c := NewModelChecker("ModelChecker", client, nil, nil)

	flags, err := c.Check(context.Background(), modelBatch(t))
	if err != nil {
		t.Fatalf("garbage reply must not surface as error, got %v", err)
	}
	if len(flags) != 0 {
		t.Fatalf("expected no flags, got %d", len(flags))
	}
}

func TestModelCheckerDiscardsOutOfRangeIndices(t *testing.T) {
	client := &fakeClient{reply: `{"suspicious_indices": [0, 7, -1], "reason": "mixed"}`}
	c := NewModelChecker("ModelChecker", client, nil, nil)

	flags, err := c.Check(context.Background(), modelBatch(t))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(flags) != 1 {
		t.Fatalf("expected 1 flag, got %d", len(flags))
	}
	if flags[0].TransactionCount() != 1 {
		t.Errorf("only the in-range index should survive, got %d", flags[0].TransactionCount())
	}
}

func TestModelCheckerAllIndicesOutOfRange(t *testing.T) {
	client := &fakeClient{reply: `{"suspicious_indices": [9], "reason": "ghost"}`}
	c := NewModelChecker("ModelChecker", client, nil, nil)

	flags, err := c.Check(context.Background(), modelBatch(t))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(flags) != 0 {
		t.Fatalf("expected no flags, got %d", len(flags))
	}
}

type fakeCache struct {
	data map[string][]byte
}

func (m *fakeCache) Get(ctx context.Context, key string) ([]byte, error) {
	return m.data[key], nil
}

func (m *fakeCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.data[key] = value
	return nil
}

func (m *fakeCache) Delete(ctx context.Context, key string) error {
	delete(m.data, key)
	return nil
}

func (m *fakeCache) Ping(ctx context.Context) error { return nil }
func (m *fakeCache) Close() error                   { return nil }

func TestModelCheckerUsesCache(t *testing.T) {
	client := &fakeClient{reply: `{"suspicious_indices": [1], "reason": "repeat"}`}
	cache := &fakeCache{data: make(map[string][]byte)}
	c := NewModelChecker("ModelChecker", client, cache, nil)

	batch := modelBatch(t)
	if _, err := c.Check(context.Background(), batch); err != nil {
		t.Fatalf("first Check: %v", err)
	}
	if _, err := c.Check(context.Background(), batch); err != nil {
		t.Fatalf("second Check: %v", err)
	}
	if len(client.prompts) != 1 {
		t.Fatalf("identical batch should hit the cache, client called %d times", len(client.prompts))
	}
}
