package ai

import (
	"context"
	"reflect"
	"strings"
	"testing"
)

func TestNewClient(t *testing.T) {
	tests := []struct {
		name    string
		config  *ClientConfig
		wantErr bool
	}{
		{name: "nil config", config: nil, wantErr: true},
		{name: "unknown provider", config: &ClientConfig{Provider: "carrier-pigeon"}, wantErr: true},
		{name: "mock provider", config: &ClientConfig{Provider: ProviderMock, Dim: 16}, wantErr: false},
		{name: "openai provider", config: &ClientConfig{Provider: ProviderOpenAI, APIKey: "sk-test"}, wantErr: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewClient(context.Background(), tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewClient() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && c == nil {
				t.Fatal("NewClient() returned nil client without error")
			}
		})
	}
}

func TestMockClient_Deterministic(t *testing.T) {
	a := NewMockClient(32)
	b := NewMockClient(32)

	v1, err := a.Embed(context.Background(), "meeting notes from tuesday")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	v2, err := b.Embed(context.Background(), "meeting notes from tuesday")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if !reflect.DeepEqual(v1, v2) {
		t.Error("same text produced different vectors across clients")
	}

	v3, _ := a.Embed(context.Background(), "a different text")
	if reflect.DeepEqual(v1, v3) {
		t.Error("different texts produced identical vectors")
	}
	if len(v1) != 32 {
		t.Errorf("dimension = %d, want 32", len(v1))
	}
}

func TestMockClient_BatchOrder(t *testing.T) {
	c := NewMockClient(8)
	texts := []string{"alpha", "beta", "gamma"}
	batch, err := c.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(batch) != len(texts) {
		t.Fatalf("batch length = %d, want %d", len(batch), len(texts))
	}
	for i, txt := range texts {
		single, _ := c.Embed(context.Background(), txt)
		if !reflect.DeepEqual(batch[i], single) {
			t.Errorf("batch[%d] does not match single embed of %q", i, txt)
		}
	}
}

func TestMockClient_StreamComplete(t *testing.T) {
	c := NewMockClient(8)
	c.Completion = "one two three"

	deltas, err := c.StreamComplete(context.Background(), []ChatMessage{{Role: "user", Content: "q"}})
	if err != nil {
		t.Fatalf("StreamComplete: %v", err)
	}
	var b strings.Builder
	for d := range deltas {
		if d.Err != nil {
			t.Fatalf("unexpected stream error: %v", d.Err)
		}
		b.WriteString(d.Text)
	}
	if got := b.String(); got != "one two three" {
		t.Errorf("accumulated stream = %q, want %q", got, "one two three")
	}
}

func TestMockClient_StreamCancellation(t *testing.T) {
	c := NewMockClient(8)
	c.Completion = strings.Repeat("word ", 500)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	deltas, err := c.StreamComplete(ctx, nil)
	if err != nil {
		t.Fatalf("StreamComplete: %v", err)
	}

	count := 0
	for d := range deltas {
		if d.Err != nil {
			t.Fatalf("unexpected stream error: %v", d.Err)
		}
		count++
		if count == 3 {
			cancel()
		}
	}
	if count >= 500 {
		t.Errorf("stream did not stop after cancellation, got %d deltas", count)
	}
}

func TestMockClient_FailEmbedDegrades(t *testing.T) {
	c := NewMockClient(8)
	c.FailEmbed = true
	if _, err := c.EmbedBatch(context.Background(), []string{"x"}); err == nil {
		t.Error("expected embedding failure")
	}
	if _, err := c.Embed(context.Background(), "x"); err == nil {
		t.Error("expected embedding failure")
	}
}
