package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/notewise/notewise/internal/ai"
	"github.com/notewise/notewise/internal/assembler"
	"github.com/notewise/notewise/pkg/models"
)

// MockThreadStore implements store.ThreadStore for testing.
type MockThreadStore struct {
	mu sync.Mutex

	GetThreadFunc      func(ctx context.Context, id, ownerID string) (models.Thread, bool, error)
	RecentMessagesFunc func(ctx context.Context, threadID string, limit int) ([]models.Message, error)
	AppendErr          error

	Appended []models.Message
	Touched  []string
}

func (m *MockThreadStore) CreateThread(ctx context.Context, t models.Thread) error { return nil }

func (m *MockThreadStore) GetThread(ctx context.Context, id, ownerID string) (models.Thread, bool, error) {
	if m.GetThreadFunc != nil {
		return m.GetThreadFunc(ctx, id, ownerID)
	}
	return models.Thread{ID: id, OwnerID: ownerID}, true, nil
}

func (m *MockThreadStore) ListThreads(ctx context.Context, ownerID string) ([]models.Thread, error) {
	return nil, nil
}

func (m *MockThreadStore) AppendMessage(ctx context.Context, msg models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AppendErr != nil {
		return m.AppendErr
	}
	m.Appended = append(m.Appended, msg)
	return nil
}

func (m *MockThreadStore) RecentMessages(ctx context.Context, threadID string, limit int) ([]models.Message, error) {
	if m.RecentMessagesFunc != nil {
		return m.RecentMessagesFunc(ctx, threadID, limit)
	}
	return nil, nil
}

func (m *MockThreadStore) ListMessages(ctx context.Context, threadID string) ([]models.Message, error) {
	return nil, nil
}

func (m *MockThreadStore) TouchThread(ctx context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Touched = append(m.Touched, threadID)
	return nil
}

func (m *MockThreadStore) messages() []models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Message(nil), m.Appended...)
}

// MockRetriever implements Retriever.
type MockRetriever struct {
	RetrieveFunc func(ctx context.Context, ownerID, query string) ([]models.RetrievedPassage, error)
}

func (m *MockRetriever) Retrieve(ctx context.Context, ownerID, query string) ([]models.RetrievedPassage, error) {
	if m.RetrieveFunc != nil {
		return m.RetrieveFunc(ctx, ownerID, query)
	}
	return []models.RetrievedPassage{
		{ChunkID: "c1", DocumentID: "d1", Content: "standup notes passage", Score: 0.03, Source: models.SignalFused},
	}, nil
}

// MockAssembler implements ContextAssembler.
type MockAssembler struct {
	AssembleFunc func(ctx context.Context, passages []models.RetrievedPassage) (assembler.Assembly, error)
}

func (m *MockAssembler) Assemble(ctx context.Context, passages []models.RetrievedPassage) (assembler.Assembly, error) {
	if m.AssembleFunc != nil {
		return m.AssembleFunc(ctx, passages)
	}
	out := assembler.Assembly{Summary: "Found 1 passages from 1 documents"}
	for _, p := range passages {
		out.Passages = append(out.Passages, assembler.ContextPassage{RetrievedPassage: p, Title: "Standup"})
		out.Citations = append(out.Citations, models.Citation{
			ChunkID: p.ChunkID, DocumentID: p.DocumentID, Title: "Standup", Excerpt: p.Content,
		})
	}
	return out, nil
}

// scriptedClient drives the generate stage deterministically: the test
// feeds deltas through a channel it controls.
type scriptedClient struct {
	deltas    chan ai.StreamDelta
	streamErr error
	prompts   [][]ai.ChatMessage
	mu        sync.Mutex
}

func (c *scriptedClient) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{0}, nil
}

func (c *scriptedClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, nil
}

func (c *scriptedClient) StreamComplete(ctx context.Context, msgs []ai.ChatMessage) (<-chan ai.StreamDelta, error) {
	c.mu.Lock()
	c.prompts = append(c.prompts, msgs)
	c.mu.Unlock()
	if c.streamErr != nil {
		return nil, c.streamErr
	}
	return c.deltas, nil
}

func (c *scriptedClient) Dim() int { return 1 }

func (c *scriptedClient) ModelID() string { return "scripted" }

func newOrchestrator(threads *MockThreadStore, client ai.Client) *Orchestrator {
	return NewOrchestrator(threads, &MockRetriever{}, &MockAssembler{}, client)
}

func req() TurnRequest {
	return TurnRequest{OwnerID: "u1", ThreadID: "t1", UserText: "what happened in standup?", RequestID: "r1"}
}

func collect(events <-chan Event) (tokens []string, terminal Event) {
	for e := range events {
		if e.Type == EventToken {
			tokens = append(tokens, e.Text)
			continue
		}
		terminal = e
	}
	return tokens, terminal
}

func TestExecuteTurn_Validation(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{name: "empty", text: ""},
		{name: "whitespace only", text: "   \n\t "},
		{name: "over length", text: strings.Repeat("x", 4001)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			threads := &MockThreadStore{}
			o := newOrchestrator(threads, ai.NewMockClient(4))
			r := req()
			r.UserText = tt.text

			tokens, terminal := collect(o.ExecuteTurn(context.Background(), r))
			if len(tokens) != 0 {
				t.Errorf("rejected input emitted %d tokens", len(tokens))
			}
			if terminal.Type != EventError {
				t.Errorf("terminal = %+v, want error", terminal)
			}
			if len(threads.messages()) != 0 {
				t.Error("rejected input must not persist anything")
			}
		})
	}
}

func TestExecuteTurn_ThreadNotFound(t *testing.T) {
	threads := &MockThreadStore{
		GetThreadFunc: func(ctx context.Context, id, ownerID string) (models.Thread, bool, error) {
			return models.Thread{}, false, nil
		},
	}
	o := newOrchestrator(threads, ai.NewMockClient(4))
	_, terminal := collect(o.ExecuteTurn(context.Background(), req()))
	if terminal.Type != EventError || !strings.Contains(terminal.Message, "thread not found") {
		t.Errorf("terminal = %+v", terminal)
	}
}

func TestExecuteTurn_HappyPath(t *testing.T) {
	threads := &MockThreadStore{}
	client := ai.NewMockClient(4)
	client.Completion = "We shipped the importer. [1]"
	o := newOrchestrator(threads, client)

	tokens, terminal := collect(o.ExecuteTurn(context.Background(), req()))
	if terminal.Type != EventComplete {
		t.Fatalf("terminal = %+v, want complete", terminal)
	}
	if strings.Join(tokens, "") != "We shipped the importer. [1]" {
		t.Errorf("streamed text = %q", strings.Join(tokens, ""))
	}
	if terminal.ContextSummary != "Found 1 passages from 1 documents" {
		t.Errorf("context summary = %q", terminal.ContextSummary)
	}
	if len(terminal.Citations) != 1 {
		t.Errorf("citations = %v", terminal.Citations)
	}

	msgs := threads.messages()
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages, want user + assistant", len(msgs))
	}
	if msgs[0].Role != models.RoleUser || msgs[0].Content != "what happened in standup?" {
		t.Errorf("user message = %+v", msgs[0])
	}
	if msgs[1].Role != models.RoleAssistant || msgs[1].Content != "We shipped the importer. [1]" {
		t.Errorf("assistant message = %+v", msgs[1])
	}
	if msgs[1].Metadata["context_summary"] != "Found 1 passages from 1 documents" {
		t.Errorf("assistant metadata = %v", msgs[1].Metadata)
	}
	if _, ok := msgs[1].Metadata["truncated"]; ok {
		t.Error("completed answer must not be tagged truncated")
	}
	if len(threads.Touched) == 0 {
		t.Error("thread activity marker not touched")
	}
}

func TestExecuteTurn_CancellationPersistsPartial(t *testing.T) {
	threads := &MockThreadStore{}
	client := &scriptedClient{deltas: make(chan ai.StreamDelta)}
	o := newOrchestrator(threads, client)

	ctx, cancel := context.WithCancel(context.Background())
	events := o.ExecuteTurn(ctx, req())

	client.deltas <- ai.StreamDelta{Text: "The team "}
	client.deltas <- ai.StreamDelta{Text: "decided"}

	// Drain the two token events so accumulation is observable.
	got := ""
	for i := 0; i < 2; i++ {
		e := <-events
		if e.Type != EventToken {
			t.Fatalf("event %d = %+v, want token", i, e)
		}
		got += e.Text
	}

	cancel()
	close(client.deltas)

	_, terminal := collect(events)
	if terminal.Type != EventComplete {
		t.Fatalf("terminal = %+v", terminal)
	}

	msgs := threads.messages()
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages, want 2", len(msgs))
	}
	if msgs[1].Content != "The team decided" {
		t.Errorf("persisted partial = %q, want exactly the streamed text", msgs[1].Content)
	}
	if msgs[1].Metadata["truncated"] != true {
		t.Errorf("cancelled answer metadata = %v, want truncated tag", msgs[1].Metadata)
	}
}

func TestExecuteTurn_GenerationFailureBeforeText(t *testing.T) {
	threads := &MockThreadStore{}
	client := &scriptedClient{streamErr: errors.New("completion service down")}
	o := newOrchestrator(threads, client)

	tokens, terminal := collect(o.ExecuteTurn(context.Background(), req()))
	if len(tokens) != 0 {
		t.Errorf("emitted %d tokens", len(tokens))
	}
	if terminal.Type != EventError {
		t.Fatalf("terminal = %+v, want error", terminal)
	}

	msgs := threads.messages()
	if len(msgs) != 1 || msgs[0].Role != models.RoleUser {
		t.Errorf("persisted %v, want only the user message", msgs)
	}
}

func TestExecuteTurn_MidStreamProviderError(t *testing.T) {
	threads := &MockThreadStore{}
	client := &scriptedClient{deltas: make(chan ai.StreamDelta, 2)}
	client.deltas <- ai.StreamDelta{Text: "Partial answer"}
	client.deltas <- ai.StreamDelta{Err: errors.New("stream reset")}
	close(client.deltas)
	o := newOrchestrator(threads, client)

	_, terminal := collect(o.ExecuteTurn(context.Background(), req()))
	if terminal.Type != EventError {
		t.Fatalf("terminal = %+v, want error", terminal)
	}

	msgs := threads.messages()
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages, want partial answer kept", len(msgs))
	}
	if msgs[1].Content != "Partial answer" {
		t.Errorf("assistant content = %q", msgs[1].Content)
	}
	if msgs[1].Metadata["generation_error"] == nil {
		t.Errorf("metadata = %v, want generation_error tag", msgs[1].Metadata)
	}
}

func TestExecuteTurn_RetrievalFailureDegrades(t *testing.T) {
	threads := &MockThreadStore{}
	client := ai.NewMockClient(4)
	o := newOrchestrator(threads, client)
	o.Retriever = &MockRetriever{
		RetrieveFunc: func(ctx context.Context, ownerID, query string) ([]models.RetrievedPassage, error) {
			return nil, errors.New("both signals failed")
		},
	}

	_, terminal := collect(o.ExecuteTurn(context.Background(), req()))
	if terminal.Type != EventComplete {
		t.Fatalf("terminal = %+v, want degraded completion", terminal)
	}
	if terminal.ContextSummary != "Found 0 passages from 0 documents" {
		t.Errorf("summary = %q", terminal.ContextSummary)
	}
	if len(terminal.Citations) != 0 {
		t.Errorf("citations = %v, want none", terminal.Citations)
	}
}

func TestExecuteTurn_PersistFailureIsFatal(t *testing.T) {
	threads := &MockThreadStore{AppendErr: errors.New("disk full")}
	o := newOrchestrator(threads, ai.NewMockClient(4))

	_, terminal := collect(o.ExecuteTurn(context.Background(), req()))
	if terminal.Type != EventError {
		t.Errorf("terminal = %+v, want error on persist failure", terminal)
	}
}

func TestExecuteTurn_PromptIncludesHistoryAndContext(t *testing.T) {
	threads := &MockThreadStore{
		RecentMessagesFunc: func(ctx context.Context, threadID string, limit int) ([]models.Message, error) {
			if limit != DefaultHistoryLimit {
				t.Errorf("history limit = %d, want %d", limit, DefaultHistoryLimit)
			}
			return []models.Message{
				{Role: models.RoleUser, Content: "earlier question"},
				{Role: models.RoleAssistant, Content: "earlier answer"},
			}, nil
		},
	}
	client := &scriptedClient{deltas: make(chan ai.StreamDelta, 1)}
	client.deltas <- ai.StreamDelta{Text: "ok"}
	close(client.deltas)
	o := newOrchestrator(threads, client)

	collect(o.ExecuteTurn(context.Background(), req()))

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.prompts) != 1 {
		t.Fatalf("prompts = %d, want 1", len(client.prompts))
	}
	prompt := client.prompts[0]
	if prompt[0].Role != "system" {
		t.Fatalf("first message role = %s", prompt[0].Role)
	}
	if !strings.Contains(prompt[0].Content, "[1] Standup") {
		t.Errorf("system prompt missing numbered passage:\n%s", prompt[0].Content)
	}
	if !strings.Contains(prompt[0].Content, "standup notes passage") {
		t.Errorf("system prompt missing passage text")
	}
	if prompt[1].Content != "earlier question" || prompt[2].Content != "earlier answer" {
		t.Errorf("history not threaded: %+v", prompt[1:3])
	}
	if last := prompt[len(prompt)-1]; last.Role != "user" || last.Content != "what happened in standup?" {
		t.Errorf("final message = %+v", last)
	}
}

func TestCancelRegistry(t *testing.T) {
	reg := NewCancelRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	reg.Register("r1", cancel)

	if !reg.Cancel("r1") {
		t.Error("Cancel(r1) = false, want true")
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Error("context not cancelled")
	}
	if reg.Cancel("r1") {
		t.Error("second Cancel(r1) = true, want false")
	}
	if reg.Cancel("unknown") {
		t.Error("Cancel(unknown) = true")
	}
}
