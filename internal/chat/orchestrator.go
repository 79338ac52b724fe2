// Package chat runs one conversation turn through a fixed-stage
// pipeline: validate -> load-history -> retrieve-context ->
// compose-prompt -> generate -> persist. Stages after validation degrade
// on failure instead of aborting; only input rejection and a failed
// persist are fatal to the turn.
package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/notewise/notewise/internal/ai"
	"github.com/notewise/notewise/internal/assembler"
	"github.com/notewise/notewise/internal/store"
	"github.com/notewise/notewise/pkg/models"
)

const (
	DefaultHistoryLimit = 10
	DefaultMaxInputLen  = 4000
)

type stage int

const (
	stageValidate stage = iota
	stageLoadHistory
	stageRetrieveContext
	stageComposePrompt
	stageGenerate
	stagePersist
)

func (s stage) String() string {
	switch s {
	case stageValidate:
		return "validate"
	case stageLoadHistory:
		return "load-history"
	case stageRetrieveContext:
		return "retrieve-context"
	case stageComposePrompt:
		return "compose-prompt"
	case stageGenerate:
		return "generate"
	case stagePersist:
		return "persist"
	default:
		return "unknown"
	}
}

type EventType string

const (
	EventToken    EventType = "token"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Event is one item of the per-turn output sequence: zero or more token
// events followed by exactly one complete or error event.
type Event struct {
	Type           EventType         `json:"type"`
	Text           string            `json:"text,omitempty"`
	Citations      []models.Citation `json:"citations,omitempty"`
	ContextSummary string            `json:"context_summary,omitempty"`
	Message        string            `json:"message,omitempty"`
}

// TurnRequest identifies one user turn.
type TurnRequest struct {
	OwnerID   string
	ThreadID  string
	UserText  string
	RequestID string
}

// Retriever is the hybrid retrieval dependency.
type Retriever interface {
	Retrieve(ctx context.Context, ownerID, query string) ([]models.RetrievedPassage, error)
}

// ContextAssembler is the context assembly dependency.
type ContextAssembler interface {
	Assemble(ctx context.Context, passages []models.RetrievedPassage) (assembler.Assembly, error)
}

// Orchestrator executes turns. All dependencies are injected; nothing is
// shared between turns except the external store.
type Orchestrator struct {
	Threads   store.ThreadStore
	Retriever Retriever
	Assembler ContextAssembler
	Client    ai.Client

	HistoryLimit int
	MaxInputLen  int
}

func NewOrchestrator(threads store.ThreadStore, r Retriever, a ContextAssembler, client ai.Client) *Orchestrator {
	return &Orchestrator{
		Threads:      threads,
		Retriever:    r,
		Assembler:    a,
		Client:       client,
		HistoryLimit: DefaultHistoryLimit,
		MaxInputLen:  DefaultMaxInputLen,
	}
}

// turnState threads through the stage sequence for one turn.
type turnState struct {
	req      TurnRequest
	history  []models.Message
	assembly assembler.Assembly
	prompt   []ai.ChatMessage
	answer   strings.Builder
	// truncated marks a turn cancelled mid-stream; its partial answer is
	// persisted tagged so it is distinguishable from a completed one.
	truncated bool
	// genErr holds a mid-generation provider failure.
	genErr error
}

// ExecuteTurn runs the pipeline for one turn, emitting events on the
// returned channel until the terminal complete or error event. Cancel
// ctx to stop generation; text streamed before the cancel is persisted.
func (o *Orchestrator) ExecuteTurn(ctx context.Context, req TurnRequest) <-chan Event {
	events := make(chan Event, 8)
	go func() {
		defer close(events)
		o.run(ctx, req, events)
	}()
	return events
}

func (o *Orchestrator) run(ctx context.Context, req TurnRequest, events chan<- Event) {
	st := &turnState{req: req}

	for s := stageValidate; s <= stagePersist; s++ {
		var err error
		switch s {
		case stageValidate:
			err = o.validate(ctx, st)
		case stageLoadHistory:
			o.loadHistory(ctx, st)
		case stageRetrieveContext:
			o.retrieveContext(ctx, st)
		case stageComposePrompt:
			o.composePrompt(st)
		case stageGenerate:
			err = o.generate(ctx, st, events)
		case stagePersist:
			err = o.persist(ctx, st)
		}
		if err != nil {
			log.Warn().Err(err).Str("stage", s.String()).Str("request", req.RequestID).Msg("turn failed")
			events <- Event{Type: EventError, Message: err.Error()}
			return
		}
	}

	if st.genErr != nil {
		// Partial text was streamed and persisted; the terminal event is
		// still an error so the caller knows the answer is incomplete.
		events <- Event{Type: EventError, Message: st.genErr.Error()}
		return
	}
	events <- Event{
		Type:           EventComplete,
		Citations:      st.assembly.Citations,
		ContextSummary: st.assembly.Summary,
	}
}

func (o *Orchestrator) validate(ctx context.Context, st *turnState) error {
	maxLen := o.MaxInputLen
	if maxLen <= 0 {
		maxLen = DefaultMaxInputLen
	}
	if strings.TrimSpace(st.req.UserText) == "" {
		return &InputError{Reason: "question is empty"}
	}
	if len(st.req.UserText) > maxLen {
		return &InputError{Reason: fmt.Sprintf("question exceeds %d characters", maxLen)}
	}

	_, found, err := o.Threads.GetThread(ctx, st.req.ThreadID, st.req.OwnerID)
	if err != nil {
		// Read fails open; persist will surface a real storage outage.
		log.Warn().Err(err).Str("thread", st.req.ThreadID).Msg("thread lookup failed")
		return nil
	}
	if !found {
		return &InputError{Reason: "thread not found"}
	}
	return nil
}

func (o *Orchestrator) loadHistory(ctx context.Context, st *turnState) {
	limit := o.HistoryLimit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	history, err := o.Threads.RecentMessages(ctx, st.req.ThreadID, limit)
	if err != nil {
		log.Warn().Err(err).Str("thread", st.req.ThreadID).Msg("history load failed, continuing without")
		return
	}
	st.history = history
}

func (o *Orchestrator) retrieveContext(ctx context.Context, st *turnState) {
	passages, err := o.Retriever.Retrieve(ctx, st.req.OwnerID, st.req.UserText)
	if err != nil {
		log.Warn().Err(err).Msg("retrieval failed, answering without context")
		st.assembly = assembler.Assembly{Summary: "Found 0 passages from 0 documents"}
		return
	}
	a, err := o.Assembler.Assemble(ctx, passages)
	if err != nil {
		log.Warn().Err(err).Msg("context assembly failed, answering without context")
		st.assembly = assembler.Assembly{Summary: "Found 0 passages from 0 documents"}
		return
	}
	st.assembly = a
}

func (o *Orchestrator) composePrompt(st *turnState) {
	var b strings.Builder
	b.WriteString("You are an assistant answering questions about the user's personal notes.\n")
	b.WriteString("Answer using only the context passages below. ")
	b.WriteString("Cite sources by their bracketed number, for example [2]. ")
	b.WriteString("If the context does not contain enough information to answer, say so explicitly.\n\n")
	if len(st.assembly.Passages) == 0 {
		b.WriteString("No context passages were found for this question.\n")
	} else {
		b.WriteString("Context passages:\n")
		for i, p := range st.assembly.Passages {
			fmt.Fprintf(&b, "[%d] %s\n%s\n\n", i+1, p.Title, p.Content)
		}
	}

	msgs := make([]ai.ChatMessage, 0, len(st.history)+2)
	msgs = append(msgs, ai.ChatMessage{Role: "system", Content: b.String()})
	for _, m := range st.history {
		switch m.Role {
		case models.RoleUser, models.RoleAssistant:
			msgs = append(msgs, ai.ChatMessage{Role: string(m.Role), Content: m.Content})
		}
	}
	msgs = append(msgs, ai.ChatMessage{Role: "user", Content: st.req.UserText})
	st.prompt = msgs
}

// generate streams the completion, forwarding each increment to the
// caller while accumulating the full text for persistence. A provider
// failure before any text is fatal; after text has streamed, the partial
// answer survives and the terminal event reports the error. Context
// cancellation stops the upstream stream and marks the turn truncated.
func (o *Orchestrator) generate(ctx context.Context, st *turnState, events chan<- Event) error {
	deltas, err := o.Client.StreamComplete(ctx, st.prompt)
	if err != nil {
		if uerr := o.persistUserOnly(ctx, st); uerr != nil {
			log.Error().Err(uerr).Msg("failed to persist user message after generation error")
		}
		return &ProviderError{Err: err}
	}

	for d := range deltas {
		if d.Err != nil {
			st.genErr = &ProviderError{Err: d.Err}
			break
		}
		st.answer.WriteString(d.Text)
		select {
		case events <- Event{Type: EventToken, Text: d.Text}:
		case <-ctx.Done():
			// Caller is gone; keep accumulating so the partial persists.
		}
	}

	if ctx.Err() != nil && st.answer.Len() > 0 {
		st.truncated = true
	}
	if st.genErr != nil && st.answer.Len() == 0 {
		genErr := st.genErr
		st.genErr = nil
		if uerr := o.persistUserOnly(ctx, st); uerr != nil {
			log.Error().Err(uerr).Msg("failed to persist user message after generation error")
		}
		return genErr
	}
	return nil
}

// persist writes the user and assistant messages and touches the
// thread's activity marker. It runs on a cancel-immune context so a
// mid-stream stop still records the partial exchange.
func (o *Orchestrator) persist(ctx context.Context, st *turnState) error {
	pctx := context.WithoutCancel(ctx)

	if err := o.Threads.AppendMessage(pctx, models.Message{
		ID:       uuid.NewString(),
		ThreadID: st.req.ThreadID,
		Role:     models.RoleUser,
		Content:  st.req.UserText,
	}); err != nil {
		return &StorageError{Op: "append user message", Err: err}
	}

	if st.answer.Len() > 0 {
		metadata := map[string]any{
			"context_summary": st.assembly.Summary,
			"request_id":      st.req.RequestID,
		}
		if st.truncated {
			metadata["truncated"] = true
		}
		if st.genErr != nil {
			metadata["generation_error"] = st.genErr.Error()
		}
		if err := o.Threads.AppendMessage(pctx, models.Message{
			ID:        uuid.NewString(),
			ThreadID:  st.req.ThreadID,
			Role:      models.RoleAssistant,
			Content:   st.answer.String(),
			Citations: st.assembly.Citations,
			Metadata:  metadata,
		}); err != nil {
			return &StorageError{Op: "append assistant message", Err: err}
		}
	}

	if err := o.Threads.TouchThread(pctx, st.req.ThreadID); err != nil {
		log.Warn().Err(err).Str("thread", st.req.ThreadID).Msg("touch thread failed")
	}
	return nil
}

// persistUserOnly records the question when generation failed outright,
// so the thread still shows what was asked.
func (o *Orchestrator) persistUserOnly(ctx context.Context, st *turnState) error {
	pctx := context.WithoutCancel(ctx)
	if err := o.Threads.AppendMessage(pctx, models.Message{
		ID:       uuid.NewString(),
		ThreadID: st.req.ThreadID,
		Role:     models.RoleUser,
		Content:  st.req.UserText,
	}); err != nil {
		return err
	}
	return o.Threads.TouchThread(pctx, st.req.ThreadID)
}
