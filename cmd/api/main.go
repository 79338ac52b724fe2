package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/spf13/pflag"

	"github.com/notewise/notewise/internal/ai"
	"github.com/notewise/notewise/internal/assembler"
	"github.com/notewise/notewise/internal/chat"
	"github.com/notewise/notewise/internal/config"
	"github.com/notewise/notewise/internal/ingest"
	"github.com/notewise/notewise/internal/retriever"
	"github.com/notewise/notewise/internal/store"
	"github.com/notewise/notewise/pkg/models"
)

type noteRequest struct {
	ID      string `json:"id"`
	OwnerID string `json:"ownerId" validate:"required"`
	Title   string `json:"title"`
	Content string `json:"content" validate:"required"`
}

type ingestRequest struct {
	DocumentID string `json:"documentId"`
	OwnerID    string `json:"ownerId"`
}

type threadRequest struct {
	OwnerID string `json:"ownerId" validate:"required"`
	Title   string `json:"title"`
}

type chatRequest struct {
	OwnerID   string `json:"ownerId" validate:"required"`
	ThreadID  string `json:"threadId" validate:"required"`
	UserText  string `json:"userText" validate:"required"`
	RequestID string `json:"requestId"`
}

func main() {
	_ = godotenv.Load()

	fs := pflag.NewFlagSet("notewise-api", pflag.ExitOnError)

	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	fs.Usage = cfg.Usage

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level '%s': %v", cfg.LogLevel, err)
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	logger.Info().Str("provider", cfg.Provider).Str("log_level", cfg.LogLevel).Msg("starting notewise api")

	clientConfig, err := clientConfigFor(cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}

	ctx := context.Background()
	st, err := store.New(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer st.Close()

	c, err := ai.NewClient(ctx, clientConfig)
	if err != nil {
		log.Fatalf("Failed to create AI client: %v", err)
	}

	dim := c.Dim()
	logger.Info().Int("embedding_dim", dim).Str("embed_model", c.ModelID()).Msg("AI client initialized")

	if err := st.Migrate(ctx, dim); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	ix := ingest.New(st, st, c)
	ix.Workers = cfg.Ingest.Workers
	ix.Pacing = time.Duration(cfg.Ingest.PacingMillis) * time.Millisecond
	ix.Chunker.MaxTokens = cfg.Ingest.MaxTokens
	ix.Chunker.OverlapTokens = cfg.Ingest.OverlapTokens

	rt := retriever.New(c, st)
	rt.Limit = cfg.Retrieval.Limit
	rt.SimilarityThreshold = cfg.Retrieval.SimilarityThreshold

	as := assembler.New(st)
	as.MinScore = cfg.Retrieval.MinScore
	as.DiversityThreshold = cfg.Retrieval.DiversityThreshold
	as.TokenBudget = cfg.Retrieval.TokenBudget
	as.CitationLimit = cfg.Retrieval.CitationLimit

	orch := chat.NewOrchestrator(st, rt, as, c)
	orch.HistoryLimit = cfg.Chat.HistoryLimit
	orch.MaxInputLen = cfg.Chat.MaxInputLen

	registry := chat.NewCancelRegistry()
	validate := validator.New()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := st.Ping(ctx); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("POST /documents", func(w http.ResponseWriter, r *http.Request) {
		var req noteRequest
		if !decodeAndValidate(w, r, validate, &req) {
			return
		}
		if req.ID == "" {
			req.ID = uuid.NewString()
		}

		ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
		defer cancel()
		if err := st.UpsertDocument(ctx, models.Document{
			ID:      req.ID,
			OwnerID: req.OwnerID,
			Title:   req.Title,
			Content: req.Content,
		}); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if err := ix.IngestDocument(ctx, req.ID); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"documentId": req.ID, "status": "indexed"})
	})

	// Re-index one document, or every document an owner has.
	mux.HandleFunc("POST /documents/ingest", func(w http.ResponseWriter, r *http.Request) {
		var req ingestRequest
		if !decodeAndValidate(w, r, validate, &req) {
			return
		}

		switch {
		case req.DocumentID != "":
			ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
			defer cancel()
			if err := ix.IngestDocument(ctx, req.DocumentID); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, map[string]string{"documentId": req.DocumentID, "status": "indexed"})
		case req.OwnerID != "":
			ctx, cancel := context.WithTimeout(r.Context(), 10*time.Minute)
			defer cancel()
			ids, err := st.ListDocumentIDs(ctx, req.OwnerID)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if err := ix.Run(ctx, ids); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, map[string]any{"documents": len(ids), "status": "indexed"})
		default:
			http.Error(w, "documentId or ownerId is required", http.StatusBadRequest)
		}
	})

	mux.HandleFunc("POST /threads", func(w http.ResponseWriter, r *http.Request) {
		var req threadRequest
		if !decodeAndValidate(w, r, validate, &req) {
			return
		}
		t := models.Thread{ID: uuid.NewString(), OwnerID: req.OwnerID, Title: req.Title}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := st.CreateThread(ctx, t); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, t)
	})

	mux.HandleFunc("GET /threads", func(w http.ResponseWriter, r *http.Request) {
		owner := r.URL.Query().Get("owner")
		if owner == "" {
			http.Error(w, "missing query parameter owner", http.StatusBadRequest)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		threads, err := st.ListThreads(ctx, owner)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if threads == nil {
			threads = []models.Thread{}
		}
		writeJSON(w, threads)
	})

	mux.HandleFunc("GET /threads/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		owner := r.URL.Query().Get("owner")
		if owner == "" {
			http.Error(w, "missing query parameter owner", http.StatusBadRequest)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		id := r.PathValue("id")
		_, found, err := st.GetThread(ctx, id, owner)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !found {
			http.NotFound(w, r)
			return
		}
		msgs, err := st.ListMessages(ctx, id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if msgs == nil {
			msgs = []models.Message{}
		}
		writeJSON(w, msgs)
	})

	mux.HandleFunc("POST /chat", func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		var req chatRequest
		if !decodeAndValidate(w, r, validate, &req) {
			return
		}
		if req.RequestID == "" {
			req.RequestID = uuid.NewString()
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		registry.Register(req.RequestID, cancel)
		defer registry.Release(req.RequestID)

		events := orch.ExecuteTurn(ctx, chat.TurnRequest{
			OwnerID:   req.OwnerID,
			ThreadID:  req.ThreadID,
			UserText:  req.UserText,
			RequestID: req.RequestID,
		})
		for e := range events {
			b, err := json.Marshal(e)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", b)
			flusher.Flush()
		}

		hlog.FromRequest(r).Info().
			Str("path", "/chat").
			Str("thread", req.ThreadID).
			Str("request", req.RequestID).
			Dur("dur", time.Since(start)).
			Msg("served")
	})

	mux.HandleFunc("POST /chat/{requestId}/cancel", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("requestId")
		if !registry.Cancel(id) {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, map[string]string{"requestId": id, "status": "cancelled"})
	})

	handler := hlog.NewHandler(logger)(
		hlog.AccessHandler(func(r *http.Request, status, size int, dur time.Duration) {
			logger.Info().Str("method", r.Method).Str("path", r.URL.Path).Int("status", status).Int("size", size).Dur("dur", dur).Msg("http")
		})(mux),
	)

	address := fmt.Sprintf(":%d", cfg.Port)
	s := &http.Server{Addr: address, Handler: handler}
	logger.Info().Str("addr", s.Addr).Msg("api server listening")
	log.Fatal(s.ListenAndServe())
}

func clientConfigFor(cfg config.Specification) (*ai.ClientConfig, error) {
	switch strings.ToLower(cfg.Provider) {
	case "openai":
		return &ai.ClientConfig{
			APIKey:     cfg.APIKey,
			EmbedModel: cfg.EmbedModel,
			ChatModel:  cfg.ChatModel,
			Dim:        cfg.Dim,
			ProjectID:  cfg.ProjectID,
			Provider:   ai.ProviderOpenAI,
		}, nil
	case "vertexai", "google":
		return &ai.ClientConfig{
			APIKey:     cfg.APIKey,
			EmbedModel: cfg.EmbedModel,
			ChatModel:  cfg.ChatModel,
			Dim:        cfg.Dim,
			ProjectID:  cfg.ProjectID,
			Location:   cfg.Location,
			Provider:   ai.ProviderVertexAI,
		}, nil
	case "mock":
		return &ai.ClientConfig{
			Dim:      cfg.Dim,
			Provider: ai.ProviderMock,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
}

func decodeAndValidate(w http.ResponseWriter, r *http.Request, validate *validator.Validate, into any) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return false
	}
	if err := validate.Struct(into); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}
