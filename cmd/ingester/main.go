package main

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/karrick/godirwalk"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/notewise/notewise/internal/ai"
	"github.com/notewise/notewise/internal/config"
	"github.com/notewise/notewise/internal/ingest"
	"github.com/notewise/notewise/internal/store"
	"github.com/notewise/notewise/pkg/models"
)

func main() {
	_ = godotenv.Load()

	fs := pflag.NewFlagSet("notewise-ingester", pflag.ExitOnError)
	fs.String("owner", "local", "Owner ID the imported notes belong to")

	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	fs.Usage = cfg.Usage
	owner, _ := fs.GetString("owner")

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level '%s': %v", cfg.LogLevel, err)
	}
	zlog.Logger = zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	if cfg.NotesDir == "" {
		log.Fatal("notes directory is required (--notes-dir or NOTEWISE_NOTES_DIR)")
	}

	provider := strings.ToLower(cfg.Provider)
	log.Printf("using provider: %s", provider)
	var clientConfig *ai.ClientConfig
	switch provider {
	case "openai":
		clientConfig = &ai.ClientConfig{
			APIKey:     cfg.APIKey,
			EmbedModel: cfg.EmbedModel,
			ChatModel:  cfg.ChatModel,
			Dim:        cfg.Dim,
			ProjectID:  cfg.ProjectID,
			Provider:   ai.ProviderOpenAI,
		}
	case "vertexai":
		clientConfig = &ai.ClientConfig{
			APIKey:     cfg.APIKey,
			EmbedModel: cfg.EmbedModel,
			ChatModel:  cfg.ChatModel,
			Dim:        cfg.Dim,
			ProjectID:  cfg.ProjectID,
			Location:   cfg.Location,
			Provider:   ai.ProviderVertexAI,
		}
	case "mock":
		clientConfig = &ai.ClientConfig{
			Dim:      cfg.Dim,
			Provider: ai.ProviderMock,
		}
	default:
		log.Fatalf("unsupported provider: %s", provider)
	}

	ctx := context.Background()

	st, err := store.New(ctx, cfg.Database)
	if err != nil {
		log.Fatal(err)
	}
	defer st.Close()

	c, err := ai.NewClient(ctx, clientConfig)
	if err != nil {
		log.Fatal(err)
	}
	if c.Dim() == 0 {
		log.Fatal("embedding dimension must be set")
	}

	if err := st.Migrate(ctx, c.Dim()); err != nil {
		log.Fatal(err)
	}

	ids, err := importNotes(ctx, st, cfg.NotesDir, owner)
	if err != nil {
		log.Fatal(err)
	}
	zlog.Info().Int("documents", len(ids)).Str("owner", owner).Msg("notes imported, indexing")

	ix := ingest.New(st, st, c)
	ix.Workers = cfg.Ingest.Workers
	ix.Pacing = time.Duration(cfg.Ingest.PacingMillis) * time.Millisecond
	ix.Chunker.MaxTokens = cfg.Ingest.MaxTokens
	ix.Chunker.OverlapTokens = cfg.Ingest.OverlapTokens

	if err := ix.Run(ctx, ids); err != nil {
		log.Fatal(err)
	}
	zlog.Info().Int("documents", len(ids)).Msg("indexing complete")
}

// importNotes walks the notes directory, upserts each note file as a
// document keyed by its relative path, and returns the document IDs.
func importNotes(ctx context.Context, docs store.DocumentStore, root, owner string) ([]string, error) {
	var ids []string
	err := godirwalk.Walk(root, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				if strings.HasPrefix(de.Name(), ".") && path != root {
					return filepath.SkipDir
				}
				return nil
			}
			if !isNoteFile(path) {
				return nil
			}

			b, err := os.ReadFile(path)
			if err != nil {
				zlog.Warn().Err(err).Str("path", path).Msg("failed to read note")
				return nil
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				rel = path
			}

			content := string(b)
			if err := docs.UpsertDocument(ctx, models.Document{
				ID:      rel,
				OwnerID: owner,
				Title:   noteTitle(rel, content),
				Content: content,
			}); err != nil {
				return err
			}
			ids = append(ids, rel)
			return nil
		},
	})
	return ids, err
}

func isNoteFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown", ".txt":
		return true
	}
	return false
}

// noteTitle uses the first markdown heading, falling back to the file
// name without its extension.
func noteTitle(rel, content string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") {
			return strings.TrimSpace(strings.TrimLeft(line, "# "))
		}
		if line != "" {
			break
		}
	}
	base := filepath.Base(rel)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
