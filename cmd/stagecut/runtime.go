package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/bdougie/stagecut/internal/analyzer"
	"github.com/bdougie/stagecut/internal/artifacts"
	"github.com/bdougie/stagecut/internal/config"
	"github.com/bdougie/stagecut/internal/embeddings"
	"github.com/bdougie/stagecut/internal/extractor"
	"github.com/bdougie/stagecut/internal/storage"
)

// runtime builds the collaborators a command needs on first use. Tests
// preset the fields they want to replace.
type runtime struct {
	cfg    *config.Config
	logger *slog.Logger

	store     storage.Store
	artifacts artifacts.Store
	embedder  *embeddings.Service
	labeler   analyzer.Labeler
	reporter  analyzer.Reporter
	opener    analyzer.Opener

	dirFPS float64 // frame rate assumed for image directories
}

func (rt *runtime) Store(ctx context.Context) (storage.Store, error) {
	if rt.store != nil {
		return rt.store, nil
	}
	s, err := storage.Open(ctx, storage.Config{
		Driver:      rt.cfg.StoreDriver,
		DatabaseURL: rt.cfg.DatabaseURL,
		SQLitePath:  rt.cfg.SQLitePath,
	})
	if err != nil {
		return nil, err
	}
	rt.store = s
	return s, nil
}

func (rt *runtime) Artifacts(ctx context.Context) (artifacts.Store, error) {
	if rt.artifacts != nil {
		return rt.artifacts, nil
	}
	switch rt.cfg.ArtifactDriver {
	case "minio":
		m, err := artifacts.NewMinioStore(artifacts.MinioConfig{
			Endpoint:  rt.cfg.MinIOEndpoint,
			AccessKey: rt.cfg.MinIOAccessKey,
			SecretKey: rt.cfg.MinIOSecretKey,
			UseSSL:    rt.cfg.MinIOUseSSL,
			Bucket:    rt.cfg.MinIOBucket,
		})
		if err != nil {
			return nil, err
		}
		if err := m.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		rt.artifacts = m
	default:
		rt.artifacts = artifacts.NewFileStore(filepath.Join(rt.cfg.OutputDir, "keyframes"))
	}
	return rt.artifacts, nil
}

func (rt *runtime) Embedder() (*embeddings.Service, error) {
	if rt.embedder != nil {
		return rt.embedder, nil
	}
	var e embeddings.Embedder
	switch rt.cfg.EmbedDriver {
	case "ollama":
		oe, err := embeddings.NewOllamaEmbedder(rt.cfg.OllamaURL(), rt.cfg.EmbedModel)
		if err != nil {
			return nil, err
		}
		e = oe
	default:
		e = embeddings.NewHashEmbedder(embeddings.DefaultHashDimensions)
	}
	rt.embedder = embeddings.NewService(e, rt.cfg.WorkerCount)
	return rt.embedder, nil
}

func (rt *runtime) Labeler(ctx context.Context) (analyzer.Labeler, error) {
	if rt.labeler != nil {
		return rt.labeler, nil
	}
	l, err := analyzer.NewAgentLabeler(ctx, analyzer.AgentConfig{
		BaseURL: rt.cfg.OllamaHost,
		Port:    rt.cfg.OllamaPort,
		Model:   rt.cfg.VisionModel,
		Logger:  rt.logger,
	})
	if err != nil {
		return nil, err
	}
	rt.labeler = l
	return l, nil
}

func (rt *runtime) Reporter() (analyzer.Reporter, error) {
	if rt.reporter != nil {
		return rt.reporter, nil
	}
	r, err := analyzer.NewOllamaReporter(rt.cfg.OllamaURL(), rt.cfg.ReportModel)
	if err != nil {
		return nil, err
	}
	rt.reporter = r
	return r, nil
}

// Processor wires a run processor. needLabeler is false for commands that
// only read or delete.
func (rt *runtime) Processor(ctx context.Context, opts analyzer.Options, needLabeler bool) (*analyzer.Processor, error) {
	store, err := rt.Store(ctx)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	arts, err := rt.Artifacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("open artifact store: %w", err)
	}
	emb, err := rt.Embedder()
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}

	var labeler analyzer.Labeler
	if needLabeler {
		if labeler, err = rt.Labeler(ctx); err != nil {
			return nil, fmt.Errorf("create labeler: %w", err)
		}
	}

	opener := rt.opener
	if opener == nil {
		fps := rt.dirFPS
		if fps <= 0 {
			fps = 1
		}
		opener = analyzer.DefaultOpener(extractor.Options{
			FFmpegPath:  rt.cfg.FFmpegPath,
			FFprobePath: rt.cfg.FFprobePath,
			Logger:      rt.logger,
		}, fps)
	}

	return analyzer.NewProcessor(analyzer.Config{
		Opener:    opener,
		Labeler:   labeler,
		Store:     store,
		Artifacts: arts,
		Embedder:  emb,
		Options:   opts,
		Logger:    rt.logger,
	}), nil
}

func (rt *runtime) Close() {
	if rt.embedder != nil {
		rt.embedder.Close()
	}
	if rt.store != nil {
		rt.store.Close()
	}
}
