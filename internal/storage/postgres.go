package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	stageerrors "github.com/bdougie/stagecut/internal/errors"
	"github.com/bdougie/stagecut/internal/models"
)

// PostgresStore keeps analyses in PostgreSQL with stage description
// embeddings in a pgvector column.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database at connString.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) ReplaceAnalysis(ctx context.Context, video models.Video, keyframes []models.Keyframe, stages []models.Stage, embeddings [][]float32) error {
	if err := validateReplace(video.ID, stages, embeddings); err != nil {
		return stageerrors.NewInvalidRequest(err.Error())
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now()
	_, err = tx.Exec(ctx,
		`INSERT INTO videos (id, path, product_name, fps, frame_count, duration, width, height, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (id) DO UPDATE SET
			path = EXCLUDED.path,
			product_name = EXCLUDED.product_name,
			fps = EXCLUDED.fps,
			frame_count = EXCLUDED.frame_count,
			duration = EXCLUDED.duration,
			width = EXCLUDED.width,
			height = EXCLUDED.height,
			updated_at = EXCLUDED.updated_at`,
		video.ID, video.Path, video.ProductName, video.Meta.FPS, video.Meta.FrameCount,
		video.Meta.Duration, video.Meta.Width, video.Meta.Height, now)
	if err != nil {
		return fmt.Errorf("failed to upsert video: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM keyframes WHERE video_id = $1`, video.ID); err != nil {
		return fmt.Errorf("failed to delete keyframes: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM stages WHERE video_id = $1`, video.ID); err != nil {
		return fmt.Errorf("failed to delete stages: %w", err)
	}

	batch := &pgx.Batch{}
	for _, k := range keyframes {
		batch.Queue(
			`INSERT INTO keyframes
			(video_id, ordinal, frame_index, timestamp_seconds, similarity, image_ref, width, height, synthetic, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			video.ID, k.Ordinal, k.Index, k.Timestamp, k.Similarity, k.ImageRef, k.Width, k.Height, k.Synthetic, now)
	}
	for i, st := range stages {
		var vec *pgvector.Vector
		if emb := embeddingAt(embeddings, i); len(emb) > 0 {
			v := pgvector.NewVector(emb)
			vec = &v
		}
		batch.Queue(
			`INSERT INTO stages
			(video_id, ordinal, name, start_time, end_time, duration, description, quality, embedding, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			video.ID, st.Ordinal, st.Name, st.Start, st.End, st.Duration, st.Description, st.Quality.String(), vec, now)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert analysis rows: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit analysis: %w", err)
	}
	return nil
}

func (s *PostgresStore) Video(ctx context.Context, id string) (models.Video, error) {
	v := models.Video{ID: id}
	err := s.pool.QueryRow(ctx,
		`SELECT path, product_name, fps, frame_count, duration, width, height FROM videos WHERE id = $1`,
		id).Scan(&v.Path, &v.ProductName, &v.Meta.FPS, &v.Meta.FrameCount, &v.Meta.Duration, &v.Meta.Width, &v.Meta.Height)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Video{}, stageerrors.NewNotFound(id)
	}
	if err != nil {
		return models.Video{}, fmt.Errorf("failed to load video: %w", err)
	}
	return v, nil
}

func (s *PostgresStore) Videos(ctx context.Context) ([]models.Video, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, path, product_name, fps, frame_count, duration, width, height FROM videos ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list videos: %w", err)
	}
	defer rows.Close()

	var out []models.Video
	for rows.Next() {
		var v models.Video
		if err := rows.Scan(&v.ID, &v.Path, &v.ProductName, &v.Meta.FPS, &v.Meta.FrameCount,
			&v.Meta.Duration, &v.Meta.Width, &v.Meta.Height); err != nil {
			return nil, fmt.Errorf("failed to scan video: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Keyframes(ctx context.Context, videoID string) ([]models.Keyframe, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT ordinal, frame_index, timestamp_seconds, similarity, image_ref, width, height, synthetic
		FROM keyframes WHERE video_id = $1 ORDER BY ordinal`, videoID)
	if err != nil {
		return nil, fmt.Errorf("failed to load keyframes: %w", err)
	}
	defer rows.Close()

	var out []models.Keyframe
	for rows.Next() {
		k := models.Keyframe{VideoID: videoID}
		if err := rows.Scan(&k.Ordinal, &k.Index, &k.Timestamp, &k.Similarity, &k.ImageRef,
			&k.Width, &k.Height, &k.Synthetic); err != nil {
			return nil, fmt.Errorf("failed to scan keyframe: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Stages(ctx context.Context, videoID string) ([]models.Stage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT ordinal, name, start_time, end_time, duration, description, quality
		FROM stages WHERE video_id = $1 ORDER BY ordinal`, videoID)
	if err != nil {
		return nil, fmt.Errorf("failed to load stages: %w", err)
	}
	defer rows.Close()

	var out []models.Stage
	for rows.Next() {
		st := models.Stage{VideoID: videoID}
		var quality string
		if err := rows.Scan(&st.Ordinal, &st.Name, &st.Start, &st.End, &st.Duration, &st.Description, &quality); err != nil {
			return nil, fmt.Errorf("failed to scan stage: %w", err)
		}
		st.Quality = models.ParseQuality(quality)
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteAll(ctx context.Context, videoID string) error {
	// keyframes and stages cascade
	tag, err := s.pool.Exec(ctx, `DELETE FROM videos WHERE id = $1`, videoID)
	if err != nil {
		return fmt.Errorf("failed to delete video: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return stageerrors.NewNotFound(videoID)
	}
	return nil
}

// searchStagesQuery scores only embeddings with the query's dimension, so
// rows left by a different embedding model are skipped instead of failing
// the <=> operator.
const searchStagesQuery = `WITH scored AS (
	SELECT s.video_id, s.ordinal, s.name, s.start_time, s.end_time, s.duration, s.description, s.quality,
		v.product_name, v.path,
		CASE WHEN vector_dims(s.embedding) = vector_dims($1::vector)
			THEN 1 - (s.embedding <=> $1::vector) END AS similarity
	FROM stages s
	JOIN videos v ON v.id = s.video_id
	WHERE s.embedding IS NOT NULL
		AND ($2 = '' OR v.product_name = $2)
)
SELECT video_id, ordinal, name, start_time, end_time, duration, description, quality,
	product_name, path, similarity
FROM scored
WHERE similarity IS NOT NULL AND similarity >= $3
ORDER BY similarity DESC
LIMIT $4`

// SearchStages ranks stored stages by cosine similarity, 1 - (a <=> b).
func (s *PostgresStore) SearchStages(ctx context.Context, q SearchQuery) ([]models.StageMatch, error) {
	if len(q.Embedding) == 0 {
		return nil, stageerrors.NewInvalidRequest("search embedding is empty")
	}
	if q.Limit <= 0 {
		q.Limit = defaultSearchLimit
	}

	rows, err := s.pool.Query(ctx, searchStagesQuery,
		pgvector.NewVector(q.Embedding), q.ProductName, q.MinSimilarity, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search stages: %w", err)
	}
	defer rows.Close()

	var out []models.StageMatch
	for rows.Next() {
		var m models.StageMatch
		var quality string
		st := &m.Stage
		if err := rows.Scan(&st.VideoID, &st.Ordinal, &st.Name, &st.Start, &st.End, &st.Duration,
			&st.Description, &quality, &m.ProductName, &m.VideoPath, &m.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan search results: %w", err)
		}
		st.Quality = models.ParseQuality(quality)
		out = append(out, m)
	}
	return out, rows.Err()
}

// InitSchema creates the vector extension and tables if they don't exist
func InitSchema(ctx context.Context, connString string) error {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer conn.Close(ctx)

	var exists bool
	err = conn.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'vector')").Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check for vector extension: %w", err)
	}
	if !exists {
		if _, err := conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
			return fmt.Errorf("failed to create vector extension: %w", err)
		}
	}

	// embedding has no fixed dimension; it follows EMBED_MODEL.
	_, err = conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS videos (
			id VARCHAR(255) PRIMARY KEY,
			path TEXT NOT NULL,
			product_name VARCHAR(255) NOT NULL DEFAULT '',
			fps DOUBLE PRECISION NOT NULL,
			frame_count INTEGER NOT NULL,
			duration DOUBLE PRECISION NOT NULL,
			width INTEGER NOT NULL,
			height INTEGER NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS keyframes (
			video_id VARCHAR(255) REFERENCES videos(id) ON DELETE CASCADE,
			ordinal INTEGER NOT NULL,
			frame_index INTEGER NOT NULL,
			timestamp_seconds DOUBLE PRECISION NOT NULL,
			similarity DOUBLE PRECISION NOT NULL,
			image_ref TEXT NOT NULL DEFAULT '',
			width INTEGER NOT NULL,
			height INTEGER NOT NULL,
			synthetic BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (video_id, ordinal)
		);

		CREATE TABLE IF NOT EXISTS stages (
			video_id VARCHAR(255) REFERENCES videos(id) ON DELETE CASCADE,
			ordinal INTEGER NOT NULL,
			name TEXT NOT NULL,
			start_time DOUBLE PRECISION NOT NULL,
			end_time DOUBLE PRECISION NOT NULL,
			duration DOUBLE PRECISION NOT NULL,
			description TEXT NOT NULL,
			quality VARCHAR(64) NOT NULL DEFAULT 'normal',
			embedding vector,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (video_id, ordinal)
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create database schema: %w", err)
	}

	_, err = conn.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_videos_product_name ON videos(product_name);
	`)
	if err != nil {
		return fmt.Errorf("failed to create database indexes: %w", err)
	}

	return nil
}
