package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	stageerrors "github.com/bdougie/stagecut/internal/errors"
	"github.com/bdougie/stagecut/internal/models"
)

// sqliteSchemaVersion is the latest schema version. Bump it when adding migrations.
const sqliteSchemaVersion = 1

// SQLiteStore keeps analyses in a local SQLite file. Similarity search is a
// brute-force cosine scan over the stored embeddings.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// migrate applies schema migrations based on user_version.
func migrate(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("failed to get user_version: %w", err)
	}

	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS videos (
		  id           TEXT PRIMARY KEY,
		  path         TEXT NOT NULL,
		  product_name TEXT NOT NULL DEFAULT '',
		  fps          REAL NOT NULL,
		  frame_count  INTEGER NOT NULL,
		  duration     REAL NOT NULL,
		  width        INTEGER NOT NULL,
		  height       INTEGER NOT NULL,
		  created_at   INTEGER NOT NULL,
		  updated_at   INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS keyframes (
		  video_id          TEXT NOT NULL REFERENCES videos(id) ON DELETE CASCADE,
		  ordinal           INTEGER NOT NULL,
		  frame_index       INTEGER NOT NULL,
		  timestamp_seconds REAL NOT NULL,
		  similarity        REAL NOT NULL,
		  image_ref         TEXT NOT NULL DEFAULT '',
		  width             INTEGER NOT NULL,
		  height            INTEGER NOT NULL,
		  synthetic         INTEGER NOT NULL DEFAULT 0,
		  PRIMARY KEY (video_id, ordinal)
		);

		CREATE TABLE IF NOT EXISTS stages (
		  video_id    TEXT NOT NULL REFERENCES videos(id) ON DELETE CASCADE,
		  ordinal     INTEGER NOT NULL,
		  name        TEXT NOT NULL,
		  start_time  REAL NOT NULL,
		  end_time    REAL NOT NULL,
		  duration    REAL NOT NULL,
		  description TEXT NOT NULL,
		  quality     TEXT NOT NULL DEFAULT 'normal',
		  embedding   BLOB,
		  PRIMARY KEY (video_id, ordinal)
		);

		CREATE INDEX IF NOT EXISTS idx_videos_product_name ON videos(product_name);
		`
		if _, err := db.ExecContext(ctx, schema); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version=%d", sqliteSchemaVersion)); err != nil {
			return fmt.Errorf("failed to set user_version: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) ReplaceAnalysis(ctx context.Context, video models.Video, keyframes []models.Keyframe, stages []models.Stage, embeddings [][]float32) error {
	if err := validateReplace(video.ID, stages, embeddings); err != nil {
		return stageerrors.NewInvalidRequest(err.Error())
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO videos (id, path, product_name, fps, frame_count, duration, width, height, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
		  path = excluded.path,
		  product_name = excluded.product_name,
		  fps = excluded.fps,
		  frame_count = excluded.frame_count,
		  duration = excluded.duration,
		  width = excluded.width,
		  height = excluded.height,
		  updated_at = excluded.updated_at`,
		video.ID, video.Path, video.ProductName, video.Meta.FPS, video.Meta.FrameCount,
		video.Meta.Duration, video.Meta.Width, video.Meta.Height, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert video: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM keyframes WHERE video_id = ?`, video.ID); err != nil {
		return fmt.Errorf("failed to delete keyframes: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM stages WHERE video_id = ?`, video.ID); err != nil {
		return fmt.Errorf("failed to delete stages: %w", err)
	}

	for _, k := range keyframes {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO keyframes
			(video_id, ordinal, frame_index, timestamp_seconds, similarity, image_ref, width, height, synthetic)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			video.ID, k.Ordinal, k.Index, k.Timestamp, k.Similarity, k.ImageRef, k.Width, k.Height, k.Synthetic)
		if err != nil {
			return fmt.Errorf("failed to insert keyframe %d: %w", k.Ordinal, err)
		}
	}
	for i, st := range stages {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO stages
			(video_id, ordinal, name, start_time, end_time, duration, description, quality, embedding)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			video.ID, st.Ordinal, st.Name, st.Start, st.End, st.Duration, st.Description,
			st.Quality.String(), encodeVector(embeddingAt(embeddings, i)))
		if err != nil {
			return fmt.Errorf("failed to insert stage %d: %w", st.Ordinal, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit analysis: %w", err)
	}
	return nil
}

const videoColumns = `id, path, product_name, fps, frame_count, duration, width, height`

type scanner interface {
	Scan(dest ...any) error
}

func scanVideo(row scanner) (models.Video, error) {
	var v models.Video
	err := row.Scan(&v.ID, &v.Path, &v.ProductName, &v.Meta.FPS, &v.Meta.FrameCount,
		&v.Meta.Duration, &v.Meta.Width, &v.Meta.Height)
	return v, err
}

func (s *SQLiteStore) Video(ctx context.Context, id string) (models.Video, error) {
	v, err := scanVideo(s.db.QueryRowContext(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Video{}, stageerrors.NewNotFound(id)
	}
	if err != nil {
		return models.Video{}, fmt.Errorf("failed to load video: %w", err)
	}
	return v, nil
}

func (s *SQLiteStore) Videos(ctx context.Context) ([]models.Video, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+videoColumns+` FROM videos ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list videos: %w", err)
	}
	defer rows.Close()

	var out []models.Video
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan video: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Keyframes(ctx context.Context, videoID string) ([]models.Keyframe, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ordinal, frame_index, timestamp_seconds, similarity, image_ref, width, height, synthetic
		FROM keyframes WHERE video_id = ? ORDER BY ordinal`, videoID)
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

func (s *SQLiteStore) Stages(ctx context.Context, videoID string) ([]models.Stage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ordinal, name, start_time, end_time, duration, description, quality
		FROM stages WHERE video_id = ? ORDER BY ordinal`, videoID)
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

func (s *SQLiteStore) DeleteAll(ctx context.Context, videoID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM videos WHERE id = ?`, videoID)
	if err != nil {
		return fmt.Errorf("failed to delete video: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return stageerrors.NewNotFound(videoID)
	}
	return nil
}

func (s *SQLiteStore) SearchStages(ctx context.Context, q SearchQuery) ([]models.StageMatch, error) {
	if len(q.Embedding) == 0 {
		return nil, stageerrors.NewInvalidRequest("search embedding is empty")
	}
	if q.Limit <= 0 {
		q.Limit = defaultSearchLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT s.video_id, s.ordinal, s.name, s.start_time, s.end_time, s.duration, s.description, s.quality,
		  v.product_name, v.path, s.embedding
		FROM stages s
		JOIN videos v ON v.id = s.video_id
		WHERE s.embedding IS NOT NULL AND (? = '' OR v.product_name = ?)`,
		q.ProductName, q.ProductName)
	if err != nil {
		return nil, fmt.Errorf("failed to search stages: %w", err)
	}
	defer rows.Close()

	var out []models.StageMatch
	for rows.Next() {
		var m models.StageMatch
		var quality string
		var blob []byte
		st := &m.Stage
		if err := rows.Scan(&st.VideoID, &st.Ordinal, &st.Name, &st.Start, &st.End, &st.Duration,
			&st.Description, &quality, &m.ProductName, &m.VideoPath, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan search results: %w", err)
		}
		st.Quality = models.ParseQuality(quality)
		vec := decodeVector(blob)
		if len(vec) != len(q.Embedding) {
			continue
		}
		m.Similarity = cosine(q.Embedding, vec)
		if m.Similarity >= q.MinSimilarity {
			out = append(out, m)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rankMatches(out, q.Limit), nil
}

// encodeVector packs v as little-endian float32s. An empty vector is NULL.
func encodeVector(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out
}
