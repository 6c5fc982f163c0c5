// Package artifacts stores keyframe images outside the database.
package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store writes and removes keyframe images by relative path.
type Store interface {
	// Write stores data at path and returns a reference to it.
	Write(ctx context.Context, path string, data []byte) (string, error)
	// Delete removes path and, if it names a directory, everything under it.
	Delete(ctx context.Context, path string) error
}

// VideoDir is the directory holding every artifact of one video.
func VideoDir(videoID string) string {
	return "video_" + videoID
}

// KeyframePath names the image of the ordinal-th keyframe (zero based).
func KeyframePath(videoID string, ordinal int, timestampMS int64) string {
	return fmt.Sprintf("%s/keyframe_%02d_time_%dms.jpg", VideoDir(videoID), ordinal+1, timestampMS)
}

// FileStore writes artifacts under a root directory.
type FileStore struct {
	root string
}

func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

func (s *FileStore) resolve(path string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(path))
	if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact path %q escapes the output directory", path)
	}
	return filepath.Join(s.root, clean), nil
}

func (s *FileStore) Write(ctx context.Context, path string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	full, err := s.resolve(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("failed to create artifact directory: %w", err)
	}

	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to move artifact into place: %w", err)
	}
	return full, nil
}

func (s *FileStore) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	return os.RemoveAll(full)
}
