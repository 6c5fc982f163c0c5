package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyframePath(t *testing.T) {
	assert.Equal(t, "video_42/keyframe_01_time_0ms.jpg", KeyframePath("42", 0, 0))
	assert.Equal(t, "video_42/keyframe_12_time_13500ms.jpg", KeyframePath("42", 11, 13500))
}

func TestFileStore_WriteAndDelete(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s := NewFileStore(root)

	ref, err := s.Write(ctx, KeyframePath("demo", 0, 0), []byte("jpeg"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "video_demo", "keyframe_01_time_0ms.jpg"), ref)

	data, err := os.ReadFile(ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg"), data)

	_, err = s.Write(ctx, KeyframePath("demo", 1, 2500), []byte("jpeg"))
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, VideoDir("demo")))
	_, err = os.Stat(filepath.Join(root, "video_demo"))
	assert.True(t, os.IsNotExist(err))

	// Deleting something that is already gone is not an error.
	assert.NoError(t, s.Delete(ctx, VideoDir("demo")))
}

func TestFileStore_RejectsEscapingPaths(t *testing.T) {
	s := NewFileStore(t.TempDir())
	for _, p := range []string{"../outside.jpg", "/etc/passwd", "", ".", "video_1/../../x"} {
		_, err := s.Write(context.Background(), p, []byte("x"))
		assert.Error(t, err, p)
		assert.Error(t, s.Delete(context.Background(), p), p)
	}
}

func TestFileStore_WriteFailure(t *testing.T) {
	root := t.TempDir()
	// A regular file where the video directory should go.
	require.NoError(t, os.WriteFile(filepath.Join(root, "video_x"), []byte("x"), 0o644))

	_, err := NewFileStore(root).Write(context.Background(), KeyframePath("x", 0, 0), []byte("jpeg"))
	assert.Error(t, err)
}
