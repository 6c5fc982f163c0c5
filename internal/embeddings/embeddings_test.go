package embeddings

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingEmbedder struct {
	calls atomic.Int64
	fail  string
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls.Add(1)
	if text == c.fail {
		return nil, errors.New("model unavailable")
	}
	return []float32{float32(len(text)), 1}, nil
}

func TestService_EmbedAllKeepsOrder(t *testing.T) {
	svc := NewService(&countingEmbedder{}, 3)
	defer svc.Close()

	got, err := svc.EmbedAll(context.Background(), []string{"a", "bbb", "cc", "dddd"})
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, float32(1), got[0][0])
	assert.Equal(t, float32(3), got[1][0])
	assert.Equal(t, float32(2), got[2][0])
	assert.Equal(t, float32(4), got[3][0])
}

func TestService_Caches(t *testing.T) {
	emb := &countingEmbedder{}
	svc := NewService(emb, 1)
	defer svc.Close()

	for i := 0; i < 3; i++ {
		r := <-svc.GetEmbedding(context.Background(), "login screen")
		require.NoError(t, r.Error)
		assert.Equal(t, "login screen", r.Content)
	}
	assert.Equal(t, int64(1), emb.calls.Load())
}

func TestService_PropagatesErrors(t *testing.T) {
	emb := &countingEmbedder{fail: "bad"}
	svc := NewService(emb, 2)
	defer svc.Close()

	_, err := svc.EmbedAll(context.Background(), []string{"ok", "bad"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "embed item 1")

	// Failures are not cached.
	<-svc.GetEmbedding(context.Background(), "bad")
	assert.Equal(t, int64(3), emb.calls.Load())
}

func TestService_CancelledContext(t *testing.T) {
	svc := NewService(&countingEmbedder{}, 1)
	defer svc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.EmbedAll(ctx, []string{"x"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestService_ConcurrentCallers(t *testing.T) {
	svc := NewService(NewHashEmbedder(32), 4)
	defer svc.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := svc.EmbedAll(context.Background(), []string{"open app", "sign in", "open chat"})
			assert.NoError(t, err)
			assert.Len(t, got, 3)
		}()
	}
	wg.Wait()
}

func TestService_CloseIsIdempotent(t *testing.T) {
	svc := NewService(&countingEmbedder{}, 2)
	svc.Close()
	svc.Close()
}

func norm(v []float32) float64 {
	var n float64
	for _, x := range v {
		n += float64(x) * float64(x)
	}
	return math.Sqrt(n)
}

func dot(a, b []float32) float64 {
	var d float64
	for i := range a {
		d += float64(a[i]) * float64(b[i])
	}
	return d
}

func TestHashEmbedder(t *testing.T) {
	e := NewHashEmbedder(0)
	ctx := context.Background()

	a, err := e.Embed(ctx, "User opens the login page")
	require.NoError(t, err)
	assert.Len(t, a, DefaultHashDimensions)
	assert.InDelta(t, 1.0, norm(a), 1e-5)

	again, err := e.Embed(ctx, "user OPENS the login page!")
	require.NoError(t, err)
	assert.Equal(t, a, again)

	related, _ := e.Embed(ctx, "login page loads")
	unrelated, _ := e.Embed(ctx, "video playback buffering spinner")
	assert.Greater(t, dot(a, related), dot(a, unrelated))

	empty, err := e.Embed(ctx, "  ...  ")
	require.NoError(t, err)
	assert.Equal(t, 0.0, norm(empty))
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"app", "启", "动", "v2"}, tokenize("App启动, v2"))
	assert.Empty(t, tokenize(" - "))
}
