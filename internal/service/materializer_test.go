package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/and161185/capvault/internal/blobstore"
	"github.com/and161185/capvault/internal/errs"
	"github.com/and161185/capvault/internal/model"
)

func register(t *testing.T, h *harness, body []byte) model.FileIdentity {
	t.Helper()
	c := candidate(t, body, "x.txt")
	f, err := h.files.LookupOrRegister(context.Background(), c.MD5, c.SHA256, c.Size)
	require.NoError(t, err)
	return f
}

func TestMaterializer_RoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	body := []byte("the quick brown fox")
	f := register(t, h, body)

	wrote, err := h.mat.Write(ctx, f, bytes.NewReader(body))
	require.NoError(t, err)
	require.True(t, wrote)

	f, err = h.files.Get(ctx, f.ID)
	require.NoError(t, err)
	require.True(t, f.Materialized)

	rc, err := h.mat.Read(ctx, f)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, body, got)

	has, err := h.store.Has(ctx, blobstore.Key(f))
	require.NoError(t, err)
	require.True(t, has)
}

func TestMaterializer_RejectsForeignContent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f := register(t, h, []byte("announced"))

	wrote, err := h.mat.Write(ctx, f, bytes.NewReader([]byte("something else")))
	require.ErrorIs(t, err, errs.ErrContentMismatch)
	require.False(t, wrote)
	require.Zero(t, h.store.puts.Load())

	f, err = h.files.Get(ctx, f.ID)
	require.NoError(t, err)
	require.False(t, f.Materialized)
}

func TestMaterializer_ConcurrentFirstUploadsWriteOnce(t *testing.T) {
	h := newHarness(t)
	body := bytes.Repeat([]byte("dedup"), 4096)
	f := register(t, h, body)

	const writers = 8
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		wrote int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w, err := h.mat.Write(context.Background(), f, bytes.NewReader(body))
			if err != nil {
				t.Errorf("write: %v", err)
				return
			}
			if w {
				mu.Lock()
				wrote++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, wrote)
	require.Equal(t, int32(1), h.store.puts.Load())
	require.Equal(t, 1, h.files.marks)
}

func TestMaterializer_ReadUnmaterialized(t *testing.T) {
	h := newHarness(t)
	f := register(t, h, []byte("pending"))

	_, err := h.mat.Read(context.Background(), f)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestMaterializer_MissingBodyIsIOError(t *testing.T) {
	h := newHarness(t)
	f := register(t, h, []byte("lost"))
	f.Materialized = true

	_, err := h.mat.Read(context.Background(), f)
	require.ErrorIs(t, err, errs.ErrIO)
	require.NotErrorIs(t, err, errs.ErrNotFound)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("client went away") }

func TestMaterializer_BrokenStreamIsIOError(t *testing.T) {
	h := newHarness(t)
	f := register(t, h, []byte("whatever"))

	_, err := h.mat.Write(context.Background(), f, failingReader{})
	require.ErrorIs(t, err, errs.ErrIO)
}
