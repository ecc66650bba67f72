package blobstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gofrs/uuid/v5"
	"github.com/spf13/afero"

	"github.com/and161185/capvault/internal/errs"
)

// stageDir holds partially written bodies inside the same filesystem so the
// final Rename is atomic.
const stageDir = ".put-stage"

// AferoStore keeps bodies on an afero filesystem (OS directory in production,
// memory in tests).
type AferoStore struct {
	fs afero.Fs
}

// NewAfero prepares the staging area and returns the store.
func NewAfero(fs afero.Fs) (*AferoStore, error) {
	if err := fs.MkdirAll(stageDir, 0o700); err != nil {
		return nil, fmt.Errorf("ensuring put staging directory: %w", err)
	}
	return &AferoStore{fs: fs}, nil
}

// NewLocal returns a store rooted at dir on the OS filesystem.
func NewLocal(dir string) (*AferoStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return NewAfero(afero.NewBasePathFs(afero.NewOsFs(), dir))
}

func (s *AferoStore) String() string {
	if bp, ok := s.fs.(*afero.BasePathFs); ok {
		if p, err := bp.RealPath(""); err == nil {
			return "localfs@" + p
		}
	}
	return "localfs"
}

// Has stats the key.
func (s *AferoStore) Has(_ context.Context, key string) (bool, error) {
	fi, err := s.fs.Stat(key)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return !fi.IsDir(), nil
}

// Put stages the body then renames it into place. An existing body is kept.
func (s *AferoStore) Put(ctx context.Context, key string, body io.ReadSeeker) error {
	stage := filepath.Join(stageDir, uuid.Must(uuid.NewV4()).String())
	f, err := s.fs.OpenFile(stage, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create stage for %q: %w", key, err)
	}
	if _, err := io.Copy(f, body); err != nil {
		_ = f.Close()
		_ = s.fs.Remove(stage)
		return fmt.Errorf("write stage for %q: %w", key, err)
	}
	if err := f.Close(); err != nil {
		_ = s.fs.Remove(stage)
		return err
	}

	if ok, _ := s.Has(ctx, key); ok {
		return s.fs.Remove(stage)
	}
	if err := s.fs.MkdirAll(filepath.Dir(key), 0o700); err != nil {
		_ = s.fs.Remove(stage)
		return fmt.Errorf("ensuring directories for %q: %w", key, err)
	}
	if err := s.fs.Rename(stage, key); err != nil {
		_ = s.fs.Remove(stage)
		return err
	}
	return nil
}

// Get opens the body for reading.
func (s *AferoStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := s.fs.Open(key)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return f, nil
}
