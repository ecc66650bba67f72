package service

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/and161185/capvault/internal/blobstore"
	pkgcrypto "github.com/and161185/capvault/internal/crypto"
	"github.com/and161185/capvault/internal/errs"
	"github.com/and161185/capvault/internal/keylock"
	"github.com/and161185/capvault/internal/model"
	"github.com/and161185/capvault/internal/repository"
)

// Materializer places uploaded bodies in the store under their content key.
//
// Incoming bytes are spooled to a scratch file and hashed in the same pass.
// Only verified content reaches the store, and only while holding the
// identity's key lock, so concurrent first uploads of the same body produce a
// single write.
type Materializer struct {
	files    repository.FileRepository
	store    blobstore.Store
	scratch  afero.Fs
	scratchD string
	locks    *keylock.Locker
	log      *zap.Logger
}

// NewMaterializer builds a Materializer that spools uploads into dir on scratch.
// An empty dir means the OS temp dir.
func NewMaterializer(
	files repository.FileRepository, store blobstore.Store, scratch afero.Fs, dir string, log *zap.Logger,
) *Materializer {
	return &Materializer{
		files:    files,
		store:    store,
		scratch:  scratch,
		scratchD: dir,
		locks:    keylock.New(),
		log:      log.Named("materializer"),
	}
}

// Write stores body for identity f. wrote is false when another writer got
// there first and this body was discarded. Bytes that do not hash to f yield
// ErrContentMismatch and nothing is committed.
func (m *Materializer) Write(ctx context.Context, f model.FileIdentity, body io.Reader) (wrote bool, err error) {
	tmp, err := afero.TempFile(m.scratch, m.scratchD, "capvault-upload-*")
	if err != nil {
		return false, fmt.Errorf("%w: create scratch file: %v", errs.ErrIO, err)
	}
	defer func() {
		_ = tmp.Close()
		_ = m.scratch.Remove(tmp.Name())
	}()

	h := pkgcrypto.NewContentHasher()
	if _, err := io.Copy(io.MultiWriter(tmp, h), body); err != nil {
		return false, fmt.Errorf("%w: spool upload: %w", errs.ErrIO, err)
	}
	sum := h.Sum()
	if !sum.Matches(f.HashMD5, f.HashSHA256) {
		return false, fmt.Errorf("%w: got md5=%s sha256=%s", errs.ErrContentMismatch, sum.MD5, sum.SHA256)
	}

	unlock := m.locks.Lock(f.ID.String())
	defer unlock()

	cur, err := m.files.Get(ctx, f.ID)
	if err != nil {
		return false, fmt.Errorf("load identity: %w", err)
	}
	if cur.Materialized {
		m.log.Debug("body already materialized, discarding upload", zap.String("file_id", f.ID.String()))
		return false, nil
	}

	key := blobstore.Key(cur)
	has, err := m.store.Has(ctx, key)
	if err != nil {
		return false, fmt.Errorf("%w: stat %s: %v", errs.ErrIO, key, err)
	}
	if !has {
		if _, err := tmp.Seek(0, io.SeekStart); err != nil {
			return false, fmt.Errorf("%w: rewind scratch file: %v", errs.ErrIO, err)
		}
		if err := m.store.Put(ctx, key, tmp); err != nil {
			return false, fmt.Errorf("%w: put %s: %v", errs.ErrIO, key, err)
		}
		wrote = true
	}
	if err := m.files.MarkMaterialized(ctx, f.ID, sum.Size); err != nil {
		return wrote, fmt.Errorf("mark materialized: %w", err)
	}

	m.log.Info("body materialized",
		zap.String("file_id", f.ID.String()),
		zap.Int64("size", sum.Size),
		zap.Bool("wrote", wrote),
		zap.Stringer("store", m.store))
	return wrote, nil
}

// Read opens the body of a materialized identity.
func (m *Materializer) Read(ctx context.Context, f model.FileIdentity) (io.ReadCloser, error) {
	if !f.Materialized {
		return nil, errs.ErrNotFound
	}
	rc, err := m.store.Get(ctx, blobstore.Key(f))
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, fmt.Errorf("%w: body missing for materialized identity %s", errs.ErrIO, f.ID)
		}
		return nil, fmt.Errorf("%w: %v", errs.ErrIO, err)
	}
	return rc, nil
}
