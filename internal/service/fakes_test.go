package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofrs/uuid/v5"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/capvault/internal/audit"
	"github.com/and161185/capvault/internal/blobstore"
	"github.com/and161185/capvault/internal/cache"
	pkgcrypto "github.com/and161185/capvault/internal/crypto"
	"github.com/and161185/capvault/internal/errs"
	"github.com/and161185/capvault/internal/limiter"
	"github.com/and161185/capvault/internal/model"
	"github.com/and161185/capvault/internal/repository"
)

/************ clock ************/

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

/************ token repo ************/

type fakeTokenRepo struct {
	mu        sync.Mutex
	byDigest  map[string]model.Token
	createErr error
	getErr    error
}

var _ repository.TokenRepository = (*fakeTokenRepo)(nil)

func newFakeTokenRepo() *fakeTokenRepo {
	return &fakeTokenRepo{byDigest: map[string]model.Token{}}
}

func (f *fakeTokenRepo) Create(_ context.Context, digest []byte, t model.Token) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	t.Value = "" // durable rows never hold the bearer value
	t.UseCount = 0
	t.Dead = false
	f.byDigest[string(digest)] = t
	return nil
}

func (f *fakeTokenRepo) Get(_ context.Context, digest []byte) (model.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return model.Token{}, f.getErr
	}
	t, ok := f.byDigest[string(digest)]
	if !ok {
		return model.Token{}, errs.ErrNotFound
	}
	return t, nil
}

func (f *fakeTokenRepo) ConsumeIfLive(_ context.Context, digest []byte, purpose model.Purpose, now time.Time) (model.Token, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.byDigest[string(digest)]
	if !ok || t.Purpose != purpose || !t.LiveAt(now) {
		return model.Token{}, false, nil
	}
	t.UseCount++
	t.Dead = t.UseCount >= t.UseLimit
	f.byDigest[string(digest)] = t
	return t, true, nil
}

func (f *fakeTokenRepo) MarkDead(_ context.Context, digest []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.byDigest[string(digest)]; ok {
		t.Dead = true
		f.byDigest[string(digest)] = t
	}
	return nil
}

func (f *fakeTokenRepo) DeleteDeadBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for k, t := range f.byDigest {
		if t.Dead || t.ExpiresAt.Before(cutoff) {
			delete(f.byDigest, k)
			n++
		}
	}
	return n, nil
}

func (f *fakeTokenRepo) record(value string) (model.Token, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.byDigest[string(pkgcrypto.TokenDigest(value))]
	return t, ok
}

/************ file identity repo ************/

type fakeFileRepo struct {
	mu     sync.Mutex
	byID   map[uuid.UUID]model.FileIdentity
	byHash map[string]uuid.UUID
	marks  int
}

var _ repository.FileRepository = (*fakeFileRepo)(nil)

func newFakeFileRepo() *fakeFileRepo {
	return &fakeFileRepo{byID: map[uuid.UUID]model.FileIdentity{}, byHash: map[string]uuid.UUID{}}
}

func (f *fakeFileRepo) LookupOrRegister(_ context.Context, hashMD5, hashSHA256 string, size int64) (model.FileIdentity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.byHash[hashMD5+"/"+hashSHA256]; ok {
		return f.byID[id], nil
	}
	fi := model.FileIdentity{
		ID:         uuid.Must(uuid.NewV4()),
		HashMD5:    hashMD5,
		HashSHA256: hashSHA256,
		Size:       size,
		CreatedAt:  time.Now(),
	}
	f.byID[fi.ID] = fi
	f.byHash[hashMD5+"/"+hashSHA256] = fi.ID
	return fi, nil
}

func (f *fakeFileRepo) Get(_ context.Context, id uuid.UUID) (model.FileIdentity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fi, ok := f.byID[id]
	if !ok {
		return model.FileIdentity{}, errs.ErrNotFound
	}
	return fi, nil
}

func (f *fakeFileRepo) MarkMaterialized(_ context.Context, id uuid.UUID, size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	fi, ok := f.byID[id]
	if !ok {
		return errs.ErrNotFound
	}
	f.marks++
	if fi.Materialized {
		return nil
	}
	fi.Materialized = true
	fi.Size = size
	f.byID[id] = fi
	return nil
}

func (f *fakeFileRepo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byID)
}

/************ ownership repo ************/

type fakeOwnerRepo struct {
	mu   sync.Mutex
	rows []model.Ownership
}

var _ repository.OwnershipRepository = (*fakeOwnerRepo)(nil)

func (f *fakeOwnerRepo) Create(_ context.Context, o model.Ownership) (model.Ownership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o.ID == uuid.Nil {
		o.ID = uuid.Must(uuid.NewV4())
	}
	o.CreatedAt = time.Now()
	f.rows = append(f.rows, o)
	return o, nil
}

func (f *fakeOwnerRepo) Resolve(_ context.Context, id uuid.UUID) (model.Ownership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.rows {
		if o.ID == id {
			return o, nil
		}
	}
	return model.Ownership{}, errs.ErrNotFound
}

func (f *fakeOwnerRepo) FindByOwnerAndFile(_ context.Context, ownerID, fileID uuid.UUID) (model.Ownership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.rows {
		if o.OwnerID == ownerID && o.FileID == fileID {
			return o, nil
		}
	}
	return model.Ownership{}, errs.ErrNotFound
}

func (f *fakeOwnerRepo) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

/************ body store ************/

// countingStore counts bodies that actually reached the backend.
type countingStore struct {
	blobstore.Store
	puts atomic.Int32
}

func (s *countingStore) Put(ctx context.Context, key string, body io.ReadSeeker) error {
	s.puts.Add(1)
	return s.Store.Put(ctx, key, body)
}

/************ audit + limiter ************/

type recordingSink struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (s *recordingSink) Record(_ context.Context, e audit.Entry) {
	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.mu.Unlock()
}

func (s *recordingSink) descriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Description)
	}
	return out
}

type fakeLimiter struct {
	mu        sync.Mutex
	blocked   bool
	failures  map[string]int
	successes int
}

var _ limiter.Limiter = (*fakeLimiter)(nil)

func (l *fakeLimiter) Allow(context.Context, string, []byte) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.blocked {
		return false, time.Minute, nil
	}
	return true, 0, nil
}

func (l *fakeLimiter) Success(context.Context, string, []byte) error {
	l.mu.Lock()
	l.successes++
	l.mu.Unlock()
	return nil
}

func (l *fakeLimiter) Failure(_ context.Context, scope string, _ []byte) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failures == nil {
		l.failures = map[string]int{}
	}
	l.failures[scope]++
	return false, 0, nil
}

func (l *fakeLimiter) failed(scope string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failures[scope]
}

type recordingNotifier struct {
	mu    sync.Mutex
	codes map[uuid.UUID]string
	err   error
}

func (n *recordingNotifier) Deliver(_ context.Context, subject uuid.UUID, code string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	if n.codes == nil {
		n.codes = map[uuid.UUID]string{}
	}
	n.codes[subject] = code
	return nil
}

type brokenCache struct{}

func (brokenCache) Get(context.Context, string) (model.Token, bool, error) {
	return model.Token{}, false, errors.New("cache down")
}
func (brokenCache) Set(context.Context, model.Token, time.Duration) error {
	return errors.New("cache down")
}
func (brokenCache) Delete(context.Context, string) error { return errors.New("cache down") }

// stuckDeleteCache is a working mirror whose evictions always fail.
type stuckDeleteCache struct {
	*cache.RedisTokenCache
}

func (stuckDeleteCache) Delete(context.Context, string) error { return errors.New("del timed out") }

/************ harness ************/

type harness struct {
	clock      *testClock
	mr         *miniredis.Miniredis
	cache      *cache.RedisTokenCache
	tokenRepo  *fakeTokenRepo
	tokens     *TokenServiceImpl
	files      *fakeFileRepo
	owners     *fakeOwnerRepo
	store      *countingStore
	mat        *Materializer
	sink       *recordingSink
	lim        *fakeLimiter
	svc        *FileServiceImpl
	notifier   *recordingNotifier
	challenges *ChallengeServiceImpl
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := zaptest.NewLogger(t)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	h := &harness{
		clock:     newTestClock(),
		mr:        mr,
		cache:     cache.NewRedis(rdb),
		tokenRepo: newFakeTokenRepo(),
		files:     newFakeFileRepo(),
		owners:    &fakeOwnerRepo{},
		sink:      &recordingSink{},
		lim:       &fakeLimiter{},
		notifier:  &recordingNotifier{},
	}
	h.tokens = NewTokenService(h.tokenRepo, h.cache, log)
	h.tokens.now = h.clock.Now

	fs := afero.NewMemMapFs()
	bodies, err := blobstore.NewAfero(afero.NewBasePathFs(fs, "/bodies"))
	require.NoError(t, err)
	h.store = &countingStore{Store: bodies}
	h.mat = NewMaterializer(h.files, h.store, fs, "/scratch", log)

	h.svc = NewFileService(h.tokens, h.files, h.owners, h.mat, h.sink, h.lim, FileConfig{
		IntentTTL:     6 * time.Hour,
		GrantTTL:      6 * time.Hour,
		MaxGrantTTL:   7 * 24 * time.Hour,
		PublicBaseURL: "https://files.example.test/",
	}, log)
	h.challenges = NewChallengeService(h.tokens, h.notifier, h.sink, h.lim, 5*time.Minute, log)
	return h
}

// candidate hashes body the way a client would before asking to upload it.
func candidate(t *testing.T, body []byte, name string) UploadCandidate {
	t.Helper()
	sum, err := pkgcrypto.HashReader(bytes.NewReader(body))
	require.NoError(t, err)
	return UploadCandidate{MD5: sum.MD5, SHA256: sum.SHA256, Size: sum.Size, DisplayName: name, MediaType: "text/plain"}
}

var reqCtx = model.RequestContext{RemoteAddr: "192.0.2.10:5123", UserAgent: "test-agent"}
