package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	pkgcrypto "github.com/and161185/capvault/internal/crypto"
)

func withTmpConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	return filepath.Join(dir, "capvault")
}

func Test_cfgDir_And_Paths(t *testing.T) {
	base := withTmpConfig(t)
	if got := cfgDir(); got != base {
		t.Fatalf("cfgDir=%q, want %q", got, base)
	}
	if !strings.HasPrefix(tokenPath(), base) || !strings.HasSuffix(tokenPath(), "token.json") {
		t.Fatalf("tokenPath unexpected: %s", tokenPath())
	}
}

func Test_token_SaveLoad(t *testing.T) {
	_ = withTmpConfig(t)

	if _, err := loadToken(); err == nil {
		t.Fatalf("expected error when token file missing")
	}
	if err := saveToken("tok", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("saveToken: %v", err)
	}
	tok, err := loadToken()
	if err != nil || tok != "tok" {
		t.Fatalf("loadToken: tok=%q err=%v", tok, err)
	}
	fi, err := os.Stat(tokenPath())
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), fi.Mode().Perm())

	if err := saveToken("tok2", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("saveToken expired: %v", err)
	}
	if _, err := loadToken(); err == nil {
		t.Fatalf("want error for expired token")
	}
}

func Test_bearerExpiry(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("any key"))
	require.NoError(t, err)

	got, err := bearerExpiry(tok)
	require.NoError(t, err)
	require.True(t, got.Equal(exp))

	_, err = bearerExpiry("not-a-jwt")
	require.Error(t, err)
}

func Test_suggestedName(t *testing.T) {
	tests := map[string]string{
		`attachment; filename=report.pdf`:         "report.pdf",
		`attachment; filename="../../etc/passwd"`: "passwd",
		`attachment; filename="a\\b.txt"`:         "b.txt",
		`attachment`:                              "",
		`;;;`:                                     "",
	}
	for in, want := range tests {
		require.Equal(t, want, suggestedName(in), in)
	}
}

func Test_printJSON_WritesPretty(t *testing.T) {
	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	defer func() { os.Stdout = old }()

	printJSON(map[string]any{"a": 1})
	_ = w.Close()
	out, _ := io.ReadAll(r)

	var m map[string]any
	if json.Unmarshal(out, &m) != nil || m["a"] != float64(1) {
		t.Fatalf("printJSON produced invalid json: %s", string(out))
	}
	if !bytes.Contains(out, []byte("\n")) {
		t.Fatalf("printJSON should indent")
	}
}

func Test_loadTLS_Variants(t *testing.T) {
	cfg, err := loadTLS("", true)
	require.NoError(t, err)
	require.True(t, cfg.InsecureSkipVerify)

	cfg, err = loadTLS("", false)
	require.NoError(t, err)
	require.Nil(t, cfg)

	tmp := filepath.Join(t.TempDir(), "bad.pem")
	_ = os.WriteFile(tmp, []byte("not pem"), 0o600)
	cfg, err = loadTLS(tmp, false)
	require.Error(t, err)
	require.Nil(t, cfg)
}

/************ API round trips against a stub server ************/

type stubAPI struct {
	known     atomic.Bool // server already has the content
	commits   atomic.Int32
	gotBody   []byte
	gotToken  string
	gotBearer string
	gotGrant  map[string]any
	srv       *httptest.Server
}

func newStubAPI(t *testing.T) *stubAPI {
	t.Helper()
	s := &stubAPI{}
	mux := http.NewServeMux()

	mux.HandleFunc("POST /files/upload/check", func(w http.ResponseWriter, r *http.Request) {
		s.gotBearer = r.Header.Get("Authorization")
		var in map[string]any
		_ = json.NewDecoder(r.Body).Decode(&in)
		if s.known.Load() {
			_ = json.NewEncoder(w).Encode(map[string]any{"existing": map[string]any{"id": "own-1", "display_name": in["display_name"]}})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"token": "up-1", "expires_at": time.Now().Add(time.Hour)})
	})
	mux.HandleFunc("POST /files/upload", func(w http.ResponseWriter, r *http.Request) {
		s.commits.Add(1)
		s.gotToken = r.Header.Get("X-Upload-Token")
		f, hdr, err := r.FormFile("file")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.gotBody, _ = io.ReadAll(f)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "own-2", "display_name": hdr.Filename})
	})
	mux.HandleFunc("POST /files/{id}/grants", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&s.gotGrant)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"token": "dl-1", "url": s.srv.URL + "/files/download/dl-1", "use_limit": 1})
	})
	mux.HandleFunc("GET /files/download/{token}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("token") != "dl-1" {
			w.WriteHeader(http.StatusGone)
			_, _ = io.WriteString(w, `{"message":"link no longer valid"}`)
			return
		}
		w.Header().Set("Content-Disposition", `attachment; filename=hello.txt`)
		_, _ = io.WriteString(w, "hello world")
	})
	mux.HandleFunc("POST /challenges/{token}/verify", func(w http.ResponseWriter, r *http.Request) {
		var in map[string]string
		_ = json.NewDecoder(r.Body).Decode(&in)
		if in["code"] != "ABC234" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"message":"invalid code"}`)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"subject_id": "sub-1", "verified": true})
	})

	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestClient_UploadSendsBytesOnce(t *testing.T) {
	api := newStubAPI(t)
	cli, err := newClient(api.srv.URL+"/", "", false, "jwt-1")
	require.NoError(t, err)
	path := writeFile(t, "some content")

	o, err := cli.upload(context.Background(), path, "", "text/plain")
	require.NoError(t, err)
	require.Equal(t, "own-2", o.ID)
	require.Equal(t, "notes.txt", o.DisplayName)
	require.Equal(t, "up-1", api.gotToken)
	require.Equal(t, "some content", string(api.gotBody))
	require.Equal(t, "Bearer jwt-1", api.gotBearer)

	api.known.Store(true)
	o, err = cli.upload(context.Background(), path, "renamed.txt", "")
	require.NoError(t, err)
	require.Equal(t, "own-1", o.ID)
	require.Equal(t, int32(1), api.commits.Load(), "known content is not re-sent")
}

func TestClient_UploadNeedsBearer(t *testing.T) {
	api := newStubAPI(t)
	cli, err := newClient(api.srv.URL, "", false, "")
	require.NoError(t, err)

	_, err = cli.upload(context.Background(), writeFile(t, "x"), "", "")
	require.ErrorContains(t, err, "login required")
}

func TestClient_GrantAndDownload(t *testing.T) {
	api := newStubAPI(t)
	cli, err := newClient(api.srv.URL, "", false, "jwt-1")
	require.NoError(t, err)
	ctx := context.Background()

	g, err := cli.grant(ctx, "own-2", 3, 2*time.Hour)
	require.NoError(t, err)
	require.Equal(t, float64(3), api.gotGrant["use_limit"])
	require.Equal(t, float64(7200), api.gotGrant["ttl_seconds"])

	var buf bytes.Buffer
	name, err := cli.download(ctx, g.URL, &buf)
	require.NoError(t, err)
	require.Equal(t, "hello.txt", name)
	require.Equal(t, "hello world", buf.String())

	// bare token resolves against the base URL
	buf.Reset()
	_, err = cli.download(ctx, "dl-1", &buf)
	require.NoError(t, err)

	_, err = cli.download(ctx, "gone", io.Discard)
	var ae *apiError
	require.True(t, errors.As(err, &ae))
	require.Equal(t, http.StatusGone, ae.Status)
	require.Equal(t, "link no longer valid", ae.Message)
}

func Test_runDownload_UsesSuggestedName(t *testing.T) {
	api := newStubAPI(t)
	cli, err := newClient(api.srv.URL, "", false, "")
	require.NoError(t, err)

	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, runDownload(context.Background(), cli, "dl-1", ""))
	b, err := os.ReadFile(filepath.Join(dir, "hello.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello world", string(b))

	out := filepath.Join(dir, "explicit.bin")
	require.NoError(t, runDownload(context.Background(), cli, "dl-1", out))
	_, err = os.Stat(out)
	require.NoError(t, err)

	require.Error(t, runDownload(context.Background(), cli, "gone", filepath.Join(dir, "never.bin")))
	_, err = os.Stat(filepath.Join(dir, "never.bin"))
	require.True(t, os.IsNotExist(err))
	leftovers, _ := filepath.Glob(filepath.Join(dir, ".capvault-download-*"))
	require.Empty(t, leftovers)
}

func TestClient_Verify(t *testing.T) {
	api := newStubAPI(t)
	cli, err := newClient(api.srv.URL, "", false, "")
	require.NoError(t, err)

	sub, err := cli.verify(context.Background(), "ch-1", "ABC234")
	require.NoError(t, err)
	require.Equal(t, "sub-1", sub)

	_, err = cli.verify(context.Background(), "ch-1", "nope")
	var ae *apiError
	require.True(t, errors.As(err, &ae))
	require.Equal(t, http.StatusUnauthorized, ae.Status)
}

func Test_hashFile_MatchesContentHasher(t *testing.T) {
	sum, err := hashFile(writeFile(t, "abc"))
	require.NoError(t, err)
	want, err := pkgcrypto.HashReader(strings.NewReader("abc"))
	require.NoError(t, err)
	require.Equal(t, want, sum)
	require.Equal(t, "900150983cd24fb0d6963f7d28e17f72", sum.MD5)
}
