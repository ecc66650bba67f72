package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	pkgcrypto "github.com/and161185/capvault/internal/crypto"
)

// apiError is a non-2xx answer from the server.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Message)
}

// client talks to the capvault HTTP API.
type client struct {
	base   string
	bearer string
	http   *http.Client
}

func loadTLS(caPath string, insecure bool) (*tls.Config, error) {
	if insecure {
		return &tls.Config{InsecureSkipVerify: true}, nil //nolint:gosec // dev only
	}
	if caPath == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return &tls.Config{RootCAs: pool}, nil
}

func newClient(base, caPath string, insecure bool, bearer string) (*client, error) {
	tlsCfg, err := loadTLS(caPath, insecure)
	if err != nil {
		return nil, err
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if tlsCfg != nil {
		tr.TLSClientConfig = tlsCfg
	}
	return &client{
		base:   strings.TrimRight(base, "/"),
		bearer: bearer,
		http:   &http.Client{Transport: tr},
	}, nil
}

func (c *client) do(req *http.Request, auth bool, out any) error {
	if auth {
		if c.bearer == "" {
			return errors.New("no bearer token (login required)")
		}
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	var body struct {
		Message string `json:"message"`
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(b, &body) != nil || body.Message == "" {
		body.Message = strings.TrimSpace(string(b))
	}
	return &apiError{Status: resp.StatusCode, Message: body.Message}
}

func (c *client) postJSON(ctx context.Context, path string, in, out any) error {
	var rd io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		rd = strings.NewReader(string(b))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, true, out)
}

type ownership struct {
	ID          string    `json:"id"`
	FileID      string    `json:"file_id"`
	DisplayName string    `json:"display_name"`
	MediaType   string    `json:"media_type"`
	CreatedAt   time.Time `json:"created_at"`
}

type checkResult struct {
	Existing  *ownership `json:"existing,omitempty"`
	Token     string     `json:"token,omitempty"`
	ExpiresAt time.Time  `json:"expires_at,omitempty"`
}

// hashFile computes the content identity of a local file.
func hashFile(path string) (pkgcrypto.ContentSum, error) {
	f, err := os.Open(path)
	if err != nil {
		return pkgcrypto.ContentSum{}, err
	}
	defer f.Close()
	return pkgcrypto.HashReader(f)
}

// upload announces the file and sends its bytes only when the server has not
// seen them before.
func (c *client) upload(ctx context.Context, path, name, mediaType string) (ownership, error) {
	sum, err := hashFile(path)
	if err != nil {
		return ownership{}, err
	}
	if name == "" {
		name = filepath.Base(path)
	}

	var chk checkResult
	err = c.postJSON(ctx, "/files/upload/check", map[string]any{
		"md5":          sum.MD5,
		"sha256":       sum.SHA256,
		"size":         sum.Size,
		"display_name": name,
		"media_type":   mediaType,
	}, &chk)
	if err != nil {
		return ownership{}, err
	}
	if chk.Existing != nil {
		return *chk.Existing, nil
	}
	return c.commit(ctx, chk.Token, path, name, mediaType)
}

// commit streams the file as multipart without buffering it in memory.
func (c *client) commit(ctx context.Context, token, path, name, mediaType string) (ownership, error) {
	f, err := os.Open(path)
	if err != nil {
		return ownership{}, err
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", multipart.FileContentDisposition("file", name))
		if mediaType == "" {
			mediaType = "application/octet-stream"
		}
		h.Set("Content-Type", mediaType)
		part, err := mw.CreatePart(h)
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/files/upload", pr)
	if err != nil {
		_ = pr.Close()
		return ownership{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Upload-Token", token)

	var o ownership
	err = c.do(req, false, &o)
	_ = pr.Close()
	return o, err
}

type grantResult struct {
	Token     string    `json:"token"`
	URL       string    `json:"url"`
	UseLimit  int       `json:"use_limit"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (c *client) grant(ctx context.Context, ownershipID string, uses int, ttl time.Duration) (grantResult, error) {
	var g grantResult
	err := c.postJSON(ctx, "/files/"+url.PathEscape(ownershipID)+"/grants", map[string]any{
		"use_limit":   uses,
		"ttl_seconds": int64(ttl / time.Second),
	}, &g)
	return g, err
}

// downloadURL accepts either a full link or a bare token.
func (c *client) downloadURL(link string) string {
	if strings.HasPrefix(link, "http://") || strings.HasPrefix(link, "https://") {
		return link
	}
	return c.base + "/files/download/" + url.PathEscape(link)
}

// download copies the body to w and returns the file name the server suggested.
func (c *client) download(ctx context.Context, link string, w io.Writer) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.downloadURL(link), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", decodeError(resp)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return "", err
	}
	return suggestedName(resp.Header.Get("Content-Disposition")), nil
}

type challengeResult struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (c *client) challenge(ctx context.Context) (challengeResult, error) {
	var ch challengeResult
	err := c.postJSON(ctx, "/challenges", nil, &ch)
	return ch, err
}

func (c *client) verify(ctx context.Context, token, code string) (string, error) {
	b, err := json.Marshal(map[string]string{"code": code})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base+"/challenges/"+url.PathEscape(token)+"/verify", strings.NewReader(string(b)))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	var out struct {
		SubjectID string `json:"subject_id"`
	}
	if err := c.do(req, false, &out); err != nil {
		return "", err
	}
	return out.SubjectID, nil
}
