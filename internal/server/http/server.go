// Package httpserver exposes the capvault file flows over HTTP.
package httpserver

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/capvault/internal/errs"
	"github.com/and161185/capvault/internal/model"
	"github.com/and161185/capvault/internal/service"
)

// Upload tokens travel in this header, or in the cookie set by the check endpoint.
const (
	UploadTokenHeader = "X-Upload-Token"
	UploadTokenCookie = "TOKEN"
)

// Server wires services into gin handlers.
type Server struct {
	files      service.FileService
	challenges service.ChallengeService
	auth       service.Authenticator
	maxUpload  int64
	proxies    []string
	log        *zap.Logger
}

// New constructs the HTTP server. maxUpload bounds a request body in bytes; 0 means unbounded.
func New(
	files service.FileService, challenges service.ChallengeService, auth service.Authenticator, maxUpload int64, log *zap.Logger,
) *Server {
	return &Server{files: files, challenges: challenges, auth: auth, maxUpload: maxUpload, log: log.Named("http")}
}

// TrustProxies lists the proxies whose X-Forwarded-For header names the
// client. Without it the peer address is used as is.
func (s *Server) TrustProxies(cidrs []string) *Server {
	s.proxies = cidrs
	return s
}

// Handler builds the gin engine with middleware and routes.
func (s *Server) Handler() *gin.Engine {
	r := gin.New()
	if err := r.SetTrustedProxies(s.proxies); err != nil {
		s.log.Warn("bad trusted proxy list, trusting none", zap.Error(err))
		_ = r.SetTrustedProxies(nil)
	}
	r.Use(Recovery(s.log), RequestLogger(s.log))
	s.RegisterRoutes(r)
	return r
}

// RegisterRoutes attaches the API to r.
func (s *Server) RegisterRoutes(r *gin.Engine) {
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	authed := r.Group("/", Authenticate(s.auth))
	authed.POST("/files/upload/check", s.checkUpload)
	authed.POST("/files/:id/grants", s.grantDownload)
	authed.POST("/challenges", s.issueChallenge)

	r.POST("/files/upload", s.commitUpload)
	r.GET("/files/download/:token", s.redeemDownload)
	r.POST("/challenges/:token/verify", s.verifyChallenge)
}

func requestContext(c *gin.Context) model.RequestContext {
	return model.RequestContext{RemoteAddr: c.ClientIP(), UserAgent: c.Request.UserAgent()}
}

type ownershipDTO struct {
	ID          string    `json:"id"`
	FileID      string    `json:"file_id"`
	DisplayName string    `json:"display_name"`
	MediaType   string    `json:"media_type"`
	CreatedAt   time.Time `json:"created_at"`
}

func toOwnershipDTO(o model.Ownership) ownershipDTO {
	return ownershipDTO{
		ID:          o.ID.String(),
		FileID:      o.FileID.String(),
		DisplayName: o.DisplayName,
		MediaType:   o.MediaType,
		CreatedAt:   o.CreatedAt,
	}
}

type checkUploadRequest struct {
	MD5         string `json:"md5" binding:"required"`
	SHA256      string `json:"sha256" binding:"required"`
	Size        int64  `json:"size"`
	DisplayName string `json:"display_name"`
	MediaType   string `json:"media_type"`
}

func (s *Server) checkUpload(c *gin.Context) {
	subject, _ := SubjectFromCtx(c.Request.Context())

	var req checkUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid request"})
		return
	}
	res, err := s.files.CheckUpload(c.Request.Context(), subject, service.UploadCandidate{
		MD5:         req.MD5,
		SHA256:      req.SHA256,
		Size:        req.Size,
		DisplayName: req.DisplayName,
		MediaType:   req.MediaType,
	}, requestContext(c))
	if err != nil {
		s.writeError(c, err)
		return
	}

	if res.Existing != nil {
		c.JSON(http.StatusOK, gin.H{"existing": toOwnershipDTO(*res.Existing)})
		return
	}
	t := res.Token
	maxAge := int(time.Until(t.ExpiresAt).Seconds())
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(UploadTokenCookie, t.Value, maxAge, "/files/upload", "", c.Request.TLS != nil, true)
	c.JSON(http.StatusOK, gin.H{"token": t.Value, "expires_at": t.ExpiresAt})
}

func (s *Server) commitUpload(c *gin.Context) {
	token := c.GetHeader(UploadTokenHeader)
	if token == "" {
		token, _ = c.Cookie(UploadTokenCookie)
	}
	if token == "" {
		c.JSON(http.StatusGone, gin.H{"message": msgDeadLink})
		return
	}

	if s.maxUpload > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxUpload)
	}
	mr, err := c.Request.MultipartReader()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "multipart body required"})
		return
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"message": "no file provided"})
			return
		}
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": "malformed multipart body"})
			return
		}
		if part.FormName() != "file" {
			_ = part.Close()
			continue
		}

		meta := service.UploadMeta{DisplayName: part.FileName(), MediaType: part.Header.Get("Content-Type")}
		if meta.MediaType == "" {
			meta.MediaType = "application/octet-stream"
		}
		o, err := s.files.CommitUpload(c.Request.Context(), token, meta, part, requestContext(c))
		_ = part.Close()
		if err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"message": "file too large"})
				return
			}
			s.writeBearerError(c, err)
			return
		}
		c.JSON(http.StatusCreated, toOwnershipDTO(o))
		return
	}
}

type grantRequest struct {
	UseLimit   int   `json:"use_limit"`
	TTLSeconds int64 `json:"ttl_seconds"`
}

func (s *Server) grantDownload(c *gin.Context) {
	subject, _ := SubjectFromCtx(c.Request.Context())
	id, err := uuid.FromString(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "bad id"})
		return
	}

	req := grantRequest{UseLimit: 1}
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid request"})
		return
	}
	if req.TTLSeconds < 0 {
		s.writeError(c, errs.ErrInvalidArgument)
		return
	}

	g, err := s.files.GrantDownload(c.Request.Context(), subject, id, req.UseLimit,
		time.Duration(req.TTLSeconds)*time.Second, requestContext(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"token":      g.Token.Value,
		"url":        g.URL,
		"use_limit":  g.Token.UseLimit,
		"expires_at": g.Token.ExpiresAt,
	})
}

func (s *Server) redeemDownload(c *gin.Context) {
	d, err := s.files.RedeemDownload(c.Request.Context(), c.Param("token"), requestContext(c))
	if err != nil {
		s.writeBearerError(c, err)
		return
	}
	defer d.Body.Close()

	name := d.DisplayName
	if name == "" {
		name = "file"
	}
	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": name})
	if disposition == "" {
		disposition = "attachment"
	}
	ctype := d.MediaType
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	c.DataFromReader(http.StatusOK, d.Size, ctype, d.Body, map[string]string{
		"Content-Disposition": disposition,
		"Cache-Control":       "no-store",
	})
}

func (s *Server) issueChallenge(c *gin.Context) {
	subject, _ := SubjectFromCtx(c.Request.Context())
	ch, err := s.challenges.Issue(c.Request.Context(), subject, requestContext(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"token": ch.Token.Value, "expires_at": ch.Token.ExpiresAt})
}

type verifyRequest struct {
	Code string `json:"code" binding:"required"`
}

func (s *Server) verifyChallenge(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid request"})
		return
	}
	subject, err := s.challenges.Verify(c.Request.Context(), c.Param("token"), req.Code, requestContext(c))
	if err != nil {
		if errors.Is(err, errs.ErrUnauthorized) {
			c.JSON(http.StatusUnauthorized, gin.H{"message": "invalid code"})
			return
		}
		s.writeBearerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subject_id": subject.String(), "verified": true})
}
