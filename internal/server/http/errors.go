package httpserver

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/and161185/capvault/internal/errs"
)

// msgDeadLink is the only answer a bearer gets for a token it cannot use.
const msgDeadLink = "link no longer valid"

// statusFor maps service errors to HTTP status and a client-safe message.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errs.ErrRateLimited):
		return http.StatusTooManyRequests, "too many attempts, try later"
	case errors.Is(err, errs.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, errs.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid request"
	case errors.Is(err, errs.ErrContentMismatch):
		return http.StatusUnprocessableEntity, "content does not match announced hashes"
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, errs.ErrIssuance):
		return http.StatusServiceUnavailable, "could not issue token"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// writeError answers an authenticated caller.
func (s *Server) writeError(c *gin.Context, err error) {
	code, msg := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("route", c.FullPath()), zap.Error(err))
	}
	c.AbortWithStatusJSON(code, gin.H{"message": msg})
}

// writeBearerError answers an untrusted bearer. Unknown, expired, exhausted and
// mismatched tokens all get the same 410 so token state does not leak.
func (s *Server) writeBearerError(c *gin.Context, err error) {
	if errs.IsDeadToken(err) {
		c.AbortWithStatusJSON(http.StatusGone, gin.H{"message": msgDeadLink})
		return
	}
	s.writeError(c, err)
}
