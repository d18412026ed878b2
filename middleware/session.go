package middleware

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/cppla/livedrop/utils"
)

const (
	// ContextSessionIDKey stores the caller's session id inside Gin context.
	ContextSessionIDKey = "session_id"
	// SessionHeader carries the session id on fetch/XHR requests.
	SessionHeader = "X-Session-ID"
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,128}$`)

// SessionRequired extracts the session id from the X-Session-ID header, the
// session_id form field or the session query parameter, in that order.
// sendBeacon cannot set headers, so teardown relies on the latter two.
func SessionRequired() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		id := SessionIDFrom(ctx)
		if id == "" {
			utils.Abort(ctx, http.StatusBadRequest, 40011, "session id missing")
			return
		}
		if !sessionIDPattern.MatchString(id) {
			utils.Abort(ctx, http.StatusBadRequest, 40012, "invalid session id")
			return
		}
		ctx.Set(ContextSessionIDKey, id)
		ctx.Next()
	}
}

// SessionIDFrom reads the raw session id without validating it.
func SessionIDFrom(ctx *gin.Context) string {
	if v := strings.TrimSpace(ctx.GetHeader(SessionHeader)); v != "" {
		return v
	}
	if v := strings.TrimSpace(ctx.PostForm("session_id")); v != "" {
		return v
	}
	return strings.TrimSpace(ctx.Query("session"))
}

// SessionID returns the id stored by SessionRequired.
func SessionID(ctx *gin.Context) string {
	return ctx.GetString(ContextSessionIDKey)
}
