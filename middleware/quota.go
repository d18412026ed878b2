package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cppla/livedrop/ratelimit"
	"github.com/cppla/livedrop/utils"
)

const (
	contextQuotaKey          = "upload_quota"
	contextQuotaCommittedKey = "upload_quota_committed"
)

// UploadQuota admits an upload against the per-IP quota before any of the
// body is read. The unit it takes is handed back when the request ends
// without CommitUpload, so failed uploads cost nothing.
func UploadQuota(l *ratelimit.Limiter) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		res, decision := l.Reserve(ctx.Request.Context(), ctx.ClientIP())
		if !decision.Allowed {
			retry := time.Until(decision.ResetAt).Round(time.Second)
			ctx.Header("Retry-After", strconv.Itoa(max(int(retry.Seconds()), 1)))
			utils.Respond(ctx, http.StatusTooManyRequests, 42901, "upload limit reached", gin.H{
				"limit":    decision.Limit,
				"reset_at": decision.ResetAt.UnixMilli(),
			})
			ctx.Abort()
			return
		}
		ctx.Set(contextQuotaKey, decision)
		defer func() {
			if !ctx.GetBool(contextQuotaCommittedKey) {
				res.Release(context.WithoutCancel(ctx.Request.Context()))
			}
		}()
		ctx.Next()
	}
}

// CommitUpload keeps the unit taken by UploadQuota.
func CommitUpload(ctx *gin.Context) {
	ctx.Set(contextQuotaCommittedKey, true)
}

// UploadDecision returns the admission decision made by UploadQuota.
func UploadDecision(ctx *gin.Context) (ratelimit.Decision, bool) {
	v, ok := ctx.Get(contextQuotaKey)
	if !ok {
		return ratelimit.Decision{}, false
	}
	d, ok := v.(ratelimit.Decision)
	return d, ok
}
