package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cppla/livedrop/utils"
)

// multipartOverhead leaves room for boundaries and the small form fields that
// travel with the file.
const multipartOverhead = 1 << 20

// UploadBody caps the request body and parses the multipart form up front so
// later handlers (including SessionRequired) never read past the limit. The
// whole form is held in memory.
func UploadBody(maxFileSize int64) gin.HandlerFunc {
	limit := maxFileSize + multipartOverhead
	return func(ctx *gin.Context) {
		ctx.Request.Body = http.MaxBytesReader(ctx.Writer, ctx.Request.Body, limit)
		if err := ctx.Request.ParseMultipartForm(limit); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				utils.Abort(ctx, http.StatusRequestEntityTooLarge, 41301, "file too large")
				return
			}
			utils.Abort(ctx, http.StatusBadRequest, 40003, "invalid multipart body")
			return
		}
		ctx.Next()
	}
}
