package controllers

import (
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cppla/livedrop/middleware"
	"github.com/cppla/livedrop/models"
	"github.com/cppla/livedrop/registry"
	"github.com/cppla/livedrop/utils"
)

// ShareTokens issues and verifies access tokens; *utils.TokenService is the
// production implementation.
type ShareTokens interface {
	Issue(info models.ShareInfo) (string, error)
	Verify(token string) (models.ShareInfo, error)
	TTL() time.Duration
}

// ShareController handles upload, check and download. The upload quota is
// enforced by middleware.UploadQuota ahead of it.
type ShareController struct {
	registry    *registry.Registry
	tokens      ShareTokens
	maxFileSize int64
	log         *zap.Logger
}

// NewShareController creates a new ShareController instance.
func NewShareController(reg *registry.Registry, tokens ShareTokens, maxFileSize int64, log *zap.Logger) *ShareController {
	if log == nil {
		log = zap.NewNop()
	}
	return &ShareController{registry: reg, tokens: tokens, maxFileSize: maxFileSize, log: log}
}

type uploadResponse struct {
	Code           string `json:"code,omitempty"`
	Token          string `json:"token,omitempty"`
	TokenExpiresAt int64  `json:"token_expires_at,omitempty"`
	ObjectID       string `json:"oid"`
	FileName       string `json:"name"`
	FileSize       int64  `json:"size"`
	MimeType       string `json:"mime"`
	UploadedAt     int64  `json:"uploaded_at"`
	Remaining      int    `json:"remaining_uploads"`
}

// Upload stores a multipart "file" for the caller's session. With mode=token
// the response carries a signed token instead of the short code.
func (s *ShareController) Upload(ctx *gin.Context) {
	header, err := ctx.FormFile("file")
	if err != nil {
		utils.Error(ctx, http.StatusBadRequest, codeMissingFile, "file is required")
		return
	}
	if s.maxFileSize > 0 && header.Size > s.maxFileSize {
		writeError(ctx, s.log, registry.ErrPayloadTooLarge)
		return
	}
	payload, err := readPart(header, s.maxFileSize)
	if err != nil {
		writeError(ctx, s.log, err)
		return
	}

	req := registry.StoreRequest{
		FileName:  utils.SanitizeFileName(header.Filename),
		MimeType:  detectMime(header.Header.Get("Content-Type"), payload),
		Payload:   payload,
		OwnerIP:   ctx.ClientIP(),
		SessionID: middleware.SessionID(ctx),
	}
	if declared := strings.TrimSpace(ctx.PostForm("name")); declared != "" {
		req.DeclaredName = utils.SanitizeFileName(declared)
	}

	obj, err := s.registry.Store(req)
	if err != nil {
		writeError(ctx, s.log, err)
		return
	}
	info := obj.Info()
	decision, _ := middleware.UploadDecision(ctx)
	resp := uploadResponse{
		ObjectID:   info.ObjectID,
		FileName:   info.FileName,
		FileSize:   info.FileSize,
		MimeType:   info.MimeType,
		UploadedAt: info.UploadedAt,
		Remaining:  decision.Remaining,
	}
	if ctx.PostForm("mode") == "token" {
		token, err := s.tokens.Issue(info)
		if err != nil {
			// the object exists; without a token nobody can reach it
			s.registry.RemoveObject(obj.ID)
			writeError(ctx, s.log, err)
			return
		}
		resp.Token = token
		resp.TokenExpiresAt = time.Now().Add(s.tokens.TTL()).UnixMilli()
	} else {
		resp.Code = info.Code
	}
	// the quota unit is kept only for a fully accepted upload
	middleware.CommitUpload(ctx)
	utils.Success(ctx, resp)
}

// Check returns share metadata for a code or token, never the bytes.
func (s *ShareController) Check(ctx *gin.Context) {
	obj, err := s.resolveRef(ctx.Param("ref"))
	if err != nil {
		writeError(ctx, s.log, err)
		return
	}
	utils.Success(ctx, obj.Info())
}

// Download streams the payload as an attachment.
func (s *ShareController) Download(ctx *gin.Context) {
	obj, err := s.resolveRef(ctx.Param("ref"))
	if err != nil {
		writeError(ctx, s.log, err)
		return
	}
	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": obj.DisplayName()})
	if disposition == "" {
		disposition = "attachment"
	}
	ctx.Header("Content-Disposition", disposition)
	ctx.Header("X-Content-Type-Options", "nosniff")
	ctx.Header("Cache-Control", "no-store")
	contentType := obj.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	ctx.Data(http.StatusOK, contentType, obj.Payload)
}

// resolveRef accepts either a share code or an access token. A verified token
// must still name the object currently registered under its code; a vanished
// object and a reissued code fail the same way so the holder learns nothing.
func (s *ShareController) resolveRef(ref string) (models.StoredObject, error) {
	ref = strings.TrimSpace(ref)
	if utils.LooksLikeToken(ref) {
		info, err := s.tokens.Verify(ref)
		if err != nil {
			return models.StoredObject{}, err
		}
		obj, err := s.registry.Resolve(info.Code)
		if err != nil {
			return models.StoredObject{}, fmt.Errorf("%w: object %s behind code %s is gone", utils.ErrTokenMismatch, info.ObjectID, info.Code)
		}
		if obj.ID != info.ObjectID {
			return models.StoredObject{}, fmt.Errorf("%w: code %s now names %s", utils.ErrTokenMismatch, info.Code, obj.ID)
		}
		return obj, nil
	}
	if !utils.IsCode(utils.NormalizeCode(ref)) {
		return models.StoredObject{}, fmt.Errorf("%w: malformed share code", models.ErrValidation)
	}
	return s.registry.Resolve(ref)
}

// readPart loads one multipart file fully into memory, refusing more than limit bytes.
func readPart(header *multipart.FileHeader, limit int64) ([]byte, error) {
	f, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()
	var r io.Reader = f
	if limit > 0 {
		r = io.LimitReader(f, limit+1)
	}
	payload, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if limit > 0 && int64(len(payload)) > limit {
		return nil, registry.ErrPayloadTooLarge
	}
	if len(payload) == 0 {
		return nil, registry.ErrEmptyPayload
	}
	return payload, nil
}

// detectMime keeps a specific declared media type, dropping its parameters,
// and sniffs the payload otherwise.
func detectMime(declared string, payload []byte) string {
	mt, _, err := mime.ParseMediaType(strings.TrimSpace(declared))
	if err == nil && mt != "application/octet-stream" {
		return mt
	}
	return mimetype.Detect(payload).String()
}
