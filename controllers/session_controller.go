package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cppla/livedrop/middleware"
	"github.com/cppla/livedrop/registry"
	"github.com/cppla/livedrop/utils"
)

// SessionController binds the browser's heartbeat loop and teardown beacon
// to the registry. It keeps no state of its own.
type SessionController struct {
	registry *registry.Registry
	tokens   *utils.TokenService
	log      *zap.Logger
}

// NewSessionController creates a new SessionController instance.
func NewSessionController(reg *registry.Registry, tokens *utils.TokenService, log *zap.Logger) *SessionController {
	if log == nil {
		log = zap.NewNop()
	}
	return &SessionController{registry: reg, tokens: tokens, log: log}
}

// Heartbeat refreshes the session's objects. alive=false tells the client its
// shares are gone and it should stop beating.
func (s *SessionController) Heartbeat(ctx *gin.Context) {
	alive := s.registry.Heartbeat(middleware.SessionID(ctx))
	utils.Success(ctx, gin.H{
		"alive":      alive,
		"timeout_ms": s.registry.SessionTimeout().Milliseconds(),
	})
}

// Teardown removes every object of the session.
func (s *SessionController) Teardown(ctx *gin.Context) {
	removed := s.registry.RemoveSession(middleware.SessionID(ctx))
	utils.Success(ctx, gin.H{"removed": removed})
}

type sessionObject struct {
	Code       string `json:"code"`
	Token      string `json:"token,omitempty"`
	ObjectID   string `json:"oid"`
	FileName   string `json:"name"`
	FileSize   int64  `json:"size"`
	MimeType   string `json:"mime"`
	UploadedAt int64  `json:"uploaded_at"`
}

// ListObjects returns the session's live objects with freshly issued tokens.
func (s *SessionController) ListObjects(ctx *gin.Context) {
	objs := s.registry.SessionObjects(middleware.SessionID(ctx))
	list := make([]sessionObject, 0, len(objs))
	for _, obj := range objs {
		info := obj.Info()
		item := sessionObject{
			Code:       info.Code,
			ObjectID:   info.ObjectID,
			FileName:   info.FileName,
			FileSize:   info.FileSize,
			MimeType:   info.MimeType,
			UploadedAt: info.UploadedAt,
		}
		token, err := s.tokens.Issue(info)
		if err != nil {
			s.log.Error("issue token for listing", zap.String("id", info.ObjectID), zap.Error(err))
		} else {
			item.Token = token
		}
		list = append(list, item)
	}
	utils.Success(ctx, gin.H{"objects": list})
}

// RemoveObject deletes one object owned by the caller's session.
func (s *SessionController) RemoveObject(ctx *gin.Context) {
	if !s.registry.RemoveSessionObject(middleware.SessionID(ctx), ctx.Param("id")) {
		utils.Error(ctx, http.StatusNotFound, codeNotFound, "share not found or expired")
		return
	}
	utils.Success(ctx, gin.H{"removed": 1})
}
