package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/freechat/internal/chat"
	"github.com/suPer8Hu/freechat/internal/httpapi/middleware"
	"github.com/suPer8Hu/freechat/internal/lock"
	"go.uber.org/zap"
)

type Handler struct {
	Co  *chat.Coordinator
	Log *zap.Logger
}

func NewHandler(co *chat.Coordinator, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Co: co, Log: log.Named("handlers")}
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "ok",
		"data":    data,
	})
}

func fail(c *gin.Context, httpStatus int, code int, msg string) {
	c.JSON(httpStatus, gin.H{
		"code":    code,
		"message": msg,
		"data":    nil,
	})
}

// failErr maps a service error onto the envelope.
func (h *Handler) failErr(c *gin.Context, err error) {
	var dw *chat.DurableWriteError
	switch {
	case errors.Is(err, chat.ErrInvalidArgument):
		fail(c, http.StatusBadRequest, 10002, err.Error())
	case errors.Is(err, chat.ErrNotFound):
		fail(c, http.StatusNotFound, 40004, "not found")
	case errors.Is(err, chat.ErrUnauthorized):
		fail(c, http.StatusForbidden, 40301, "forbidden")
	case errors.Is(err, lock.ErrTimeout):
		c.Header("Retry-After", "1")
		fail(c, http.StatusConflict, 40902, "resource busy, retry later")
	case errors.Is(err, chat.ErrConflict):
		fail(c, http.StatusConflict, 40901, "already exists")
	case errors.Is(err, lock.ErrUnavailable):
		c.Header("Retry-After", "1")
		fail(c, http.StatusServiceUnavailable, 50301, "lock service unavailable")
	case errors.As(err, &dw):
		h.Log.Error("durable write failed", zap.String("op", dw.Op), zap.String("key", dw.Key), zap.Error(dw.Err))
		fail(c, http.StatusInternalServerError, 50001, "failed to persist")
	default:
		h.Log.Error("request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
		fail(c, http.StatusInternalServerError, 50000, "internal error")
	}
}

func tenantFromContext(c *gin.Context) string {
	return c.GetString(middleware.TenantIDKey)
}

// requestUser prefers the id from the body and falls back to ?user_id=.
func requestUser(c *gin.Context, fromBody string) (string, bool) {
	uid := strings.TrimSpace(fromBody)
	if uid == "" {
		uid = strings.TrimSpace(c.Query("user_id"))
	}
	if uid == "" {
		fail(c, http.StatusBadRequest, 10003, "user_id is required")
		return "", false
	}
	return uid, true
}

// authorize resolves the end user and checks the caller's tenant may act for it.
func (h *Handler) authorize(c *gin.Context, fromBody string) (string, bool) {
	uid, okk := requestUser(c, fromBody)
	if !okk {
		return "", false
	}
	if err := h.Co.CheckAccess(c.Request.Context(), tenantFromContext(c), uid); err != nil {
		h.failErr(c, err)
		return "", false
	}
	return uid, true
}

func (h *Handler) Ping(c *gin.Context) {
	ok(c, gin.H{"pong": true})
}
