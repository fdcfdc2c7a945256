package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/freechat/internal/chat"
)

type createSessionReq struct {
	UserID string `json:"user_id"`
	chat.SessionInput
}

type updateSessionReq struct {
	UserID string `json:"user_id"`
	chat.SessionUpdate
}

func (h *Handler) ListSessions(c *gin.Context) {
	uid, okk := h.authorize(c, "")
	if !okk {
		return
	}
	order, err := chat.ParseSessionOrder(c.Query("order"))
	if err != nil {
		h.failErr(c, err)
		return
	}
	list, err := h.Co.ListSessions(c.Request.Context(), uid, order)
	if err != nil {
		h.failErr(c, err)
		return
	}
	ok(c, gin.H{"sessions": list, "total": len(list)})
}

func (h *Handler) CreateSession(c *gin.Context) {
	var req createSessionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	uid, okk := h.authorize(c, req.UserID)
	if !okk {
		return
	}
	sess, err := h.Co.CreateSession(c.Request.Context(), uid, req.SessionInput)
	if err != nil {
		h.failErr(c, err)
		return
	}
	ok(c, sess)
}

func (h *Handler) UpdateSession(c *gin.Context) {
	var req updateSessionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	uid, okk := h.authorize(c, req.UserID)
	if !okk {
		return
	}
	sess, err := h.Co.UpdateSession(c.Request.Context(), uid, c.Param("session_id"), req.SessionUpdate)
	if err != nil {
		h.failErr(c, err)
		return
	}
	ok(c, sess)
}

func (h *Handler) DeleteSession(c *gin.Context) {
	uid, okk := h.authorize(c, "")
	if !okk {
		return
	}
	sessionID := c.Param("session_id")
	if err := h.Co.DeleteSession(c.Request.Context(), uid, sessionID); err != nil {
		h.failErr(c, err)
		return
	}
	ok(c, gin.H{"session_id": sessionID})
}
