package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/freechat/internal/chat"
)

type appendMessageReq struct {
	UserID string `json:"user_id"`
	chat.MessageInput
}

type updateMessageReq struct {
	UserID string `json:"user_id"`
	chat.MessageUpdate
}

type truncateReq struct {
	UserID string `json:"user_id"`
	Seq    *int   `json:"seq" binding:"required"`
}

// queryInt reads a non-negative integer query parameter; absent means 0.
func queryInt(c *gin.Context, name string) (int, bool) {
	v := c.Query(name)
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		fail(c, http.StatusBadRequest, 10002, "invalid "+name)
		return 0, false
	}
	return n, true
}

func (h *Handler) ListMessages(c *gin.Context) {
	uid, okk := h.authorize(c, "")
	if !okk {
		return
	}
	limit, okk := queryInt(c, "limit")
	if !okk {
		return
	}
	offset, okk := queryInt(c, "offset")
	if !okk {
		return
	}

	sessionID := c.Param("session_id")
	msgs, err := h.Co.ListMessages(c.Request.Context(), uid, sessionID, limit, offset)
	if err != nil {
		h.failErr(c, err)
		return
	}
	ok(c, gin.H{"session_id": sessionID, "messages": msgs})
}

func (h *Handler) AppendMessage(c *gin.Context) {
	var req appendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	uid, okk := h.authorize(c, req.UserID)
	if !okk {
		return
	}
	m, err := h.Co.AppendMessage(c.Request.Context(), uid, c.Param("session_id"), req.MessageInput)
	if err != nil {
		h.failErr(c, err)
		return
	}
	ok(c, m)
}

func (h *Handler) TruncateMessages(c *gin.Context) {
	var req truncateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	uid, okk := h.authorize(c, req.UserID)
	if !okk {
		return
	}
	sessionID := c.Param("session_id")
	n, err := h.Co.TruncateAfter(c.Request.Context(), uid, sessionID, *req.Seq)
	if err != nil {
		h.failErr(c, err)
		return
	}
	ok(c, gin.H{"session_id": sessionID, "deleted": n})
}

func (h *Handler) UpdateMessage(c *gin.Context) {
	var req updateMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	uid, okk := h.authorize(c, req.UserID)
	if !okk {
		return
	}
	m, err := h.Co.UpdateMessage(c.Request.Context(), uid, c.Param("message_id"), req.MessageUpdate)
	if err != nil {
		h.failErr(c, err)
		return
	}
	ok(c, m)
}

func (h *Handler) DeleteMessage(c *gin.Context) {
	uid, okk := h.authorize(c, "")
	if !okk {
		return
	}
	messageID := c.Param("message_id")
	if err := h.Co.DeleteMessage(c.Request.Context(), uid, messageID); err != nil {
		h.failErr(c, err)
		return
	}
	ok(c, gin.H{"message_id": messageID})
}
