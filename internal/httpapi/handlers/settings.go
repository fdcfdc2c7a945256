package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/freechat/internal/chat"
)

type saveSettingsReq struct {
	UserID string `json:"user_id" binding:"required"`
	chat.SettingsInput
}

func (h *Handler) GetSettings(c *gin.Context) {
	uid, okk := h.authorize(c, "")
	if !okk {
		return
	}
	st, err := h.Co.GetSettings(c.Request.Context(), uid)
	if err != nil {
		h.failErr(c, err)
		return
	}
	ok(c, st)
}

func (h *Handler) SaveSettings(c *gin.Context) {
	var req saveSettingsReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	uid, okk := h.authorize(c, req.UserID)
	if !okk {
		return
	}
	st, err := h.Co.SaveSettings(c.Request.Context(), tenantFromContext(c), uid, req.SettingsInput)
	if err != nil {
		h.failErr(c, err)
		return
	}
	ok(c, st)
}

func (h *Handler) DeleteSettings(c *gin.Context) {
	uid, okk := h.authorize(c, c.Param("user_id"))
	if !okk {
		return
	}
	if err := h.Co.DeleteSettings(c.Request.Context(), uid); err != nil {
		h.failErr(c, err)
		return
	}
	ok(c, gin.H{"user_id": uid})
}
