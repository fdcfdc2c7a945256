package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/freechat/internal/app"
	"github.com/suPer8Hu/freechat/internal/httpapi/handlers"
	"github.com/suPer8Hu/freechat/internal/httpapi/middleware"
)

func NewRouter(a *app.App) *gin.Engine {
	if a.Cfg.Server.Mode != "" {
		gin.SetMode(a.Cfg.Server.Mode)
	}

	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(a.Log, a.Metrics))
	r.Use(middleware.Recovery(a.Log))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"code": 40400, "message": "route not found", "data": nil})
	})
	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"code": 40500, "message": "method not allowed", "data": nil})
	})

	h := handlers.NewHandler(a.Coordinator, a.Log)

	r.GET("/ping", h.Ping)
	r.GET("/metrics", gin.WrapH(a.Metrics.Handler()))

	// free chat (JWT required)
	fc := r.Group("/api/v1/free_chat")
	fc.Use(middleware.AuthRequired(a.Cfg.JWT.Secret))

	fc.GET("/settings", h.GetSettings)
	fc.POST("/settings", h.SaveSettings)
	fc.PUT("/settings", h.SaveSettings)
	fc.DELETE("/settings/:user_id", h.DeleteSettings)

	fc.GET("/sessions", h.ListSessions)
	fc.POST("/sessions", h.CreateSession)
	fc.PUT("/sessions/:session_id", h.UpdateSession)
	fc.DELETE("/sessions/:session_id", h.DeleteSession)

	fc.GET("/sessions/:session_id/messages", h.ListMessages)
	fc.POST("/sessions/:session_id/messages", h.AppendMessage)
	fc.POST("/sessions/:session_id/truncate", h.TruncateMessages)
	fc.PUT("/messages/:message_id", h.UpdateMessage)
	fc.DELETE("/messages/:message_id", h.DeleteMessage)
	return r
}
