package routes

import (
	"github.com/gin-gonic/gin"

	"ai_telco_bridge/internal/handlers"
	"ai_telco_bridge/internal/metrics"
)

// RegisterRoutes 注册所有路由
func RegisterRoutes(r *gin.Engine, h *handlers.Handler, collector *metrics.Collector) {
	r.GET("/health", h.Health)
	if collector != nil {
		r.GET("/metrics", gin.WrapH(collector.Handler()))
	}

	// 运营商回调与媒体连接
	RegisterCarrierRoutes(r, h)

	// 通话控制
	RegisterCallRoutes(r, h)
}

// RegisterCarrierRoutes 注册运营商侧路由
func RegisterCarrierRoutes(r *gin.Engine, h *handlers.Handler) {
	r.POST("/webhooks/:provider", h.Webhook)
	r.GET("/media/:callId", h.Media)
}

// RegisterCallRoutes 注册通话控制、短信与事件推送路由
func RegisterCallRoutes(r *gin.Engine, h *handlers.Handler) {
	calls := r.Group("/calls")
	{
		calls.GET("", h.ListCalls)
		calls.POST("", h.Dial)
		calls.GET("/:callId", h.GetCall)
		calls.POST("/:callId/answer", h.Answer)
		calls.POST("/:callId/hangup", h.Hangup)
		calls.POST("/:callId/audio", h.Play)
		calls.DELETE("/:callId/audio", h.StopAudio)
		calls.POST("/:callId/playback", h.Playback)
		calls.POST("/:callId/voice", h.StartVoice)
		calls.POST("/:callId/voice/text", h.VoiceText)
		calls.POST("/:callId/voice/interrupt", h.VoiceInterrupt)
	}
	r.POST("/messages", h.SendMessage)
	r.GET("/events", h.Events)
}
