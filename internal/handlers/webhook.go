package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ai_telco_bridge/internal/types"
)

// maxWebhookBody 回调载荷上限
const maxWebhookBody = 1 << 20

// Webhook 处理运营商回调 POST /webhooks/:provider
//
// 无法识别的载荷返回 400，事件被丢弃，不影响后续回调。
func (h *Handler) Webhook(c *gin.Context) {
	p, err := types.ParseProvider(c.Param("provider"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "读取回调载荷失败"})
		return
	}

	reply, err := h.port.HandleWebhook(c.Request.Context(), p, body)
	if err != nil {
		h.logger.Debug("处理回调失败", zap.String("provider", string(p)), zap.Error(err))
		writeError(c, err)
		return
	}
	if len(reply.Body) == 0 {
		c.Status(http.StatusNoContent)
		return
	}
	c.Data(http.StatusOK, reply.ContentType, reply.Body)
}

// Media 运营商媒体连接 GET /media/:callId
func (h *Handler) Media(c *gin.Context) {
	h.port.ServeMedia(c.Writer, c.Request, c.Param("callId"))
}
