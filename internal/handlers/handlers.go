// Package handlers 实现 HTTP 接口：运营商回调、媒体连接、通话控制与事件推送
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ai_telco_bridge/internal/telco"
	"ai_telco_bridge/internal/types"
)

// Handler HTTP 处理器
type Handler struct {
	port      telco.Port
	timeout   time.Duration // 单个请求内命令的超时
	frameSize int           // 播放文件的分帧大小
	audioDir  string        // 可播放文件的根目录，为空时不允许播放文件
	logger    *zap.Logger
}

// New 创建处理器
func New(port telco.Port, timeout time.Duration, frameSize int, audioDir string, logger *zap.Logger) *Handler {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if frameSize <= 0 {
		frameSize = types.AudioFrameSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		port:      port,
		timeout:   timeout,
		frameSize: frameSize,
		audioDir:  audioDir,
		logger:    logger.With(zap.String("component", "handlers")),
	}
}

// Health 健康检查
func (h *Handler) Health(c *gin.Context) {
	active := 0
	for _, info := range h.port.Calls() {
		if info.State != types.CallStateEnded.String() && info.State != types.CallStateFailed.String() {
			active++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"service":      "ai_telco_bridge",
		"active_calls": active,
		"time":         time.Now().Format(time.RFC3339),
	})
}

// writeError 按错误分类返回状态码
func writeError(c *gin.Context, err error) {
	_ = c.Error(err)
	body := gin.H{"error": err.Error()}

	var pe *types.ProviderError
	switch {
	case errors.Is(err, types.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, body)
	case errors.Is(err, types.ErrSessionTerminated):
		c.JSON(http.StatusGone, body)
	case errors.Is(err, types.ErrSessionBusy):
		body["retryable"] = true
		c.JSON(http.StatusConflict, body)
	case errors.Is(err, types.ErrInvalidTransition):
		c.JSON(http.StatusConflict, body)
	case errors.Is(err, types.ErrUnrecognizedPayload):
		c.JSON(http.StatusBadRequest, body)
	case errors.Is(err, types.ErrUnsupported):
		c.JSON(http.StatusNotImplemented, body)
	case errors.As(err, &pe):
		body["provider"] = pe.Provider
		body["code"] = pe.Code
		body["retryable"] = pe.Retryable
		c.JSON(http.StatusBadGateway, body)
	default:
		c.JSON(http.StatusInternalServerError, body)
	}
}
