package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ai_telco_bridge/internal/audio"
	"ai_telco_bridge/internal/dtmf"
	"ai_telco_bridge/internal/types"
	"ai_telco_bridge/internal/voice"
)

var errAudioUnavailable = errors.New("音频文件不可用")

// dialRequest 外呼请求
type dialRequest struct {
	To             string `json:"to" binding:"required"`
	From           string `json:"from"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	StatusCallback string `json:"status_callback"`
	MachineDetect  bool   `json:"machine_detect"`
}

// playRequest 播放请求，Pcap 为音频目录下的抓包文件相对路径
type playRequest struct {
	Pcap string `json:"pcap" binding:"required"`
}

// voiceRequest 语音会话请求
type voiceRequest struct {
	Interruptible *bool `json:"interruptible"`
}

// textRequest 向语音会话发送文本
type textRequest struct {
	Text string `json:"text" binding:"required"`
}

// messageRequest 短信/彩信请求
type messageRequest struct {
	To       string `json:"to" binding:"required"`
	Body     string `json:"body"`
	MediaURL string `json:"media_url"`
}

func (h *Handler) commandContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), h.timeout)
}

// ListCalls GET /calls
func (h *Handler) ListCalls(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"calls": h.port.Calls()})
}

// GetCall GET /calls/:callId
func (h *Handler) GetCall(c *gin.Context) {
	info, err := h.port.Call(c.Param("callId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// Dial POST /calls
func (h *Handler) Dial(c *gin.Context) {
	var req dialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx, cancel := h.commandContext(c)
	defer cancel()

	info, err := h.port.InitiateCall(ctx, req.To, types.CallOptions{
		From:           req.From,
		Timeout:        time.Duration(req.TimeoutSeconds) * time.Second,
		StatusCallback: req.StatusCallback,
		MachineDetect:  req.MachineDetect,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, info)
}

// Answer POST /calls/:callId/answer
func (h *Handler) Answer(c *gin.Context) {
	h.command(c, func(ctx context.Context, callID string) error {
		return h.port.AnswerCall(ctx, callID)
	})
}

// Hangup POST /calls/:callId/hangup
func (h *Handler) Hangup(c *gin.Context) {
	h.command(c, func(ctx context.Context, callID string) error {
		return h.port.Hangup(ctx, callID)
	})
}

// Play POST /calls/:callId/audio
//
// 文件路径限定在音频目录内，打开失败时只返回统一的错误信息。
func (h *Handler) Play(c *gin.Context) {
	var req playRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if h.audioDir == "" {
		writeError(c, fmt.Errorf("未配置音频目录: %w", types.ErrUnsupported))
		return
	}
	path := filepath.Join(h.audioDir, filepath.Clean("/"+req.Pcap))
	src, err := audio.OpenPcap(path, h.frameSize)
	if err != nil {
		h.logger.Warn("打开音频文件失败", zap.String("pcap", req.Pcap), zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": errAudioUnavailable.Error()})
		return
	}
	h.command(c, func(ctx context.Context, callID string) error {
		return h.port.StreamAudio(ctx, callID, src)
	})
}

// StopAudio DELETE /calls/:callId/audio
func (h *Handler) StopAudio(c *gin.Context) {
	h.command(c, func(ctx context.Context, callID string) error {
		return h.port.StopAudio(ctx, callID)
	})
}

// Playback POST /calls/:callId/playback，请求体为播放控制动作
func (h *Handler) Playback(c *gin.Context) {
	var action dtmf.PlaybackAction
	if err := c.ShouldBindJSON(&action); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.command(c, func(_ context.Context, callID string) error {
		return h.port.ControlPlayback(callID, action)
	})
}

// StartVoice POST /calls/:callId/voice
func (h *Handler) StartVoice(c *gin.Context) {
	var req voiceRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	opts := voice.Options{Interruptible: true}
	if req.Interruptible != nil {
		opts.Interruptible = *req.Interruptible
	}

	ctx, cancel := h.commandContext(c)
	defer cancel()
	vs, err := h.port.StartVoiceConversation(ctx, c.Param("callId"), opts)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"voice_session": vs.ID(), "call_id": vs.CallID()})
}

// VoiceText POST /calls/:callId/voice/text
func (h *Handler) VoiceText(c *gin.Context) {
	var req textRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.command(c, func(ctx context.Context, callID string) error {
		vs, err := h.port.Voice(callID)
		if err != nil {
			return err
		}
		return vs.SendText(ctx, req.Text)
	})
}

// VoiceInterrupt POST /calls/:callId/voice/interrupt
func (h *Handler) VoiceInterrupt(c *gin.Context) {
	h.command(c, func(ctx context.Context, callID string) error {
		vs, err := h.port.Voice(callID)
		if err != nil {
			return err
		}
		return vs.Interrupt(ctx)
	})
}

// SendMessage POST /messages，带 media_url 时发送彩信
func (h *Handler) SendMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx, cancel := h.commandContext(c)
	defer cancel()

	var (
		result types.MessageResult
		err    error
	)
	if req.MediaURL != "" {
		result, err = h.port.SendMMS(ctx, req.To, req.Body, req.MediaURL)
	} else {
		result, err = h.port.SendSMS(ctx, req.To, req.Body)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, result)
}

// command 执行针对单个通话的命令，成功时返回最新快照
func (h *Handler) command(c *gin.Context, fn func(ctx context.Context, callID string) error) {
	callID := c.Param("callId")
	ctx, cancel := h.commandContext(c)
	defer cancel()

	if err := fn(ctx, callID); err != nil {
		writeError(c, err)
		return
	}
	info, err := h.port.Call(callID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}
