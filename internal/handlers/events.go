package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"ai_telco_bridge/internal/telco"
)

// Events 以 Server-Sent Events 推送订阅事件 GET /events
//
// 客户端断开或服务停止时结束；处理过慢的客户端会丢失事件。
func (h *Handler) Events(c *gin.Context) {
	events, unsubscribe := h.port.Subscribe(0)
	defer unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(telco.EventName(ev), encodeEvent(ev))
			return true
		}
	})
}

// encodeEvent 事件的 JSON 表示，错误转为字符串
func encodeEvent(ev telco.Event) gin.H {
	at := ev.OccurredAt()
	switch e := ev.(type) {
	case telco.SmsReceived:
		return gin.H{
			"message_id": e.Message.MessageID,
			"from":       e.Message.From,
			"to":         e.Message.To,
			"body":       e.Message.Body,
			"media_urls": e.Message.MediaURLs,
			"mms":        e.MMS,
			"at":         at,
		}
	case telco.MessageStatus:
		return gin.H{
			"message_id": e.Delivery.MessageID,
			"kind":       e.Kind,
			"status":     e.Delivery.Status,
			"error_code": e.Delivery.ErrorCode,
			"at":         at,
		}
	case telco.CallReceived:
		return gin.H{"call_id": e.Call.CallID, "from": e.Call.From, "to": e.Call.To, "direction": e.Call.Direction, "at": at}
	case telco.CallAnswered:
		return gin.H{"call_id": e.CallID, "direction": e.Direction, "at": at}
	case telco.CallEnded:
		out := gin.H{"call_id": e.CallID, "state": e.State.String(), "cause": e.Cause, "at": at}
		if e.Failure != nil {
			out["failure"] = e.Failure.Error()
		}
		return out
	case telco.PlaybackControl:
		return gin.H{"call_id": e.CallID, "action": e.Action, "at": at}
	case telco.VoiceEvent:
		out := gin.H{"call_id": e.CallID, "type": e.Event.Type, "text": e.Event.Text, "final": e.Event.Final, "at": at}
		if e.Event.Err != nil {
			out["error"] = e.Event.Err.Error()
		}
		return out
	}
	return gin.H{"at": at}
}
