package telco

import (
	"sync"

	"go.uber.org/zap"

	"ai_telco_bridge/internal/metrics"
)

// hub 事件订阅者集合
//
// 每个订阅者一个带缓冲的通道，发布不阻塞：缓冲满时丢弃该订阅者的这条事件并计数。
type hub struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	next    uint64
	closed  bool
	buffer  int
	logger  *zap.Logger
	metrics *metrics.Collector
}

func newHub(buffer int, logger *zap.Logger, collector *metrics.Collector) *hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &hub{
		subs:    make(map[uint64]chan Event),
		buffer:  buffer,
		logger:  logger,
		metrics: collector,
	}
}

func (h *hub) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = h.buffer
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.next
	h.next++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

func (h *hub) publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.metrics.RecordSubscriberDrop()
			h.logger.Warn("订阅者处理过慢，丢弃事件", zap.String("event", EventName(ev)))
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

// EventName 事件名称，用于日志与对外推送
func EventName(ev Event) string {
	switch ev.(type) {
	case SmsReceived:
		return "sms_received"
	case MessageStatus:
		return "message_status"
	case CallReceived:
		return "call_received"
	case CallAnswered:
		return "call_answered"
	case CallEnded:
		return "call_ended"
	case PlaybackControl:
		return "playback_control"
	case VoiceEvent:
		return "voice_event"
	}
	return "unknown"
}
