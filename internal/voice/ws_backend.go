package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"ai_telco_bridge/internal/types"
)

// WSConfig WebSocket 语音后端配置
type WSConfig struct {
	URL              string        // 后端地址，ws:// 或 wss://
	APIKey           string        // 以 Bearer 方式携带
	HandshakeTimeout time.Duration // 握手超时
}

// WSDialer 通过 WebSocket 连接语音后端
//
// 协议为 JSON 文本帧：
//
//	上行 {"type":"input_audio","audio":"<base64>"} / {"type":"input_text","text":"..."} / {"type":"response.cancel"}
//	下行 {"type":"transcript","text":"...","final":true} / {"type":"response.started"} /
//	     {"type":"response.text","text":"..."} / {"type":"response.audio","audio":"<base64>"} /
//	     {"type":"speech.started"} / {"type":"error","message":"..."}
//
// 下行二进制帧视为 response.audio。每一轮新回复必须先发送 response.started。
type WSDialer struct {
	config WSConfig
	logger *zap.Logger
}

// NewWSDialer 创建拨号器
func NewWSDialer(config WSConfig, logger *zap.Logger) *WSDialer {
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSDialer{config: config, logger: logger.With(zap.String("component", "voice_backend"))}
}

// Dial 建立连接，通话ID 以 call_id 查询参数传递
func (d *WSDialer) Dial(ctx context.Context, callID string) (Backend, error) {
	u, err := url.Parse(d.config.URL)
	if err != nil {
		return nil, fmt.Errorf("解析URL失败: %v", err)
	}
	q := u.Query()
	q.Set("call_id", callID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if d.config.APIKey != "" {
		header.Set("Authorization", "Bearer "+d.config.APIKey)
	}

	dialer := websocket.Dialer{HandshakeTimeout: d.config.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("连接WebSocket失败: %v", err)
	}

	b := &wsBackend{
		conn:   conn,
		logger: d.logger.With(zap.String("call_id", callID)),
		events: make(chan BackendEvent, 64),
		done:   make(chan struct{}),
	}
	go b.receiveLoop()
	return b, nil
}

type wsBackend struct {
	conn    *websocket.Conn
	logger  *zap.Logger
	writeMu sync.Mutex

	events    chan BackendEvent
	done      chan struct{}
	closeOnce sync.Once
}

type wsMessage struct {
	Type    string `json:"type"`
	Audio   string `json:"audio,omitempty"`
	Text    string `json:"text,omitempty"`
	Final   bool   `json:"final,omitempty"`
	Message string `json:"message,omitempty"`
}

func (b *wsBackend) SendAudio(ctx context.Context, chunk []byte) error {
	return b.send(ctx, wsMessage{Type: "input_audio", Audio: base64.StdEncoding.EncodeToString(chunk)})
}

func (b *wsBackend) SendText(ctx context.Context, text string) error {
	return b.send(ctx, wsMessage{Type: "input_text", Text: text})
}

func (b *wsBackend) Interrupt(ctx context.Context) error {
	return b.send(ctx, wsMessage{Type: "response.cancel"})
}

func (b *wsBackend) Events() <-chan BackendEvent { return b.events }

func (b *wsBackend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		b.writeMu.Lock()
		_ = b.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		b.writeMu.Unlock()
		err = b.conn.Close()
	})
	return err
}

func (b *wsBackend) send(ctx context.Context, msg wsMessage) error {
	select {
	case <-b.done:
		return types.ErrSessionClosed
	default:
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("消息序列化失败: %v", err)
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = b.conn.SetWriteDeadline(deadline)
	} else {
		_ = b.conn.SetWriteDeadline(time.Time{})
	}
	if err := b.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("消息发送失败: %v", err)
	}
	return nil
}

// receiveLoop 接收消息循环，连接断开后关闭事件通道
func (b *wsBackend) receiveLoop() {
	defer close(b.events)
	for {
		mt, data, err := b.conn.ReadMessage()
		if err != nil {
			select {
			case <-b.done:
			default:
				b.logger.Warn("读取语音后端消息失败", zap.Error(err))
			}
			return
		}

		ev, ok := b.decode(mt, data)
		if !ok {
			continue
		}
		select {
		case b.events <- ev:
		case <-b.done:
			return
		}
	}
}

func (b *wsBackend) decode(mt int, data []byte) (BackendEvent, bool) {
	if mt == websocket.BinaryMessage {
		return BackendEvent{Type: BackendResponseAudio, Audio: data}, true
	}

	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		b.logger.Warn("解析语音后端消息失败", zap.Error(err))
		return BackendEvent{}, false
	}
	switch BackendEventType(msg.Type) {
	case BackendResponseAudio:
		audio, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			b.logger.Warn("音频解码失败", zap.Error(err))
			return BackendEvent{}, false
		}
		return BackendEvent{Type: BackendResponseAudio, Audio: audio}, true
	case BackendTranscript:
		return BackendEvent{Type: BackendTranscript, Text: msg.Text, Final: msg.Final}, true
	case BackendResponseText:
		return BackendEvent{Type: BackendResponseText, Text: msg.Text}, true
	case BackendResponseStarted, BackendSpeechStarted:
		return BackendEvent{Type: BackendEventType(msg.Type)}, true
	case BackendError:
		return BackendEvent{Type: BackendError, Err: fmt.Errorf("语音后端错误: %s", msg.Message)}, true
	}
	b.logger.Debug("忽略未知消息类型", zap.String("type", msg.Type))
	return BackendEvent{}, false
}
