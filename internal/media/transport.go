package media

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// MessageKind 媒体连接上行消息类型
type MessageKind int

const (
	MessageAudio MessageKind = iota
	MessageStart
	MessageDTMF
	MessageMark
	MessageStop
	MessageOther
)

// Message 媒体连接上行消息
type Message struct {
	Kind     MessageKind
	Audio    []byte
	Digit    string
	Mark     string
	StreamID string
}

// streamFrame Media Streams 协议帧，兼容 streamSid 与 stream_id 两种命名
type streamFrame struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid,omitempty"`
	StreamID  string `json:"stream_id,omitempty"`
	Start     *struct {
		StreamSid string `json:"streamSid"`
		CallSid   string `json:"callSid"`
	} `json:"start,omitempty"`
	Media *struct {
		Track   string `json:"track,omitempty"`
		Payload string `json:"payload"`
	} `json:"media,omitempty"`
	DTMF *struct {
		Digit string `json:"digit"`
	} `json:"dtmf,omitempty"`
	Mark *struct {
		Name string `json:"name"`
	} `json:"mark,omitempty"`
}

// errProtocolUndecided 对端尚未发送任何数据帧
var errProtocolUndecided = errors.New("媒体连接协议未确定")

// wsTransport 运营商侧的 WebSocket 媒体连接
//
// 首条数据帧决定协议：文本帧按 Media Streams JSON 处理，二进制帧按裸 μ-law 处理。
// 协议确定之前的下行写入最多等待 writeTimeout。
type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	binary    atomic.Bool
	ready     chan struct{}
	readyOnce sync.Once
	streamMu  sync.RWMutex
	streamID string

	closeOnce sync.Once
	done      chan struct{}
}

func newTransport(conn *websocket.Conn, writeTimeout time.Duration) *wsTransport {
	return &wsTransport{
		conn:         conn,
		writeTimeout: writeTimeout,
		ready:        make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// ReadMessage 读取下一条上行消息
func (t *wsTransport) ReadMessage() (Message, error) {
	mt, data, err := t.conn.ReadMessage()
	if err != nil {
		return Message{}, err
	}
	t.readyOnce.Do(func() {
		t.binary.Store(mt == websocket.BinaryMessage)
		close(t.ready)
	})
	if mt == websocket.BinaryMessage {
		return Message{Kind: MessageAudio, Audio: data}, nil
	}

	var frame streamFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Message{}, fmt.Errorf("解析媒体消息失败: %v", err)
	}
	id := frame.StreamSid
	if id == "" {
		id = frame.StreamID
	}

	switch frame.Event {
	case "start":
		if frame.Start != nil && frame.Start.StreamSid != "" {
			id = frame.Start.StreamSid
		}
		t.streamMu.Lock()
		t.streamID = id
		t.streamMu.Unlock()
		return Message{Kind: MessageStart, StreamID: id}, nil
	case "media":
		if frame.Media == nil {
			return Message{Kind: MessageOther}, nil
		}
		if frame.Media.Track != "" && frame.Media.Track != "inbound" {
			return Message{Kind: MessageOther}, nil
		}
		audio, err := base64.StdEncoding.DecodeString(frame.Media.Payload)
		if err != nil {
			return Message{}, fmt.Errorf("音频解码失败: %v", err)
		}
		return Message{Kind: MessageAudio, Audio: audio, StreamID: id}, nil
	case "dtmf":
		if frame.DTMF == nil {
			return Message{Kind: MessageOther}, nil
		}
		return Message{Kind: MessageDTMF, Digit: frame.DTMF.Digit, StreamID: id}, nil
	case "mark":
		name := ""
		if frame.Mark != nil {
			name = frame.Mark.Name
		}
		return Message{Kind: MessageMark, Mark: name, StreamID: id}, nil
	case "stop":
		return Message{Kind: MessageStop, StreamID: id}, nil
	}
	return Message{Kind: MessageOther, StreamID: id}, nil
}

// SendFrame 发送一帧下行音频
func (t *wsTransport) SendFrame(ctx context.Context, frame []byte) error {
	if err := t.await(ctx); err != nil {
		return err
	}
	if t.binary.Load() {
		return t.write(ctx, websocket.BinaryMessage, frame)
	}
	return t.writeJSON(ctx, map[string]any{
		"event":     "media",
		"streamSid": t.stream(),
		"media":     map[string]string{"payload": base64.StdEncoding.EncodeToString(frame)},
	})
}

// Clear 让运营商丢弃已缓冲的下行音频，裸音频协议无此能力
func (t *wsTransport) Clear(ctx context.Context) error {
	if err := t.await(ctx); err != nil {
		return err
	}
	if t.binary.Load() {
		return nil
	}
	return t.writeJSON(ctx, map[string]any{"event": "clear", "streamSid": t.stream()})
}

// Close 以指定关闭码关闭连接，重复调用无副作用
//
// 不等待进行中的写出：有写出阻塞时不发送关闭帧，直接关闭连接，阻塞的写出随之返回。
func (t *wsTransport) Close(code int, reason string) error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		if t.writeMu.TryLock() {
			_ = t.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason), time.Now().Add(t.writeTimeout))
			t.writeMu.Unlock()
		}
		err = t.conn.Close()
	})
	return err
}

// Ping 发送心跳
func (t *wsTransport) Ping() error {
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeTimeout))
}

func (t *wsTransport) await(ctx context.Context) error {
	select {
	case <-t.ready:
		return nil
	default:
	}
	timer := time.NewTimer(t.writeTimeout)
	defer timer.Stop()
	select {
	case <-t.ready:
		return nil
	case <-t.done:
		return websocket.ErrCloseSent
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errProtocolUndecided
	}
}

func (t *wsTransport) stream() string {
	t.streamMu.RLock()
	defer t.streamMu.RUnlock()
	return t.streamID
}

func (t *wsTransport) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("消息序列化失败: %v", err)
	}
	return t.write(ctx, websocket.TextMessage, data)
}

func (t *wsTransport) write(ctx context.Context, mt int, data []byte) error {
	select {
	case <-t.done:
		return websocket.ErrCloseSent
	default:
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	deadline := time.Now().Add(t.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = t.conn.SetWriteDeadline(deadline)
	if err := t.conn.WriteMessage(mt, data); err != nil {
		return fmt.Errorf("媒体消息发送失败: %v", err)
	}
	return nil
}
