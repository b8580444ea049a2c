package media

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"ai_telco_bridge/internal/audio"
	"ai_telco_bridge/internal/call"
	"ai_telco_bridge/internal/dtmf"
	"ai_telco_bridge/internal/types"
	"ai_telco_bridge/internal/voice"
)

type recorder struct {
	mu      sync.Mutex
	actions []dtmf.PlaybackAction
	events  []voice.Event
}

func (r *recorder) PlaybackControl(_ string, action dtmf.PlaybackAction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, action)
}

func (r *recorder) VoiceEvent(_ string, ev voice.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() ([]dtmf.PlaybackAction, []voice.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]dtmf.PlaybackAction(nil), r.actions...), append([]voice.Event(nil), r.events...)
}

type chanBackend struct {
	audio  chan []byte
	events chan voice.BackendEvent
	once   sync.Once
}

func newChanBackend() *chanBackend {
	return &chanBackend{audio: make(chan []byte, 16), events: make(chan voice.BackendEvent, 16)}
}

func (b *chanBackend) SendAudio(_ context.Context, chunk []byte) error {
	select {
	case b.audio <- chunk:
	default:
	}
	return nil
}

func (b *chanBackend) SendText(context.Context, string) error { return nil }
func (b *chanBackend) Interrupt(context.Context) error        { return nil }
func (b *chanBackend) Events() <-chan voice.BackendEvent      { return b.events }

func (b *chanBackend) Close() error {
	b.once.Do(func() { close(b.events) })
	return nil
}

type fixture struct {
	registry *call.Registry
	relay    *Relay
	rec      *recorder
	base     string
}

func newFixture(t *testing.T) *fixture {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	registry := call.NewRegistry(call.RegistryConfig{}, zap.NewNop(), nil)
	rec := &recorder{}
	relay := NewRelay(Config{FrameInterval: 5 * time.Millisecond}, registry, nil, rec, zap.NewNop(), nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		relay.ServeWS(w, r, strings.TrimPrefix(r.URL.Path, "/media/"))
	}))
	t.Cleanup(func() {
		registry.CloseAll("test")
		relay.Close()
		srv.Close()
	})
	return &fixture{
		registry: registry,
		relay:    relay,
		rec:      rec,
		base:     "ws" + strings.TrimPrefix(srv.URL, "http") + "/media/",
	}
}

func (f *fixture) dial(t *testing.T, callID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.base+callID, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (f *fixture) answered(t *testing.T, callID string) *call.Session {
	t.Helper()
	sess, err := f.registry.Create(call.Params{CallID: callID, Provider: types.ProviderTwilio, Direction: types.DirectionInbound})
	require.NoError(t, err)
	require.NoError(t, sess.Answer(context.Background(), nil))
	return sess
}

func (f *fixture) withVoice(t *testing.T, callID string) (*call.Session, *chanBackend) {
	t.Helper()
	sess := f.answered(t, callID)
	backend := newChanBackend()
	_, err := sess.AttachVoice(context.Background(), func(context.Context) (*voice.Session, error) {
		return voice.NewSession(callID, backend, voice.Options{}, zap.NewNop()), nil
	}, nil)
	require.NoError(t, err)
	f.relay.Follow(sess)
	return sess, backend
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, code, ce.Code)
		return
	}
}

func TestRejectUnknownCall(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "missing")
	expectClose(t, conn, types.CloseNoSession)
}

func TestRejectWithoutSink(t *testing.T) {
	f := newFixture(t)
	f.answered(t, "no-sink")
	conn := f.dial(t, "no-sink")
	expectClose(t, conn, types.CloseNoSink)
}

func TestRejectEndedCall(t *testing.T) {
	f := newFixture(t)
	sess := f.answered(t, "ended")
	require.NoError(t, sess.RemoteHangup("bye"))
	conn := f.dial(t, "ended")
	expectClose(t, conn, types.CloseCallEnded)
}

func TestVoiceRoundTrip(t *testing.T) {
	f := newFixture(t)
	_, backend := f.withVoice(t, "voice")
	conn := f.dial(t, "voice")

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	select {
	case got := <-backend.audio:
		assert.Equal(t, []byte{1, 2, 3}, got)
	case <-time.After(2 * time.Second):
		t.Fatal("上行音频未送达语音后端")
	}

	backend.events <- voice.BackendEvent{Type: voice.BackendTranscript, Text: "你好", Final: true}
	backend.events <- voice.BackendEvent{Type: voice.BackendResponseAudio, Audio: []byte{9, 9}}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)
	assert.Equal(t, []byte{9, 9}, data)

	_, events := f.rec.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, voice.EventTranscript, events[0].Type)
	assert.Equal(t, "你好", events[0].Text)
}

func TestMediaStreamsProtocol(t *testing.T) {
	f := newFixture(t)
	_, backend := f.withVoice(t, "json")
	conn := f.dial(t, "json")

	require.NoError(t, conn.WriteJSON(map[string]any{
		"event": "start", "streamSid": "MZ1",
		"start": map[string]any{"streamSid": "MZ1", "callSid": "json"},
	}))
	require.NoError(t, conn.WriteJSON(map[string]any{
		"event": "media", "streamSid": "MZ1",
		"media": map[string]any{"track": "inbound", "payload": base64.StdEncoding.EncodeToString([]byte{7, 7})},
	}))
	select {
	case got := <-backend.audio:
		assert.Equal(t, []byte{7, 7}, got)
	case <-time.After(2 * time.Second):
		t.Fatal("上行音频未送达语音后端")
	}

	require.NoError(t, conn.WriteJSON(map[string]any{
		"event": "dtmf", "streamSid": "MZ1", "dtmf": map[string]any{"digit": "7"},
	}))
	assert.Eventually(t, func() bool {
		actions, _ := f.rec.snapshot()
		return len(actions) == 1
	}, 2*time.Second, 10*time.Millisecond)
	actions, _ := f.rec.snapshot()
	assert.Equal(t, dtmf.PlaybackAction{Type: dtmf.ActionUnknown, Raw: "7"}, actions[0])

	backend.events <- voice.BackendEvent{Type: voice.BackendResponseAudio, Audio: []byte{5}}
	var out struct {
		Event     string `json:"event"`
		StreamSid string `json:"streamSid"`
		Media     struct {
			Payload string `json:"payload"`
		} `json:"media"`
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "media", out.Event)
	assert.Equal(t, "MZ1", out.StreamSid)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{5}), out.Media.Payload)
}

func TestInterruptionClearsCarrierBuffer(t *testing.T) {
	f := newFixture(t)
	sess, _ := f.withVoice(t, "barge")
	conn := f.dial(t, "barge")
	require.NoError(t, conn.WriteJSON(map[string]any{"event": "start", "streamSid": "MZ2"}))
	assert.Eventually(t, func() bool {
		_, tr, _ := sess.WatchRoute()
		return tr != nil
	}, 2*time.Second, 10*time.Millisecond)

	route := sess.CurrentRoute()
	require.NotNil(t, route)
	require.NoError(t, route.Voice.Interrupt(context.Background()))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"clear"`)

	assert.Eventually(t, func() bool {
		_, events := f.rec.snapshot()
		return len(events) == 1 && events[0].Type == voice.EventInterruption
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPlaybackRunsToCompletion(t *testing.T) {
	f := newFixture(t)
	sess := f.answered(t, "play")
	data := append(bytes.Repeat([]byte{1}, audio.FrameSize), bytes.Repeat([]byte{2}, audio.FrameSize)...)
	_, err := sess.AttachPlayback(context.Background(), audio.NewBufferSource(data, audio.FrameSize), nil)
	require.NoError(t, err)
	f.relay.Follow(sess)

	conn := f.dial(t, "play")
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0}))

	for _, want := range []byte{1, 2} {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, frame, err := conn.ReadMessage()
		require.NoError(t, err)
		require.Len(t, frame, audio.FrameSize)
		assert.Equal(t, want, frame[0])
	}
	assert.Eventually(t, func() bool {
		return sess.State() == types.CallStateAnswered
	}, 2*time.Second, 10*time.Millisecond)
	assert.Nil(t, sess.CurrentRoute())
}

func TestNewConnectionReplacesOld(t *testing.T) {
	f := newFixture(t)
	f.withVoice(t, "dup")
	first := f.dial(t, "dup")
	require.NoError(t, first.WriteMessage(websocket.BinaryMessage, []byte{1}))
	time.Sleep(50 * time.Millisecond)

	f.dial(t, "dup")
	expectClose(t, first, types.CloseReplaced)
}

func TestHangupClosesTransport(t *testing.T) {
	f := newFixture(t)
	sess, _ := f.withVoice(t, "bye")
	conn := f.dial(t, "bye")
	assert.Eventually(t, func() bool {
		_, tr, _ := sess.WatchRoute()
		return tr != nil
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, sess.Hangup(context.Background(), nil))
	expectClose(t, conn, types.CloseCallEnded)
}

func TestSinkSwapNeverReachesStaleSink(t *testing.T) {
	f := newFixture(t)
	sess, first := f.withVoice(t, "swap")
	conn := f.dial(t, "swap")
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1}))
	<-first.audio

	second := newChanBackend()
	_, err := sess.AttachVoice(context.Background(), func(context.Context) (*voice.Session, error) {
		return voice.NewSession("swap", second, voice.Options{}, zap.NewNop()), nil
	}, nil)
	require.NoError(t, err)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{2}))
	select {
	case got := <-second.audio:
		assert.Equal(t, []byte{2}, got)
	case <-time.After(2 * time.Second):
		t.Fatal("新的语音会话未收到音频")
	}
	select {
	case got := <-first.audio:
		t.Fatalf("旧的语音会话收到音频: %v", got)
	default:
	}
}
