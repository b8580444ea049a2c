package telco

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"ai_telco_bridge/internal/audio"
	"ai_telco_bridge/internal/dtmf"
	"ai_telco_bridge/internal/media"
	"ai_telco_bridge/internal/types"
	"ai_telco_bridge/internal/voice"
)

// fakeCarrier 记录调用的运营商实现
type fakeCarrier struct {
	name   types.Provider
	events chan []byte

	mu        sync.Mutex
	calls     []string
	answerErr error
	dialID    string
	closed    bool

	// streamHold 非空时 StartStream 阻塞到其关闭或 ctx 结束，结果写入 streamErr
	streamHold    chan struct{}
	streamEntered chan struct{}
	streamErr     chan error
}

func newFakeCarrier(name types.Provider) *fakeCarrier {
	return &fakeCarrier{name: name, dialID: "out-1"}
}

func (f *fakeCarrier) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
}

func (f *fakeCarrier) ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeCarrier) Name() types.Provider        { return f.name }
func (f *fakeCarrier) Start(context.Context) error { return nil }

func (f *fakeCarrier) SendMessage(_ context.Context, to, _, mediaURL string) (types.MessageResult, error) {
	op := "sms " + to
	if mediaURL != "" {
		op = "mms " + to
	}
	f.record(op)
	return types.MessageResult{ID: "msg-1", Status: "queued"}, nil
}

func (f *fakeCarrier) Dial(_ context.Context, to string, _ types.CallOptions) (string, error) {
	f.record("dial " + to)
	return f.dialID, nil
}

func (f *fakeCarrier) Answer(_ context.Context, callID string) error {
	f.record("answer " + callID)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.answerErr
}

func (f *fakeCarrier) StartStream(ctx context.Context, callID string) error {
	f.record("start_stream " + callID)
	if f.streamHold == nil {
		return nil
	}
	close(f.streamEntered)
	var err error
	select {
	case <-f.streamHold:
	case <-ctx.Done():
		err = ctx.Err()
	}
	f.streamErr <- err
	return err
}

func (f *fakeCarrier) StopStream(_ context.Context, callID string) error {
	f.record("stop_stream " + callID)
	return nil
}

func (f *fakeCarrier) Hangup(_ context.Context, callID string) error {
	f.record("hangup " + callID)
	return nil
}

func (f *fakeCarrier) WebhookReply(ev types.NormalizedEvent) (string, []byte) {
	if ev.Kind == types.KindCallInbound {
		return "text/xml", []byte("<Response/>")
	}
	return "", nil
}

func (f *fakeCarrier) Events() <-chan []byte {
	if f.events == nil {
		return nil
	}
	return f.events
}

func (f *fakeCarrier) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// fakeBackend 语音后端
type fakeBackend struct {
	events chan voice.BackendEvent
	once   sync.Once
}

func (b *fakeBackend) SendAudio(context.Context, []byte) error { return nil }
func (b *fakeBackend) SendText(context.Context, string) error  { return nil }
func (b *fakeBackend) Interrupt(context.Context) error         { return nil }
func (b *fakeBackend) Events() <-chan voice.BackendEvent       { return b.events }
func (b *fakeBackend) Close() error {
	b.once.Do(func() { close(b.events) })
	return nil
}

type fakeDialer struct {
	mu       sync.Mutex
	backends []*fakeBackend
}

func (d *fakeDialer) Dial(context.Context, string) (voice.Backend, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b := &fakeBackend{events: make(chan voice.BackendEvent, 8)}
	d.backends = append(d.backends, b)
	return b, nil
}

func (d *fakeDialer) last() *fakeBackend {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.backends[len(d.backends)-1]
}

func mediaConfigForTest() media.Config {
	return media.Config{FrameInterval: 20 * time.Millisecond}
}

func startService(t *testing.T, carrier *fakeCarrier, dialer voice.Dialer) *Service {
	t.Helper()
	svc := New(Config{
		Media:           mediaConfigForTest(),
		DispatchWorkers: 4,
		EventBuffer:     32,
	}, carrier, dialer, zap.NewNop(), nil)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Stop(ctx)
	})
	return svc
}

// next 读取下一个事件，跳过非 T 类型
func next[T Event](t *testing.T, events <-chan Event) T {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "订阅已关闭")
			if got, ok := ev.(T); ok {
				return got
			}
		case <-timeout:
			var zero T
			t.Fatalf("未收到 %T 事件", zero)
			return zero
		}
	}
}

func webhook(t *testing.T, svc *Service, body string) WebhookReply {
	t.Helper()
	reply, err := svc.HandleWebhook(context.Background(), types.ProviderTelnyx, []byte(body))
	require.NoError(t, err)
	return reply
}

func TestInboundCallLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	carrier := newFakeCarrier(types.ProviderTelnyx)
	dialer := &fakeDialer{}
	svc := New(Config{Media: mediaConfigForTest()}, carrier, dialer, zap.NewNop(), nil)
	require.NoError(t, svc.Start(context.Background()))
	events, unsubscribe := svc.Subscribe(16)
	defer unsubscribe()

	body := `{"type":"call.initiated","call_id":"abc","from":"+1555000","to":"+1555999"}`
	ev, err := svc.ParseWebhook(types.ProviderTelnyx, []byte(body))
	require.NoError(t, err)
	assert.Equal(t, types.KindCallInbound, ev.Kind)
	assert.Equal(t, types.CallPayload{CallID: "abc", From: "+1555000", To: "+1555999", Direction: types.DirectionInbound}, ev.Payload)

	reply := webhook(t, svc, body)
	assert.Equal(t, "text/xml", reply.ContentType)
	received := next[CallReceived](t, events)
	assert.Equal(t, "abc", received.Call.CallID)
	assert.Equal(t, "+1555000", received.Call.From)

	info, err := svc.Call("abc")
	require.NoError(t, err)
	assert.Equal(t, "ringing", info.State)

	require.NoError(t, svc.AnswerCall(context.Background(), "abc"))
	answered := next[CallAnswered](t, events)
	assert.Equal(t, "abc", answered.CallID)
	info, _ = svc.Call("abc")
	assert.Equal(t, "answered", info.State)

	vs, err := svc.StartVoiceConversation(context.Background(), "abc", voice.Options{})
	require.NoError(t, err)
	info, _ = svc.Call("abc")
	assert.Equal(t, "streaming", info.State)

	require.NoError(t, svc.Hangup(context.Background(), "abc"))
	ended := next[CallEnded](t, events)
	assert.Equal(t, types.CallStateEnded, ended.State)
	assert.Equal(t, "local_hangup", ended.Cause)
	assert.True(t, vs.Closed())
	assert.ErrorIs(t, vs.SendAudio(context.Background(), []byte{1}), types.ErrSessionClosed)

	assert.Equal(t, []string{"answer abc", "start_stream abc", "hangup abc"}, carrier.ops())

	assert.ErrorIs(t, svc.AnswerCall(context.Background(), "abc"), types.ErrSessionTerminated)
	assert.ErrorIs(t, svc.Hangup(context.Background(), "abc"), types.ErrSessionTerminated)
	assert.ErrorIs(t, svc.AnswerCall(context.Background(), "never"), types.ErrSessionNotFound)

	require.NoError(t, svc.Stop(context.Background()))
	_, ok := <-events
	assert.False(t, ok)
}

func TestUnknownDigitDeliveredVerbatim(t *testing.T) {
	svc := startService(t, newFakeCarrier(types.ProviderTelnyx), nil)
	events, unsubscribe := svc.Subscribe(8)
	defer unsubscribe()

	webhook(t, svc, `{"type":"call.initiated","call_id":"c7","from":"+1","to":"+2"}`)
	require.NoError(t, svc.AnswerCall(context.Background(), "c7"))

	webhook(t, svc, `{"type":"call.dtmf.received","call_id":"c7","digit":"7"}`)
	control := next[PlaybackControl](t, events)
	assert.Equal(t, "c7", control.CallID)
	assert.Equal(t, dtmf.PlaybackAction{Type: dtmf.ActionUnknown, Raw: "7"}, control.Action)

	webhook(t, svc, `{"type":"call.dtmf.received","call_id":"c7","digit":"1"}`)
	control = next[PlaybackControl](t, events)
	assert.Equal(t, dtmf.Rewind(30), control.Action)
}

func TestStreamAudioAndPlaybackControl(t *testing.T) {
	carrier := newFakeCarrier(types.ProviderTelnyx)
	svc := startService(t, carrier, nil)
	ctx := context.Background()

	webhook(t, svc, `{"type":"call.initiated","call_id":"p1","from":"+1","to":"+2"}`)

	src := audio.NewBufferSource(make([]byte, audio.FrameSize*200), audio.FrameSize)
	err := svc.StreamAudio(ctx, "p1", src)
	assert.ErrorIs(t, err, types.ErrInvalidTransition)
	_, err = src.ReadFrame(ctx)
	assert.ErrorIs(t, err, audio.ErrSourceClosed, "失败时音频源应已关闭")

	assert.ErrorIs(t, svc.StopAudio(ctx, "p1"), types.ErrInvalidTransition)
	require.NoError(t, svc.AnswerCall(ctx, "p1"))
	require.NoError(t, svc.StopAudio(ctx, "p1"), "未挂载音频时为空操作")

	src = audio.NewBufferSource(make([]byte, audio.FrameSize*200), audio.FrameSize)
	require.NoError(t, svc.StreamAudio(ctx, "p1", src))
	info, _ := svc.Call("p1")
	assert.Equal(t, "streaming", info.State)

	require.NoError(t, svc.ControlPlayback("p1", dtmf.Pause()))
	assert.True(t, src.Paused())
	require.NoError(t, svc.ControlPlayback("p1", dtmf.Pause()))
	assert.False(t, src.Paused())

	require.NoError(t, svc.ControlPlayback("p1", dtmf.FastForward(1)))
	assert.Equal(t, 50, src.Position())
	require.NoError(t, svc.ControlPlayback("p1", dtmf.Rewind(30)))
	assert.Equal(t, 0, src.Position())

	assert.ErrorIs(t, svc.ControlPlayback("p1", dtmf.Unknown("7")), types.ErrUnsupported)

	require.NoError(t, svc.ControlPlayback("p1", dtmf.Stop()))
	info, _ = svc.Call("p1")
	assert.Equal(t, "answered", info.State)
	_, err = src.ReadFrame(ctx)
	assert.ErrorIs(t, err, audio.ErrSourceClosed)

	assert.ErrorIs(t, svc.ControlPlayback("p1", dtmf.Pause()), types.ErrInvalidTransition)
	assert.Equal(t, []string{"answer p1", "start_stream p1", "stop_stream p1"}, carrier.ops())
}

func TestVoiceConversationReplacesPlayback(t *testing.T) {
	carrier := newFakeCarrier(types.ProviderTelnyx)
	dialer := &fakeDialer{}
	svc := startService(t, carrier, dialer)
	events, unsubscribe := svc.Subscribe(8)
	defer unsubscribe()
	ctx := context.Background()

	webhook(t, svc, `{"type":"call.initiated","call_id":"v1","from":"+1","to":"+2"}`)
	require.NoError(t, svc.AnswerCall(ctx, "v1"))

	src := audio.NewBufferSource(make([]byte, audio.FrameSize*10), audio.FrameSize)
	require.NoError(t, svc.StreamAudio(ctx, "v1", src))
	vs, err := svc.StartVoiceConversation(ctx, "v1", voice.Options{})
	require.NoError(t, err)

	_, err = src.ReadFrame(ctx)
	assert.ErrorIs(t, err, audio.ErrSourceClosed, "被替换的播放源应已关闭")

	dialer.last().events <- voice.BackendEvent{Type: voice.BackendTranscript, Text: "你好", Final: true}
	got := next[VoiceEvent](t, events)
	assert.Equal(t, "v1", got.CallID)
	assert.Equal(t, voice.EventTranscript, got.Event.Type)
	assert.Equal(t, "你好", got.Event.Text)

	assert.ErrorIs(t, svc.ControlPlayback("v1", dtmf.Pause()), types.ErrInvalidTransition)
	assert.Equal(t, []string{"answer v1", "start_stream v1"}, carrier.ops(), "媒体流只开启一次")

	current, err := svc.Voice("v1")
	require.NoError(t, err)
	assert.Same(t, vs, current)

	require.NoError(t, svc.StopAudio(ctx, "v1"))
	assert.True(t, vs.Closed())
	_, err = svc.Voice("v1")
	assert.ErrorIs(t, err, types.ErrInvalidTransition)
}

func TestOutboundCallRemoteEvents(t *testing.T) {
	carrier := newFakeCarrier(types.ProviderTelnyx)
	svc := startService(t, carrier, nil)
	events, unsubscribe := svc.Subscribe(8)
	defer unsubscribe()

	info, err := svc.InitiateCall(context.Background(), "+15550002222", types.CallOptions{From: "+15550001111"})
	require.NoError(t, err)
	assert.Equal(t, "out-1", info.CallID)
	assert.Equal(t, "dialing", info.State)
	assert.Equal(t, types.DirectionOutbound, info.Direction)

	webhook(t, svc, `{"type":"call.answered","call_id":"out-1","direction":"outgoing"}`)
	answered := next[CallAnswered](t, events)
	assert.Equal(t, types.DirectionOutbound, answered.Direction)

	// 重复的应答事件为空操作
	webhook(t, svc, `{"type":"call.answered","call_id":"out-1","direction":"outgoing"}`)

	webhook(t, svc, `{"type":"call.hangup","call_id":"out-1","hangup_cause":"normal_clearing"}`)
	ended := next[CallEnded](t, events)
	assert.Equal(t, types.CallStateEnded, ended.State)
	assert.Equal(t, "normal_clearing", ended.Cause)

	// 结束后的事件不报错
	webhook(t, svc, `{"type":"call.hangup","call_id":"out-1","hangup_cause":"normal_clearing"}`)
	webhook(t, svc, `{"type":"call.hangup","call_id":"unknown","hangup_cause":"normal_clearing"}`)
}

func TestRemoteFailure(t *testing.T) {
	svc := startService(t, newFakeCarrier(types.ProviderTelnyx), nil)
	events, unsubscribe := svc.Subscribe(8)
	defer unsubscribe()

	_, err := svc.InitiateCall(context.Background(), "+15550002222", types.CallOptions{})
	require.NoError(t, err)

	webhook(t, svc, `{"type":"call.hangup","call_id":"out-1","hangup_cause":"user_busy"}`)
	ended := next[CallEnded](t, events)
	assert.Equal(t, types.CallStateFailed, ended.State)
	var pe *types.ProviderError
	require.ErrorAs(t, ended.Failure, &pe)
	assert.Equal(t, "user_busy", pe.Code)
	assert.False(t, pe.Retryable)
}

func TestAnswerProviderErrors(t *testing.T) {
	carrier := newFakeCarrier(types.ProviderTelnyx)
	svc := startService(t, carrier, nil)
	events, unsubscribe := svc.Subscribe(8)
	defer unsubscribe()
	ctx := context.Background()

	webhook(t, svc, `{"type":"call.initiated","call_id":"e1","from":"+1","to":"+2"}`)

	carrier.mu.Lock()
	carrier.answerErr = &types.ProviderError{Provider: types.ProviderTelnyx, Op: "answer", Status: 503, Retryable: true}
	carrier.mu.Unlock()
	err := svc.AnswerCall(ctx, "e1")
	assert.True(t, types.IsRetryable(err))
	info, _ := svc.Call("e1")
	assert.Equal(t, "ringing", info.State)

	carrier.mu.Lock()
	carrier.answerErr = &types.ProviderError{Provider: types.ProviderTelnyx, Op: "answer", Status: 422, Code: "90018"}
	carrier.mu.Unlock()
	err = svc.AnswerCall(ctx, "e1")
	assert.False(t, types.IsRetryable(err))

	ended := next[CallEnded](t, events)
	assert.Equal(t, types.CallStateFailed, ended.State)
	assert.Equal(t, "answer_failed", ended.Cause)
	info, _ = svc.Call("e1")
	assert.Equal(t, "failed", info.State)
	assert.NotEmpty(t, info.Failure)
}

func TestUnrecognizedWebhook(t *testing.T) {
	svc := startService(t, newFakeCarrier(types.ProviderTelnyx), nil)

	_, err := svc.HandleWebhook(context.Background(), types.ProviderTelnyx, []byte(`{"type":"call.teleported"}`))
	assert.ErrorIs(t, err, types.ErrUnrecognizedPayload)
	_, err = svc.HandleWebhook(context.Background(), types.ProviderTelnyx, []byte(`not json`))
	assert.ErrorIs(t, err, types.ErrUnrecognizedPayload)
	_, err = svc.HandleWebhook(context.Background(), types.ProviderTwilio, []byte(`CallSid=CA1&CallStatus=ringing`))
	assert.ErrorIs(t, err, types.ErrUnrecognizedPayload)

	// 错误载荷不影响后续事件
	webhook(t, svc, `{"type":"call.initiated","call_id":"ok","from":"+1","to":"+2"}`)
	_, err = svc.Call("ok")
	assert.NoError(t, err)
}

func TestCarrierEventStreamKeepsCallOrder(t *testing.T) {
	carrier := newFakeCarrier(types.ProviderFreeSWITCH)
	carrier.events = make(chan []byte, 8)
	svc := startService(t, carrier, nil)
	events, unsubscribe := svc.Subscribe(8)
	defer unsubscribe()

	carrier.events <- []byte("Event-Name: CHANNEL_CREATE\nUnique-ID: fs-1\nCall-Direction: inbound\nCaller-Caller-ID-Number: 1000\nCaller-Destination-Number: 1001\n\n")
	carrier.events <- []byte("Event-Name: CHANNEL_ANSWER\nUnique-ID: fs-1\nCall-Direction: inbound\n\n")
	carrier.events <- []byte("garbage without a name\n\n")
	carrier.events <- []byte("Event-Name: CHANNEL_HANGUP\nUnique-ID: fs-1\nHangup-Cause: NORMAL_CLEARING\n\n")

	received := next[CallReceived](t, events)
	assert.Equal(t, "fs-1", received.Call.CallID)
	assert.Equal(t, "1000", received.Call.From)
	next[CallAnswered](t, events)
	ended := next[CallEnded](t, events)
	assert.Equal(t, "NORMAL_CLEARING", ended.Cause)
}

func TestMessages(t *testing.T) {
	carrier := newFakeCarrier(types.ProviderTelnyx)
	svc := startService(t, carrier, nil)
	events, unsubscribe := svc.Subscribe(8)
	defer unsubscribe()
	ctx := context.Background()

	res, err := svc.SendSMS(ctx, "+15550002222", "hello")
	require.NoError(t, err)
	assert.Equal(t, "msg-1", res.ID)
	_, err = svc.SendMMS(ctx, "+15550002222", "pic", "https://cdn.example.com/a.png")
	require.NoError(t, err)
	_, err = svc.SendMMS(ctx, "+15550002222", "pic", "")
	assert.Error(t, err)
	assert.Equal(t, []string{"sms +15550002222", "mms +15550002222"}, carrier.ops())

	webhook(t, svc, `{"type":"message.received","id":"m1","from":"+1","to":"+2","text":"hi"}`)
	sms := next[SmsReceived](t, events)
	assert.Equal(t, "hi", sms.Message.Body)
	assert.False(t, sms.MMS)

	webhook(t, svc, `{"type":"message.finalized","id":"m2","status":"delivered"}`)
	status := next[MessageStatus](t, events)
	assert.Equal(t, types.KindSmsDelivered, status.Kind)
	assert.Equal(t, "m2", status.Delivery.MessageID)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	svc := startService(t, newFakeCarrier(types.ProviderTelnyx), nil)
	slow, unsubscribeSlow := svc.Subscribe(1)
	defer unsubscribeSlow()
	fast, unsubscribeFast := svc.Subscribe(8)
	defer unsubscribeFast()

	webhook(t, svc, `{"type":"call.initiated","call_id":"s1","from":"+1","to":"+2"}`)
	webhook(t, svc, `{"type":"call.initiated","call_id":"s2","from":"+1","to":"+2"}`)

	assert.Equal(t, "s1", next[CallReceived](t, fast).Call.CallID)
	assert.Equal(t, "s2", next[CallReceived](t, fast).Call.CallID)
	assert.Equal(t, "s1", next[CallReceived](t, slow).Call.CallID)
	select {
	case ev := <-slow:
		t.Fatalf("缓冲已满的订阅者不应收到后续事件: %#v", ev)
	default:
	}
}

func TestStopEndsCalls(t *testing.T) {
	carrier := newFakeCarrier(types.ProviderTelnyx)
	svc := New(Config{Media: mediaConfigForTest()}, carrier, nil, zap.NewNop(), nil)
	require.NoError(t, svc.Start(context.Background()))
	events, unsubscribe := svc.Subscribe(8)
	defer unsubscribe()

	webhook(t, svc, `{"type":"call.initiated","call_id":"x1","from":"+1","to":"+2"}`)
	require.NoError(t, svc.Stop(context.Background()))

	info, err := svc.Call("x1")
	require.NoError(t, err)
	assert.Equal(t, "ended", info.State)
	assert.Equal(t, "shutdown", info.Cause)
	assert.True(t, carrier.closed)

	var kinds []string
	for ev := range events {
		kinds = append(kinds, EventName(ev))
	}
	assert.Equal(t, []string{"call_received", "call_ended"}, kinds)

	_, err = svc.HandleWebhook(context.Background(), types.ProviderTelnyx, []byte(`{"type":"call.initiated","call_id":"x2","from":"+1","to":"+2"}`))
	assert.True(t, errors.Is(err, errServiceStopped), "%v", err)
	assert.Zero(t, svc.ActiveCalls())
}

func TestHangupCancelsStreamStart(t *testing.T) {
	carrier := newFakeCarrier(types.ProviderTelnyx)
	carrier.streamHold = make(chan struct{})
	carrier.streamEntered = make(chan struct{})
	carrier.streamErr = make(chan error, 1)
	svc := startService(t, carrier, nil)
	ctx := context.Background()

	webhook(t, svc, `{"type":"call.initiated","call_id":"abc","from":"+1","to":"+2"}`)
	require.NoError(t, svc.AnswerCall(ctx, "abc"))

	src := audio.NewBufferSource(make([]byte, audio.FrameSize*10), audio.FrameSize)
	done := make(chan error, 1)
	go func() { done <- svc.StreamAudio(ctx, "abc", src) }()
	<-carrier.streamEntered
	info, _ := svc.Call("abc")
	assert.Equal(t, "attachPlayback", info.Pending)

	require.NoError(t, svc.Hangup(ctx, "abc"))
	assert.ErrorIs(t, <-carrier.streamErr, context.Canceled)
	assert.ErrorIs(t, <-done, types.ErrSessionTerminated)

	info, _ = svc.Call("abc")
	assert.Equal(t, "ended", info.State)
	assert.Empty(t, info.Pending)
	_, err := src.ReadFrame(ctx)
	assert.ErrorIs(t, err, audio.ErrSourceClosed)

	svc.streamMu.Lock()
	assert.Empty(t, svc.streaming)
	svc.streamMu.Unlock()
}
