package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ai_telco_bridge/internal/metrics"
	"ai_telco_bridge/internal/types"
)

type capturedRequest struct {
	Method string
	Path   string
	Header http.Header
	Form   url.Values
	JSON   map[string]any
}

type apiServer struct {
	*httptest.Server
	mu       sync.Mutex
	requests []capturedRequest
	status   int
	response string
}

func newAPIServer(t *testing.T, status int, response string) *apiServer {
	s := &apiServer{status: status, response: response}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		req := capturedRequest{Method: r.Method, Path: r.URL.Path, Header: r.Header.Clone()}
		if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
			_ = json.Unmarshal(body, &req.JSON)
		} else {
			req.Form, _ = url.ParseQuery(string(body))
		}
		s.mu.Lock()
		s.requests = append(s.requests, req)
		status, response := s.status, s.response
		s.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, response)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *apiServer) last(t *testing.T) capturedRequest {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.requests)
	return s.requests[len(s.requests)-1]
}

func (s *apiServer) respond(status int, response string) {
	s.mu.Lock()
	s.status, s.response = status, response
	s.mu.Unlock()
}

func testOptions() Options {
	return Options{
		FromNumber:        "+15550001111",
		MediaStreamURL:    "wss://bridge.example.com/media/",
		StatusCallbackURL: "https://bridge.example.com/webhooks/status",
		RequestTimeout:    2 * time.Second,
	}
}

func TestTwilioSendMessage(t *testing.T) {
	srv := newAPIServer(t, http.StatusCreated, `{"sid":"SM123","status":"queued"}`)
	tw, err := NewTwilio(TwilioConfig{AccountSID: "AC1", AuthToken: "secret", BaseURL: srv.URL}, testOptions(), zap.NewNop(), nil)
	require.NoError(t, err)

	res, err := tw.SendMessage(context.Background(), "+15559998888", "你好", "https://cdn.example.com/a.png")
	require.NoError(t, err)
	assert.Equal(t, types.MessageResult{ID: "SM123", Status: "queued"}, res)

	req := srv.last(t)
	assert.Equal(t, "/Accounts/AC1/Messages.json", req.Path)
	assert.Equal(t, "+15559998888", req.Form.Get("To"))
	assert.Equal(t, "+15550001111", req.Form.Get("From"))
	assert.Equal(t, "你好", req.Form.Get("Body"))
	assert.Equal(t, "https://cdn.example.com/a.png", req.Form.Get("MediaUrl"))
	user, pass, ok := (&http.Request{Header: req.Header}).BasicAuth()
	require.True(t, ok)
	assert.Equal(t, "AC1", user)
	assert.Equal(t, "secret", pass)
}

func TestTwilioCallControl(t *testing.T) {
	srv := newAPIServer(t, http.StatusCreated, `{"sid":"CA9","status":"queued"}`)
	tw, err := NewTwilio(TwilioConfig{AccountSID: "AC1", AuthToken: "secret", BaseURL: srv.URL}, testOptions(), zap.NewNop(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	id, err := tw.Dial(ctx, "+15552223333", types.CallOptions{Timeout: 25 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "CA9", id)
	req := srv.last(t)
	assert.Equal(t, "/Accounts/AC1/Calls.json", req.Path)
	assert.Equal(t, "25", req.Form.Get("Timeout"))
	assert.Equal(t, holdTwiML, req.Form.Get("Twiml"))
	assert.Equal(t, []string{"initiated", "ringing", "answered", "completed"}, req.Form["StatusCallbackEvent"])

	require.NoError(t, tw.StartStream(ctx, "CA9"))
	req = srv.last(t)
	assert.Equal(t, "/Accounts/AC1/Calls/CA9.json", req.Path)
	assert.Contains(t, req.Form.Get("Twiml"), `<Stream url="wss://bridge.example.com/media/CA9">`)

	require.NoError(t, tw.Hangup(ctx, "CA9"))
	assert.Equal(t, "completed", srv.last(t).Form.Get("Status"))
}

func TestTwilioWebhookReply(t *testing.T) {
	tw, err := NewTwilio(TwilioConfig{AccountSID: "AC1", AuthToken: "secret"}, testOptions(), zap.NewNop(), nil)
	require.NoError(t, err)

	ct, body := tw.WebhookReply(types.NewEvent(types.KindCallInbound, types.ProviderTwilio, time.Now(), types.CallPayload{CallID: "CA1"}, nil))
	assert.Equal(t, "text/xml", ct)
	assert.Contains(t, string(body), "<Pause")

	_, body = tw.WebhookReply(types.NewEvent(types.KindSmsInbound, types.ProviderTwilio, time.Now(), types.MessagePayload{MessageID: "SM1"}, nil))
	assert.NotContains(t, string(body), "<Pause")
}

func TestTwilioErrors(t *testing.T) {
	srv := newAPIServer(t, http.StatusBadRequest, `{"code":21211,"message":"Invalid 'To' Phone Number","status":400}`)
	collector := metrics.NewCollector("test", zap.NewNop())
	tw, err := NewTwilio(TwilioConfig{AccountSID: "AC1", AuthToken: "secret", BaseURL: srv.URL}, testOptions(), zap.NewNop(), collector)
	require.NoError(t, err)

	_, err = tw.SendMessage(context.Background(), "bad", "x", "")
	var pe *types.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, types.ProviderTwilio, pe.Provider)
	assert.Equal(t, "send_message", pe.Op)
	assert.Equal(t, "21211", pe.Code)
	assert.Equal(t, http.StatusBadRequest, pe.Status)
	assert.False(t, types.IsRetryable(err))

	srv.respond(http.StatusTooManyRequests, `{"code":20429,"message":"Too Many Requests"}`)
	_, err = tw.Dial(context.Background(), "+1555", types.CallOptions{})
	assert.True(t, types.IsRetryable(err))

	srv.respond(http.StatusBadGateway, `upstream down`)
	err = tw.Hangup(context.Background(), "CA1")
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "upstream down", pe.Message)
	assert.True(t, pe.Retryable)

	_, err = NewTwilio(TwilioConfig{}, testOptions(), zap.NewNop(), nil)
	assert.Error(t, err)
}

func TestTelnyxCallControl(t *testing.T) {
	srv := newAPIServer(t, http.StatusOK, `{"data":{"call_control_id":"v3:abc","id":"msg-1","to":[{"status":"queued"}]}}`)
	tx, err := NewTelnyx(TelnyxConfig{APIKey: "KEY", ConnectionID: "conn-1", BaseURL: srv.URL}, testOptions(), zap.NewNop(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	id, err := tx.Dial(ctx, "+15552223333", types.CallOptions{From: "+15554440000"})
	require.NoError(t, err)
	assert.Equal(t, "v3:abc", id)
	req := srv.last(t)
	assert.Equal(t, "/calls", req.Path)
	assert.Equal(t, "Bearer KEY", req.Header.Get("Authorization"))
	assert.Equal(t, "conn-1", req.JSON["connection_id"])
	assert.Equal(t, "+15554440000", req.JSON["from"])

	require.NoError(t, tx.Answer(ctx, "v3:abc"))
	assert.Equal(t, "/calls/v3:abc/actions/answer", srv.last(t).Path)

	require.NoError(t, tx.StartStream(ctx, "v3:abc"))
	req = srv.last(t)
	assert.Equal(t, "/calls/v3:abc/actions/streaming_start", req.Path)
	assert.Equal(t, "wss://bridge.example.com/media/v3:abc", req.JSON["stream_url"])

	require.NoError(t, tx.Hangup(ctx, "v3:abc"))
	assert.Equal(t, "/calls/v3:abc/actions/hangup", srv.last(t).Path)

	res, err := tx.SendMessage(ctx, "+15559998888", "hi", "")
	require.NoError(t, err)
	assert.Equal(t, types.MessageResult{ID: "msg-1", Status: "queued"}, res)
	assert.Equal(t, "/messages", srv.last(t).Path)
	_, hasMedia := srv.last(t).JSON["media_urls"]
	assert.False(t, hasMedia)
}

func TestTelnyxErrors(t *testing.T) {
	srv := newAPIServer(t, http.StatusUnprocessableEntity, `{"errors":[{"code":"90018","title":"Call has already ended","detail":"This call is no longer active"}]}`)
	tx, err := NewTelnyx(TelnyxConfig{APIKey: "KEY", BaseURL: srv.URL}, testOptions(), zap.NewNop(), nil)
	require.NoError(t, err)

	err = tx.Answer(context.Background(), "v3:gone")
	var pe *types.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "90018", pe.Code)
	assert.Equal(t, "Call has already ended: This call is no longer active", pe.Message)
	assert.False(t, pe.Retryable)

	srv.respond(http.StatusServiceUnavailable, `{"errors":[{"code":"10011","title":"Service unavailable"}]}`)
	err = tx.Hangup(context.Background(), "v3:x")
	assert.True(t, types.IsRetryable(err))
}

func TestNetworkErrorsAreRetryable(t *testing.T) {
	srv := newAPIServer(t, http.StatusOK, `{}`)
	addr := srv.URL
	srv.Close()

	tx, err := NewTelnyx(TelnyxConfig{APIKey: "KEY", BaseURL: addr}, testOptions(), zap.NewNop(), nil)
	require.NoError(t, err)
	err = tx.Hangup(context.Background(), "v3:x")
	assert.True(t, types.IsRetryable(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = tx.Hangup(ctx, "v3:x")
	assert.False(t, types.IsRetryable(err))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestNewSelectsCarrier(t *testing.T) {
	carrier, err := New(Config{Name: types.ProviderTelnyx, Telnyx: TelnyxConfig{APIKey: "k"}}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, types.ProviderTelnyx, carrier.Name())
	assert.Nil(t, carrier.Events())

	carrier, err = New(Config{Name: types.ProviderFreeSWITCH}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, types.ProviderFreeSWITCH, carrier.Name())
	require.NoError(t, carrier.Close())

	_, err = New(Config{Name: "vonage"}, nil, nil)
	assert.Error(t, err)
}
