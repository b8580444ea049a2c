package normalize

import (
	"bytes"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"ai_telco_bridge/internal/types"
)

// FreeSWITCH 事件来自 ESL，支持 `event json` 与 `event plain` 两种格式。
// plain 格式的头部值经过 URL 编码，解码后用于提取字段，Raw 保留原值；
// 消息体放在空行之后，统一存入 _body。
type FreeSWITCH struct {
	clock Clock
}

// NewFreeSWITCH 创建 FreeSWITCH 转换器
func NewFreeSWITCH(clock Clock) *FreeSWITCH {
	return &FreeSWITCH{clock: clock}
}

// Provider 返回运营商标识
func (n *FreeSWITCH) Provider() types.Provider { return types.ProviderFreeSWITCH }

// callIDFields 通话ID候选字段，按优先级排列
var callIDFields = []string{
	"Unique-ID",
	"Channel-Call-UUID",
	"variable_call_uuid",
	"Other-Leg-Unique-ID",
	"Bridge-A-Unique-ID",
	"Bridge-B-Unique-ID",
}

var freeswitchFailureCauses = map[string]bool{
	"USER_BUSY":                true,
	"NO_ANSWER":                true,
	"NO_USER_RESPONSE":         true,
	"CALL_REJECTED":            true,
	"UNALLOCATED_NUMBER":       true,
	"NO_ROUTE_DESTINATION":     true,
	"NORMAL_TEMPORARY_FAILURE": true,
}

// Normalize 转换 FreeSWITCH 事件
func (n *FreeSWITCH) Normalize(body []byte) (types.NormalizedEvent, error) {
	raw, fields, err := parseESLEvent(body)
	if err != nil {
		return types.NormalizedEvent{}, unrecognized(n.Provider(), err.Error())
	}
	name := stringField(fields, "Event-Name")
	if name == "" {
		return types.NormalizedEvent{}, unrecognized(n.Provider(), "缺少 Event-Name")
	}

	at := n.clock().UTC()
	if us, err := strconv.ParseInt(stringField(fields, "Event-Date-Timestamp"), 10, 64); err == nil && us > 0 {
		at = time.UnixMicro(us).UTC()
	}
	callID := stringField(fields, callIDFields...)

	if name == "MESSAGE" {
		return n.message(fields, raw, at)
	}
	if callID == "" {
		return types.NormalizedEvent{}, unrecognized(n.Provider(), name+" 缺少通话ID")
	}

	switch name {
	case "CHANNEL_CREATE", "CHANNEL_ANSWER":
		cp := types.CallPayload{
			CallID: callID,
			From:   stringField(fields, "Caller-Caller-ID-Number", "Caller-ANI", "variable_origination_caller_id_number"),
			To:     stringField(fields, "Caller-Destination-Number", "variable_dialed_number"),
		}
		cp.Direction = types.DirectionOutbound
		if stringField(fields, "Call-Direction", "Caller-Direction") == "inbound" {
			cp.Direction = types.DirectionInbound
		}
		if name == "CHANNEL_ANSWER" {
			return types.NewEvent(types.KindCallAnswered, n.Provider(), at, cp, raw), nil
		}
		if cp.Direction != types.DirectionInbound {
			return types.NormalizedEvent{}, unrecognized(n.Provider(), "外呼通道的 CHANNEL_CREATE 不对应任何事件")
		}
		return types.NewEvent(types.KindCallInbound, n.Provider(), at, cp, raw), nil

	case "CHANNEL_HANGUP", "CHANNEL_HANGUP_COMPLETE":
		cause := stringField(fields, "Hangup-Cause", "variable_hangup_cause")
		kind := types.KindCallHangup
		if freeswitchFailureCauses[cause] {
			kind = types.KindCallFailed
		}
		return types.NewEvent(kind, n.Provider(), at, types.HangupPayload{CallID: callID, Cause: cause}, raw), nil

	case "DTMF":
		digit := stringField(fields, "DTMF-Digit")
		if digit == "" {
			return types.NormalizedEvent{}, unrecognized(n.Provider(), "DTMF 缺少 DTMF-Digit")
		}
		return types.NewEvent(types.KindDtmfReceived, n.Provider(), at, types.DtmfPayload{CallID: callID, Digit: digit}, raw), nil

	case "CUSTOM":
		sp := types.StreamPayload{CallID: callID, StreamID: stringField(fields, "Stream-ID", "variable_stream_id")}
		switch sub := stringField(fields, "Event-Subclass"); sub {
		case "mod_audio_stream::connect":
			return types.NewEvent(types.KindMediaStreamStarted, n.Provider(), at, sp, raw), nil
		case "mod_audio_stream::disconnect", "mod_audio_stream::error":
			return types.NewEvent(types.KindMediaStreamStopped, n.Provider(), at, sp, raw), nil
		default:
			return types.NormalizedEvent{}, unrecognized(n.Provider(), fmt.Sprintf("不支持的 CUSTOM 子类 %q", sub))
		}
	}
	return types.NormalizedEvent{}, unrecognized(n.Provider(), fmt.Sprintf("不支持的事件 %q", name))
}

func (n *FreeSWITCH) message(fields, raw map[string]any, at time.Time) (types.NormalizedEvent, error) {
	id := stringField(fields, "Message-ID", "Event-UUID")
	if id == "" {
		return types.NormalizedEvent{}, unrecognized(n.Provider(), "MESSAGE 缺少消息ID")
	}
	return types.NewEvent(types.KindSmsInbound, n.Provider(), at, types.MessagePayload{
		MessageID: id,
		From:      stringField(fields, "from_user", "from"),
		To:        stringField(fields, "to_user", "to"),
		Body:      stringField(fields, "_body"),
	}, raw), nil
}

// parseESLEvent 解析 JSON 或 plain 格式的事件，返回原始头部与解码后的字段
func parseESLEvent(body []byte) (raw, fields map[string]any, err error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil, fmt.Errorf("空载荷")
	}
	if trimmed[0] == '{' {
		raw, err = decodeJSONObject(trimmed)
		return raw, raw, err
	}

	raw = make(map[string]any)
	fields = make(map[string]any)
	text := strings.ReplaceAll(string(body), "\r\n", "\n")
	head, rest, hasBody := strings.Cut(text, "\n\n")
	for _, line := range strings.Split(head, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		idx := strings.Index(line, ": ")
		if idx <= 0 {
			return nil, nil, fmt.Errorf("无效的头部行 %q", line)
		}
		key, value := line[:idx], line[idx+2:]
		raw[key] = value
		if decoded, err := url.PathUnescape(value); err == nil {
			value = decoded
		}
		fields[key] = value
	}
	if len(raw) == 0 {
		return nil, nil, fmt.Errorf("没有事件头部")
	}
	if hasBody && strings.TrimSpace(rest) != "" {
		b := strings.TrimRight(rest, "\n")
		raw["_body"] = b
		fields["_body"] = b
	}
	return raw, fields, nil
}
