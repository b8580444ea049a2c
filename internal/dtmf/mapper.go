// Package dtmf 将通话中的按键信号映射为播放控制动作
package dtmf

// ActionType 播放控制动作类型
type ActionType string

const (
	ActionRewind      ActionType = "rewind"
	ActionFastForward ActionType = "fastForward"
	ActionPause       ActionType = "pause"
	ActionResume      ActionType = "resume"
	ActionStop        ActionType = "stop"
	ActionUnknown     ActionType = "unknown"
)

// PlaybackAction 播放控制动作
//
// Seconds 仅对快退/快进有效；Raw 仅对 unknown 有效，保存原始信号。
type PlaybackAction struct {
	Type    ActionType `json:"type"`
	Seconds int        `json:"seconds,omitempty"`
	Raw     string     `json:"raw,omitempty"`
}

// Rewind 快退
func Rewind(seconds int) PlaybackAction {
	return PlaybackAction{Type: ActionRewind, Seconds: seconds}
}

// FastForward 快进
func FastForward(seconds int) PlaybackAction {
	return PlaybackAction{Type: ActionFastForward, Seconds: seconds}
}

// Pause 暂停
func Pause() PlaybackAction { return PlaybackAction{Type: ActionPause} }

// Resume 继续
func Resume() PlaybackAction { return PlaybackAction{Type: ActionResume} }

// Stop 停止
func Stop() PlaybackAction { return PlaybackAction{Type: ActionStop} }

// Unknown 未识别信号，原样保留
func Unknown(signal string) PlaybackAction {
	return PlaybackAction{Type: ActionUnknown, Raw: signal}
}

// Table 信号到动作的映射表
type Table map[string]PlaybackAction

// DefaultTable 默认按键表。5 始终映射为 pause，暂停/继续的切换由持有播放状态的一方决定。
func DefaultTable() Table {
	return Table{
		"1": Rewind(30),
		"3": FastForward(30),
		"5": Pause(),
		"0": Stop(),
	}
}

// Mapper 无状态的按键映射器
type Mapper struct {
	table Table
}

// NewMapper 创建映射器，table 为 nil 时使用默认表
func NewMapper(table Table) *Mapper {
	if table == nil {
		table = DefaultTable()
	}
	copied := make(Table, len(table))
	for k, v := range table {
		copied[k] = v
	}
	return &Mapper{table: copied}
}

// Map 映射信号，表外的任何输入都返回 unknown
func (m *Mapper) Map(signal string) PlaybackAction {
	if action, ok := m.table[signal]; ok {
		return action
	}
	return Unknown(signal)
}

var defaultMapper = NewMapper(nil)

// Map 使用默认表映射信号
func Map(signal string) PlaybackAction {
	return defaultMapper.Map(signal)
}
