package dtmf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestMapDefaultTable(t *testing.T) {
	tests := []struct {
		signal string
		want   PlaybackAction
	}{
		{"1", PlaybackAction{Type: ActionRewind, Seconds: 30}},
		{"3", PlaybackAction{Type: ActionFastForward, Seconds: 30}},
		{"5", PlaybackAction{Type: ActionPause}},
		{"0", PlaybackAction{Type: ActionStop}},
		{"7", PlaybackAction{Type: ActionUnknown, Raw: "7"}},
		{"", PlaybackAction{Type: ActionUnknown, Raw: ""}},
		{"#", PlaybackAction{Type: ActionUnknown, Raw: "#"}},
		{"15", PlaybackAction{Type: ActionUnknown, Raw: "15"}},
	}

	for _, tt := range tests {
		t.Run(tt.signal, func(t *testing.T) {
			assert.Equal(t, tt.want, Map(tt.signal))
		})
	}
}

func TestMapPauseNeverToggles(t *testing.T) {
	for i := 0; i < 3; i++ {
		assert.Equal(t, Pause(), Map("5"))
	}
}

func TestCustomTableIsData(t *testing.T) {
	table := DefaultTable()
	table["9"] = Resume()
	m := NewMapper(table)

	assert.Equal(t, Resume(), m.Map("9"))
	// 修改传入的表不影响已创建的映射器
	table["9"] = Stop()
	assert.Equal(t, Resume(), m.Map("9"))
	// 默认映射器不受影响
	assert.Equal(t, Unknown("9"), Map("9"))
}

// TestProperty_UnknownSignals 表外的任意字符串都映射为 unknown 且原样保留
func TestProperty_UnknownSignals(t *testing.T) {
	known := DefaultTable()
	rapid.Check(t, func(rt *rapid.T) {
		signal := rapid.String().Draw(rt, "signal")
		got := Map(signal)
		if want, ok := known[signal]; ok {
			assert.Equal(rt, want, got)
			return
		}
		assert.Equal(rt, ActionUnknown, got.Type)
		assert.Equal(rt, signal, got.Raw)
	})
}
