// Package audio 提供向通话播放的音频源
//
// 音频统一为 8kHz μ-law，每帧 20ms。
package audio

import (
	"context"
	"errors"
	"io"
	"sync"
)

// FrameSize 20ms μ-law 帧字节数
const FrameSize = 160

// silence μ-law 静音字节
const silence = 0xff

// ErrSourceClosed 音频源已关闭
var ErrSourceClosed = errors.New("音频源已关闭")

// Source 播放音频源
//
// ReadFrame 返回下一帧，播放结束时返回 io.EOF。
type Source interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	Close() error
}

// Controller 支持播放控制的音频源
type Controller interface {
	Seek(frames int)
	Pause()
	Resume()
	Paused() bool
}

// BufferSource 内存音频源
type BufferSource struct {
	mu        sync.Mutex
	frames    [][]byte
	pos       int
	closed    bool
	paused    bool
	frameSize int
}

// NewBufferSource 将音频切分为固定大小的帧，最后一帧以静音补齐
func NewBufferSource(data []byte, frameSize int) *BufferSource {
	if frameSize <= 0 {
		frameSize = FrameSize
	}
	frames := make([][]byte, 0, (len(data)+frameSize-1)/frameSize)
	for off := 0; off < len(data); off += frameSize {
		frame := make([]byte, frameSize)
		n := copy(frame, data[off:])
		for i := n; i < frameSize; i++ {
			frame[i] = silence
		}
		frames = append(frames, frame)
	}
	return &BufferSource{frames: frames, frameSize: frameSize}
}

// ReadFrame 读取下一帧，暂停期间返回静音帧且不推进位置
func (s *BufferSource) ReadFrame(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSourceClosed
	}
	if s.paused {
		return s.silenceFrame(), nil
	}
	if s.pos >= len(s.frames) {
		return nil, io.EOF
	}
	frame := s.frames[s.pos]
	s.pos++
	return frame, nil
}

// Seek 以帧为单位前后移动播放位置，超出范围时截断到首尾
func (s *BufferSource) Seek(frames int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pos += frames
	if s.pos < 0 {
		s.pos = 0
	}
	if s.pos > len(s.frames) {
		s.pos = len(s.frames)
	}
}

// Pause 暂停
func (s *BufferSource) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Resume 继续
func (s *BufferSource) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
}

// Paused 是否暂停中
func (s *BufferSource) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Position 当前帧位置
func (s *BufferSource) Position() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

func (s *BufferSource) silenceFrame() []byte {
	frame := make([]byte, s.frameSize)
	for i := range frame {
		frame[i] = silence
	}
	return frame
}

// Len 总帧数
func (s *BufferSource) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// Close 关闭音频源
func (s *BufferSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
