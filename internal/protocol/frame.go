package protocol

import (
	"encoding/binary"
	"fmt"
)

// 二进制帧负载的首字节标记，与JSON控制包的'{'区分
const frameMarker = 0xF7

const frameHeaderSize = 6 // 标记1字节 + 格式1字节 + 宽2字节 + 高2字节

// FramePayload 定义了屏幕帧的线路编码：
// [0xF7][格式][宽度][高度][压缩图像数据]
type FramePayload struct {
	Format byte
	Width  uint16
	Height uint16
	Data   []byte
}

// EncodeFramePayload 将帧元数据和压缩图像编码为二进制负载
func EncodeFramePayload(frame *FramePayload) []byte {
	buf := make([]byte, frameHeaderSize+len(frame.Data))
	buf[0] = frameMarker
	buf[1] = frame.Format
	binary.BigEndian.PutUint16(buf[2:4], frame.Width)
	binary.BigEndian.PutUint16(buf[4:6], frame.Height)
	copy(buf[frameHeaderSize:], frame.Data)
	return buf
}

// ParseFramePayload 解析二进制帧负载
func ParseFramePayload(raw []byte) (*FramePayload, error) {
	if len(raw) < frameHeaderSize {
		return nil, fmt.Errorf("frame header truncated (len=%d): %w", len(raw), ErrMalformedPayload)
	}
	if raw[0] != frameMarker {
		return nil, fmt.Errorf("invalid frame marker 0x%02X: %w", raw[0], ErrMalformedPayload)
	}
	frame := &FramePayload{
		Format: raw[1],
		Width:  binary.BigEndian.Uint16(raw[2:4]),
		Height: binary.BigEndian.Uint16(raw[4:6]),
		Data:   raw[frameHeaderSize:],
	}
	if frame.Width == 0 || frame.Height == 0 {
		return nil, fmt.Errorf("frame dimensions %dx%d: %w", frame.Width, frame.Height, ErrMalformedPayload)
	}
	return frame, nil
}
