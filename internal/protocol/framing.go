package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxPacketSize 单个数据包的默认上限，防止恶意长度前缀耗尽内存
const DefaultMaxPacketSize = 100 * 1024 * 1024

// 分帧层错误
var (
	ErrConnectionLost = errors.New("connection lost before full frame was read")
	ErrFrameTooLarge  = errors.New("frame exceeds maximum packet size")
)

const lengthPrefixSize = 4

// ReadFrame 读取一个完整的帧：4字节大端长度前缀 + 等长负载。
// TCP不保证消息边界，io.ReadFull会循环处理部分读取。
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	var header [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, wrapReadError(err)
	}

	size := binary.BigEndian.Uint32(header[:])
	if int(size) > maxSize {
		return nil, fmt.Errorf("declared length %d: %w", size, ErrFrameTooLarge)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, wrapReadError(err)
	}

	return payload, nil
}

// WriteFrame 写出长度前缀和负载。调用方负责写锁的串行化。
func WriteFrame(w io.Writer, payload []byte, maxSize int) error {
	if len(payload) > maxSize {
		return fmt.Errorf("payload length %d: %w", len(payload), ErrFrameTooLarge)
	}

	buf := make([]byte, lengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(buf[:lengthPrefixSize], uint32(len(payload)))
	copy(buf[lengthPrefixSize:], payload)

	total := 0
	for total < len(buf) {
		n, err := w.Write(buf[total:])
		if err != nil {
			return err
		}
		total += n
	}
	return nil
}

func wrapReadError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return err
}
