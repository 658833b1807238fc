// Package codec 实现了屏幕帧的图像压缩与解压
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"

	"github.com/klauspost/compress/zlib"
)

// Format 标识帧使用的图像编码格式。该值写入帧头（1字节），
// 属于协议常量，修改会破坏线路兼容性。
type Format byte

const (
	// FormatJPEG 有损编码，质量可调，用于常规屏幕流
	FormatJPEG Format = 1
	// FormatPNG 无损编码，用于要求逐像素还原的场景
	FormatPNG Format = 2
)

// String 返回格式的可读名称
func (f Format) String() string {
	switch f {
	case FormatJPEG:
		return "jpeg"
	case FormatPNG:
		return "png"
	default:
		return fmt.Sprintf("unknown(%d)", byte(f))
	}
}

// DefaultQuality 默认JPEG质量，对应原始实现的quality=75
const DefaultQuality = 75

// ErrDecode 表示帧数据损坏，调用方应丢弃该帧而不是断开会话
var ErrDecode = errors.New("corrupt frame data")

// Encode 将图像编码为指定格式并经zlib压缩。
// 对固定的输入、格式和质量，输出是确定的。
func Encode(img image.Image, format Format, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}

	var pixels bytes.Buffer
	switch format {
	case FormatJPEG:
		if err := jpeg.Encode(&pixels, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	case FormatPNG:
		if err := png.Encode(&pixels, img); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported image format %s", format)
	}

	var compressed bytes.Buffer
	zw, err := zlib.NewWriterLevel(&compressed, zlib.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("init zlib writer: %w", err)
	}
	if _, err := zw.Write(pixels.Bytes()); err != nil {
		return nil, fmt.Errorf("compress frame: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("flush zlib writer: %w", err)
	}

	return compressed.Bytes(), nil
}

// Decode 解压并解码一帧图像，并返回实际的图像格式
func Decode(data []byte) (image.Image, Format, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	defer func() { _ = zr.Close() }()

	pixels, err := io.ReadAll(zr)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	img, name, err := image.Decode(bytes.NewReader(pixels))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	switch name {
	case "jpeg":
		return img, FormatJPEG, nil
	case "png":
		return img, FormatPNG, nil
	default:
		return nil, 0, fmt.Errorf("%w: unexpected image format %q", ErrDecode, name)
	}
}
