package codec

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"testing"
)

// 生成带渐变和色块的测试图，避免纯色图掩盖编码问题
func makeTestImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8(x * 255 / w),
				G: uint8(y * 255 / h),
				B: uint8((x + y) % 256),
				A: 255,
			})
		}
	}
	return img
}

func TestEncodeDeterministic(t *testing.T) {
	img := makeTestImage(64, 48)
	for _, format := range []Format{FormatJPEG, FormatPNG} {
		first, err := Encode(img, format, DefaultQuality)
		if err != nil {
			t.Fatalf("%s: Encode failed: %v", format, err)
		}
		second, err := Encode(img, format, DefaultQuality)
		if err != nil {
			t.Fatalf("%s: Encode failed: %v", format, err)
		}
		if !bytes.Equal(first, second) {
			t.Errorf("%s: 相同输入两次编码结果不一致", format)
		}
	}
}

func TestPNGRoundTripLossless(t *testing.T) {
	img := makeTestImage(32, 32)
	data, err := Encode(img, FormatPNG, 0)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decoded, format, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if format != FormatPNG {
		t.Fatalf("期望格式=%s 实际=%s", FormatPNG, format)
	}

	bounds := img.Bounds()
	if decoded.Bounds() != bounds {
		t.Fatalf("期望尺寸=%v 实际=%v", bounds, decoded.Bounds())
	}
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			wr, wg, wb, wa := img.At(x, y).RGBA()
			gr, gg, gb, ga := decoded.At(x, y).RGBA()
			if wr != gr || wg != gg || wb != gb || wa != ga {
				t.Fatalf("像素(%d,%d)往返后不一致", x, y)
			}
		}
	}
}

func TestJPEGRoundTripBoundedError(t *testing.T) {
	img := makeTestImage(64, 64)
	data, err := Encode(img, FormatJPEG, 90)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decoded, format, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if format != FormatJPEG {
		t.Fatalf("期望格式=%s 实际=%s", FormatJPEG, format)
	}

	// 高质量下逐像素误差应当有界
	const maxDelta = 48
	bounds := img.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			wr, wg, wb, _ := img.At(x, y).RGBA()
			gr, gg, gb, _ := decoded.At(x, y).RGBA()
			for _, d := range []int64{
				int64(wr>>8) - int64(gr>>8),
				int64(wg>>8) - int64(gg>>8),
				int64(wb>>8) - int64(gb>>8),
			} {
				if d < -maxDelta || d > maxDelta {
					t.Fatalf("像素(%d,%d)误差=%d 超出上限%d", x, y, d, maxDelta)
				}
			}
		}
	}
}

func TestDecodeCorruptData(t *testing.T) {
	tests := [][]byte{
		nil,
		{0x00, 0x01, 0x02},
		bytes.Repeat([]byte{0xFF}, 128),
	}
	for i, data := range tests {
		if _, _, err := Decode(data); !errors.Is(err, ErrDecode) {
			t.Errorf("case %d: 期望 ErrDecode 实际=%v", i, err)
		}
	}
}

func TestEncodeUnsupportedFormat(t *testing.T) {
	if _, err := Encode(makeTestImage(8, 8), Format(9), DefaultQuality); err == nil {
		t.Error("期望不支持的格式报错，实际为nil")
	}
}
