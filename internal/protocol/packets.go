package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// 协议层错误，出现即视为协议违规，调用方应终止连接
var (
	ErrUnknownPacketType = errors.New("unknown packet type")
	ErrMalformedPayload  = errors.New("malformed packet payload")
)

// Packet 定义了解码后的数据包。控制包携带JSON负载，FRAME包携带二进制帧。
// 构造后不可变。
type Packet struct {
	Type  PacketType
	Data  json.RawMessage // 控制类数据包的负载
	Frame *FramePayload   // 仅FRAME数据包使用
}

// 控制包在线路上的JSON信封
type envelope struct {
	Type *int            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ParsePacket 解码一个完整帧的负载。首字节区分两种编码：
// '{' 为JSON控制包，frameMarker 为二进制帧。
func ParsePacket(raw []byte) (*Packet, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty packet: %w", ErrMalformedPayload)
	}

	switch raw[0] {
	case '{':
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if env.Type == nil {
			return nil, fmt.Errorf("missing type discriminator: %w", ErrMalformedPayload)
		}
		ptype := PacketType(*env.Type)
		if _, ok := PacketTypeMap[ptype]; !ok || *env.Type < 0 || *env.Type > 255 {
			return nil, fmt.Errorf("type %d: %w", *env.Type, ErrUnknownPacketType)
		}
		if ptype == FRAME {
			// 帧数据必须使用二进制编码
			return nil, fmt.Errorf("FRAME sent as JSON: %w", ErrMalformedPayload)
		}
		data := env.Data
		if data == nil {
			data = json.RawMessage("{}")
		}
		return &Packet{Type: ptype, Data: data}, nil
	case frameMarker:
		frame, err := ParseFramePayload(raw)
		if err != nil {
			return nil, err
		}
		return &Packet{Type: FRAME, Frame: frame}, nil
	default:
		return nil, fmt.Errorf("unrecognized leading byte 0x%02X: %w", raw[0], ErrMalformedPayload)
	}
}

// EncodeControl 将控制包编码为JSON信封
func EncodeControl(ptype PacketType, data any) ([]byte, error) {
	if data == nil {
		data = struct{}{}
	}
	payload, err := json.Marshal(struct {
		Type int `json:"type"`
		Data any `json:"data"`
	}{Type: int(ptype), Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode %s packet: %w", ptype, err)
	}
	return payload, nil
}

func decodeInto(p *Packet, expect PacketType, out any) error {
	if p.Type != expect {
		return fmt.Errorf("expected %s packet, but got %s packet: %w", expect, p.Type, ErrMalformedPayload)
	}
	if err := json.Unmarshal(p.Data, out); err != nil {
		return fmt.Errorf("%s payload: %w: %v", expect, ErrMalformedPayload, err)
	}
	return nil
}
