package protocol

// 数据流类（输入、聊天、权限）数据包的负载定义和解析

import (
	"encoding/json"
	"fmt"
)

// InputPayload INPUT数据包负载
type InputPayload struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// ChatPayload CHAT数据包负载。Sender由服务器覆写，客户端填写无效
type ChatPayload struct {
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
	Sender    string `json:"sender,omitempty"`
}

// PermReqPayload PERM_REQ数据包负载
type PermReqPayload struct {
	Capability Capability `json:"capability"`
	Want       bool       `json:"want"`
}

// PermRespPayload PERM_RESP数据包负载
type PermRespPayload struct {
	Capability Capability `json:"capability"`
	Granted    bool       `json:"granted"`
}

// ParseInput 解析并校验INPUT负载
func ParseInput(p *Packet) (InputPayload, error) {
	var result InputPayload
	if err := decodeInto(p, INPUT, &result); err != nil {
		return result, err
	}
	if !ValidInputKind(result.Kind) {
		return result, fmt.Errorf("input kind %q is not valid: %w", result.Kind, ErrMalformedPayload)
	}
	return result, nil
}

// ParseChat 解析并校验CHAT负载
func ParseChat(p *Packet) (ChatPayload, error) {
	var result ChatPayload
	if err := decodeInto(p, CHAT, &result); err != nil {
		return result, err
	}
	if result.Text == "" && result.Timestamp == "" {
		return result, fmt.Errorf("chat text and timestamp are both empty: %w", ErrMalformedPayload)
	}
	return result, nil
}

// ParsePermReq 解析并校验PERM_REQ负载
func ParsePermReq(p *Packet) (PermReqPayload, error) {
	var result PermReqPayload
	if err := decodeInto(p, PERMREQ, &result); err != nil {
		return result, err
	}
	if !ValidCapability(result.Capability) {
		return result, fmt.Errorf("capability %q is not valid: %w", result.Capability, ErrMalformedPayload)
	}
	return result, nil
}

// ParsePermResp 解析并校验PERM_RESP负载
func ParsePermResp(p *Packet) (PermRespPayload, error) {
	var result PermRespPayload
	if err := decodeInto(p, PERMRESP, &result); err != nil {
		return result, err
	}
	if !ValidCapability(result.Capability) {
		return result, fmt.Errorf("capability %q is not valid: %w", result.Capability, ErrMalformedPayload)
	}
	return result, nil
}
