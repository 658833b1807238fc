package protocol

// 认证与注册类数据包的负载定义和解析

import (
	"fmt"
)

// AuthReqPayload AUTH_REQ数据包负载
type AuthReqPayload struct {
	Username string `json:"username"`
	Secret   string `json:"secret"`
	Role     string `json:"role"`
}

// AuthRespPayload AUTH_RESP数据包负载
type AuthRespPayload struct {
	OK     bool   `json:"ok"`
	UID    int64  `json:"uid,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// RegisterReqPayload REGISTER_REQ数据包负载
type RegisterReqPayload struct {
	Username string `json:"username"`
	Secret   string `json:"secret"`
}

// RegisterRespPayload REGISTER_RESP数据包负载
type RegisterRespPayload struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// ParseAuthReq 解析并校验AUTH_REQ负载
func ParseAuthReq(p *Packet) (AuthReqPayload, error) {
	var result AuthReqPayload
	if err := decodeInto(p, AUTHREQ, &result); err != nil {
		return result, err
	}
	if result.Username == "" || result.Secret == "" {
		return result, fmt.Errorf("username and secret are required: %w", ErrMalformedPayload)
	}
	if result.Role != RoleController && result.Role != RoleTarget {
		return result, fmt.Errorf("role %q is not valid: %w", result.Role, ErrMalformedPayload)
	}
	return result, nil
}

// ParseAuthResp 解析AUTH_RESP负载（客户端侧使用）
func ParseAuthResp(p *Packet) (AuthRespPayload, error) {
	var result AuthRespPayload
	err := decodeInto(p, AUTHRESP, &result)
	return result, err
}

// ParseRegisterReq 解析并校验REGISTER_REQ负载
func ParseRegisterReq(p *Packet) (RegisterReqPayload, error) {
	var result RegisterReqPayload
	if err := decodeInto(p, REGISTERREQ, &result); err != nil {
		return result, err
	}
	if result.Username == "" || result.Secret == "" {
		return result, fmt.Errorf("username and secret are required: %w", ErrMalformedPayload)
	}
	return result, nil
}

// ParseRegisterResp 解析REGISTER_RESP负载（客户端侧使用）
func ParseRegisterResp(p *Packet) (RegisterRespPayload, error) {
	var result RegisterRespPayload
	err := decodeInto(p, REGISTERRES, &result)
	return result, err
}
