package protocol

// 会话建立类数据包的负载定义和解析

import (
	"fmt"
)

// ConnectReqPayload CONNECT_REQ数据包负载
type ConnectReqPayload struct {
	Target string `json:"target"`
}

// ConnectRespPayload CONNECT_RESP数据包负载
type ConnectRespPayload struct {
	OK        bool   `json:"ok"`
	SessionID string `json:"session_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// ConnectIndPayload CONNECT_IND数据包负载，通知目标端有待处理的连接请求
type ConnectIndPayload struct {
	SessionID  string `json:"session_id"`
	Controller string `json:"controller"`
}

// ConnectAnswerPayload CONNECT_ANSWER数据包负载，目标端接受或拒绝
type ConnectAnswerPayload struct {
	SessionID string `json:"session_id"`
	Accept    bool   `json:"accept"`
}

// ParseConnectReq 解析并校验CONNECT_REQ负载
func ParseConnectReq(p *Packet) (ConnectReqPayload, error) {
	var result ConnectReqPayload
	if err := decodeInto(p, CONNECTREQ, &result); err != nil {
		return result, err
	}
	if result.Target == "" {
		return result, fmt.Errorf("target is required: %w", ErrMalformedPayload)
	}
	return result, nil
}

// ParseConnectResp 解析CONNECT_RESP负载（客户端侧使用）
func ParseConnectResp(p *Packet) (ConnectRespPayload, error) {
	var result ConnectRespPayload
	err := decodeInto(p, CONNECTRESP, &result)
	return result, err
}

// ParseConnectInd 解析CONNECT_IND负载（客户端侧使用）
func ParseConnectInd(p *Packet) (ConnectIndPayload, error) {
	var result ConnectIndPayload
	err := decodeInto(p, CONNECTIND, &result)
	return result, err
}

// ParseConnectAnswer 解析并校验CONNECT_ANSWER负载
func ParseConnectAnswer(p *Packet) (ConnectAnswerPayload, error) {
	var result ConnectAnswerPayload
	if err := decodeInto(p, CONNECTANSWER, &result); err != nil {
		return result, err
	}
	if result.SessionID == "" {
		return result, fmt.Errorf("session_id is required: %w", ErrMalformedPayload)
	}
	return result, nil
}
