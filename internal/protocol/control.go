package protocol

// 系统控制类数据包的负载定义和解析

// 断开原因常量
const (
	ReasonReplaced   = "replaced"
	ReasonPeerLeft   = "peer_left"
	ReasonClientExit = "client_exit"
)

// DisconnectPayload DISCONNECT数据包负载
type DisconnectPayload struct {
	Reason string `json:"reason,omitempty"`
}

// ErrorPayload ERROR数据包负载
type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ParseDisconnect 解析DISCONNECT负载
func ParseDisconnect(p *Packet) (DisconnectPayload, error) {
	var result DisconnectPayload
	err := decodeInto(p, DISCONNECT, &result)
	return result, err
}

// ParseError 解析ERROR负载（客户端侧使用）
func ParseError(p *Packet) (ErrorPayload, error) {
	var result ErrorPayload
	err := decodeInto(p, ERROR, &result)
	return result, err
}
