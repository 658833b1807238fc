// Package protocol 实现了中继服务器的分帧层和数据包协议
package protocol

// PacketType 定义了中继协议的数据包类型
type PacketType byte

// 数据包类型常量定义，按功能分段编号
const (
	// 认证类 (0-9)
	HEARTBEAT   PacketType = 0 // 保活信号，不转发
	AUTHREQ     PacketType = 1 // 登录请求
	AUTHRESP    PacketType = 2 // 登录应答
	REGISTERREQ PacketType = 4 // 注册请求
	REGISTERRES PacketType = 5 // 注册应答

	// 会话管理类 (10-19)
	CONNECTREQ    PacketType = 10 // 控制端请求连接目标端
	CONNECTRESP   PacketType = 11 // 服务器对控制端的应答
	CONNECTIND    PacketType = 12 // 通知目标端有连接请求
	CONNECTANSWER PacketType = 13 // 目标端接受或拒绝

	// 数据流类 (20-29)
	FRAME    PacketType = 20 // 压缩屏幕帧（二进制负载）
	INPUT    PacketType = 21 // 鼠标/键盘输入事件
	CHAT     PacketType = 22 // 对端间文本消息
	PERMREQ  PacketType = 23 // 权限请求
	PERMRESP PacketType = 24 // 目标端的权限应答

	// 系统控制类 (30-39)
	DISCONNECT PacketType = 30 // 正常断开
	ERROR      PacketType = 31 // 错误通知
)

// PacketTypeMap 将PacketType映射到其字符串表示
var PacketTypeMap = map[PacketType]string{
	HEARTBEAT:     "HEARTBEAT",
	AUTHREQ:       "AUTH_REQ",
	AUTHRESP:      "AUTH_RESP",
	REGISTERREQ:   "REGISTER_REQ",
	REGISTERRES:   "REGISTER_RESP",
	CONNECTREQ:    "CONNECT_REQ",
	CONNECTRESP:   "CONNECT_RESP",
	CONNECTIND:    "CONNECT_IND",
	CONNECTANSWER: "CONNECT_ANSWER",
	FRAME:         "FRAME",
	INPUT:         "INPUT",
	CHAT:          "CHAT",
	PERMREQ:       "PERM_REQ",
	PERMRESP:      "PERM_RESP",
	DISCONNECT:    "DISCONNECT",
	ERROR:         "ERROR",
}

// String 返回PacketType的字符串表示
func (packetType PacketType) String() string {
	if name, ok := PacketTypeMap[packetType]; ok {
		return name
	}
	return "UNKNOWN"
}

// 客户端角色
const (
	RoleController = "controller"
	RoleTarget     = "target"
)

// Capability 定义了会话内可独立授权的能力
type Capability string

const (
	CapabilityView     Capability = "view"
	CapabilityMouse    Capability = "mouse"
	CapabilityKeyboard Capability = "keyboard"
)

// Capabilities 列出所有合法能力，用于负载校验
var Capabilities = []Capability{CapabilityView, CapabilityMouse, CapabilityKeyboard}

// ValidCapability 检查能力名是否合法
func ValidCapability(c Capability) bool {
	for _, known := range Capabilities {
		if c == known {
			return true
		}
	}
	return false
}

// 输入事件种类
const (
	InputMouseMove   = "mouse-move"
	InputMouseClick  = "mouse-click"
	InputMouseScroll = "mouse-scroll"
	InputKeyEvent    = "key-event"
)

var inputKinds = map[string]struct{}{
	InputMouseMove:   {},
	InputMouseClick:  {},
	InputMouseScroll: {},
	InputKeyEvent:    {},
}

// ValidInputKind 检查输入事件种类是否合法
func ValidInputKind(kind string) bool {
	_, ok := inputKinds[kind]
	return ok
}

// 错误代码，随ERROR包下发
const (
	CodeBadRequest       = 400
	CodePermissionDenied = 403
	CodePeerNotFound     = 404
	CodePeerBusy         = 409
	CodeNoSession        = 410
	CodeStoreUnavailable = 503
)
