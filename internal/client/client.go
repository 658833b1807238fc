// Package client 实现了无界面的中继协议客户端，
// 供命令行工具与集成测试驱动完整的协议流程
package client

import (
	"encoding/json"
	"fmt"
	"image"
	"net"
	"sync"
	"time"

	"github.com/remote-desk-dev/remote-desk-go-relay/internal/codec"
	"github.com/remote-desk-dev/remote-desk-go-relay/internal/config"
	"github.com/remote-desk-dev/remote-desk-go-relay/internal/protocol"
)

// Client 封装一条到中继服务器的连接。
// 写出由内部互斥锁串行化，读取需由单一协程独占
type Client struct {
	conn      net.Conn
	maxPacket int
	writeMu   sync.Mutex
}

// Dial 建立到中继服务器的TCP连接
func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial relay server error: %w", err)
	}
	return NewClient(conn), nil
}

// NewClient 包装一条已建立的连接
func NewClient(conn net.Conn) *Client {
	return &Client{
		conn:      conn,
		maxPacket: config.DefaultMaxPacketBytes,
	}
}

// Close 关闭底层连接
func (c *Client) Close() error {
	return c.conn.Close()
}

// ReadPacket 阻塞读取下一个数据包
func (c *Client) ReadPacket() (*protocol.Packet, error) {
	raw, err := protocol.ReadFrame(c.conn, c.maxPacket)
	if err != nil {
		return nil, err
	}
	return protocol.ParsePacket(raw)
}

// WaitPacket 在期限内读取数据包直到出现指定类型，其余类型被跳过。
// 适用于响应与转发包交错到达的场景
func (c *Client) WaitPacket(ptype protocol.PacketType, timeout time.Duration) (*protocol.Packet, error) {
	deadline := time.Now().Add(timeout)
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	defer c.conn.SetReadDeadline(time.Time{})

	for {
		packet, err := c.ReadPacket()
		if err != nil {
			return nil, err
		}
		if packet.Type == ptype {
			return packet, nil
		}
	}
}

// TryRead 在期限内读取下一个数据包，超时返回错误。
// 用于断言对端在一段时间内没有收到任何数据
func (c *Client) TryRead(timeout time.Duration) (*protocol.Packet, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	defer c.conn.SetReadDeadline(time.Time{})
	return c.ReadPacket()
}

func (c *Client) send(ptype protocol.PacketType, data any) error {
	payload, err := protocol.EncodeControl(ptype, data)
	if err != nil {
		return err
	}
	return c.sendRaw(payload)
}

func (c *Client) sendRaw(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteFrame(c.conn, payload, c.maxPacket)
}

// Register 请求创建账号并等待应答
func (c *Client) Register(username, secret string) (protocol.RegisterRespPayload, error) {
	err := c.send(protocol.REGISTERREQ, protocol.RegisterReqPayload{
		Username: username,
		Secret:   secret,
	})
	if err != nil {
		return protocol.RegisterRespPayload{}, err
	}

	packet, err := c.WaitPacket(protocol.REGISTERRES, 5*time.Second)
	if err != nil {
		return protocol.RegisterRespPayload{}, err
	}
	return protocol.ParseRegisterResp(packet)
}

// Auth 提交凭据并等待认证结果
func (c *Client) Auth(username, secret, role string) (protocol.AuthRespPayload, error) {
	err := c.send(protocol.AUTHREQ, protocol.AuthReqPayload{
		Username: username,
		Secret:   secret,
		Role:     role,
	})
	if err != nil {
		return protocol.AuthRespPayload{}, err
	}

	packet, err := c.WaitPacket(protocol.AUTHRESP, 5*time.Second)
	if err != nil {
		return protocol.AuthRespPayload{}, err
	}
	return protocol.ParseAuthResp(packet)
}

// RequestConnect 请求与目标用户配对，结果经CONNECT_RESP异步到达
func (c *Client) RequestConnect(target string) error {
	return c.send(protocol.CONNECTREQ, protocol.ConnectReqPayload{Target: target})
}

// Answer 应答收到的配对指示
func (c *Client) Answer(sessionID string, accept bool) error {
	return c.send(protocol.CONNECTANSWER, protocol.ConnectAnswerPayload{
		SessionID: sessionID,
		Accept:    accept,
	})
}

// RequestPermission 向对端申请或撤回一项能力
func (c *Client) RequestPermission(capability protocol.Capability, want bool) error {
	return c.send(protocol.PERMREQ, protocol.PermReqPayload{
		Capability: capability,
		Want:       want,
	})
}

// RespondPermission 应答对端的能力申请
func (c *Client) RespondPermission(capability protocol.Capability, granted bool) error {
	return c.send(protocol.PERMRESP, protocol.PermRespPayload{
		Capability: capability,
		Granted:    granted,
	})
}

// SendChat 发送聊天消息，发送者身份由服务器填写
func (c *Client) SendChat(text string) error {
	return c.send(protocol.CHAT, protocol.ChatPayload{
		Text:      text,
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

// SendFrame 发送一个屏幕帧
func (c *Client) SendFrame(frame *protocol.FramePayload) error {
	return c.sendRaw(protocol.EncodeFramePayload(frame))
}

// SendImage 压缩一帧屏幕图像并发送
func (c *Client) SendImage(img image.Image, format codec.Format, quality int) error {
	data, err := codec.Encode(img, format, quality)
	if err != nil {
		return err
	}
	bounds := img.Bounds()
	return c.SendFrame(&protocol.FramePayload{
		Format: byte(format),
		Width:  uint16(bounds.Dx()),
		Height: uint16(bounds.Dy()),
		Data:   data,
	})
}

// SendInput 发送一个输入事件
func (c *Client) SendInput(kind string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return c.send(protocol.INPUT, protocol.InputPayload{
		Kind: kind,
		Data: raw,
	})
}

// Heartbeat 发送保活包
func (c *Client) Heartbeat() error {
	return c.send(protocol.HEARTBEAT, struct{}{})
}

// Disconnect 通知服务器即将断开
func (c *Client) Disconnect(reason string) error {
	return c.send(protocol.DISCONNECT, protocol.DisconnectPayload{Reason: reason})
}

// Handlers 事件回调集合。未设置的回调对应的数据包被静默丢弃
type Handlers struct {
	OnConnectInd  func(protocol.ConnectIndPayload)
	OnConnectResp func(protocol.ConnectRespPayload)
	OnPermReq     func(protocol.PermReqPayload)
	OnPermResp    func(protocol.PermRespPayload)
	OnChat        func(protocol.ChatPayload)
	OnFrame       func(*protocol.FramePayload)
	OnInput       func(protocol.InputPayload)
	OnError       func(protocol.ErrorPayload)
	OnDisconnect  func(protocol.DisconnectPayload)
}

// Run 进入读取循环并按数据包类型分发回调。认证完成后调用。
// 服务器下发DISCONNECT时返回nil，传输错误时返回该错误。
// 与ReadPacket/WaitPacket互斥，只能择一使用
func (c *Client) Run(h Handlers) error {
	for {
		packet, err := c.ReadPacket()
		if err != nil {
			return err
		}

		switch packet.Type {
		case protocol.HEARTBEAT:
			// 保活应答无需处理
		case protocol.CONNECTIND:
			if payload, err := protocol.ParseConnectInd(packet); err == nil && h.OnConnectInd != nil {
				h.OnConnectInd(payload)
			}
		case protocol.CONNECTRESP:
			if payload, err := protocol.ParseConnectResp(packet); err == nil && h.OnConnectResp != nil {
				h.OnConnectResp(payload)
			}
		case protocol.PERMREQ:
			if payload, err := protocol.ParsePermReq(packet); err == nil && h.OnPermReq != nil {
				h.OnPermReq(payload)
			}
		case protocol.PERMRESP:
			if payload, err := protocol.ParsePermResp(packet); err == nil && h.OnPermResp != nil {
				h.OnPermResp(payload)
			}
		case protocol.CHAT:
			if payload, err := protocol.ParseChat(packet); err == nil && h.OnChat != nil {
				h.OnChat(payload)
			}
		case protocol.FRAME:
			if h.OnFrame != nil {
				h.OnFrame(packet.Frame)
			}
		case protocol.INPUT:
			if payload, err := protocol.ParseInput(packet); err == nil && h.OnInput != nil {
				h.OnInput(payload)
			}
		case protocol.ERROR:
			if payload, err := protocol.ParseError(packet); err == nil && h.OnError != nil {
				h.OnError(payload)
			}
		case protocol.DISCONNECT:
			if payload, err := protocol.ParseDisconnect(packet); err == nil && h.OnDisconnect != nil {
				h.OnDisconnect(payload)
			}
			return nil
		}
	}
}

// KeepAlive 按固定间隔发送保活包，stop关闭或发送失败时退出。
// 在独立协程中运行
func (c *Client) KeepAlive(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.Heartbeat(); err != nil {
				return
			}
		}
	}
}
