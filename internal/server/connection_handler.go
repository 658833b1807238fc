package server

import (
	"errors"
	"time"

	"github.com/remote-desk-dev/remote-desk-go-relay/internal/connection"
	"github.com/remote-desk-dev/remote-desk-go-relay/internal/database"
	"github.com/remote-desk-dev/remote-desk-go-relay/internal/logger"
	"github.com/remote-desk-dev/remote-desk-go-relay/internal/protocol"
	"github.com/remote-desk-dev/remote-desk-go-relay/internal/session"
)

// 首包握手的读取期限
const handshakeTimeout = time.Minute

// ConnectionHandler 单个连接的调度循环。只做读取、校验和路由，
// 全部转发授权都交给会话管理器
type ConnectionHandler struct {
	server *Server
	conn   *connection.Connection
}

func (h *ConnectionHandler) handleConnection() {
	defer func() {
		h.server.sessions.Teardown(h.conn, protocol.ReasonPeerLeft)
		if h.conn.Username != "" {
			h.server.registry.Unregister(h.conn.Username, h.conn)
		}
		// 冲刷式关闭，保证最后的应答包送达
		h.conn.Shutdown()
		logger.DebugF("[%s] Connection closed", h.conn.ConnID)
	}()

	if err := h.handleHandshake(); err != nil {
		return
	}

	h.handlePacket()
}

// handleHandshake 处理认证前的数据包。允许先注册后登录，
// 认证成功前不接受任何会话类数据包
func (h *ConnectionHandler) handleHandshake() error {
	for {
		_ = h.conn.SetReadDeadline(time.Now().Add(handshakeTimeout))

		packet, err := h.conn.ReadPacket()
		if err != nil {
			logger.WarnF("[%s] Fail to read handshake packet, details: %v", h.conn.ConnID, err)
			return err
		}

		switch packet.Type {
		case protocol.REGISTERREQ:
			if err := h.handleRegister(packet); err != nil {
				return err
			}
		case protocol.AUTHREQ:
			done, err := h.handleAuth(packet)
			if err != nil {
				return err
			}
			if done {
				_ = h.conn.SetReadDeadline(time.Time{})
				return nil
			}
		case protocol.HEARTBEAT:
			logger.DebugF("[%s] Heartbeat before auth", h.conn.ConnID)
		default:
			logger.ErrorF("[%s] Invalid handshake packet type, expected %s or %s packet, but got %s packet",
				h.conn.ConnID, protocol.AUTHREQ, protocol.REGISTERREQ, packet.Type)
			return errors.New("invalid handshake packet")
		}
	}
}

func (h *ConnectionHandler) handleRegister(packet *protocol.Packet) error {
	payload, err := protocol.ParseRegisterReq(packet)
	if err != nil {
		logger.ErrorF("[%s] Fail to parse REGISTER_REQ packet, details: %v", h.conn.ConnID, err)
		return err
	}

	_, err = h.server.store.CreateUser(payload.Username, payload.Secret)
	switch {
	case err == nil:
		logger.InfoF("[%s] User %s registered", h.conn.ConnID, payload.Username)
		return h.conn.SendControl(protocol.REGISTERRES, protocol.RegisterRespPayload{OK: true})
	case errors.Is(err, database.ErrUserExists):
		return h.conn.SendControl(protocol.REGISTERRES, protocol.RegisterRespPayload{
			OK:     false,
			Reason: "username already registered",
		})
	default:
		// 存储故障表现为一次注册失败，而不是服务器崩溃
		logger.ErrorF("[%s] Credential store failure, details: %v", h.conn.ConnID, err)
		return h.conn.SendControl(protocol.REGISTERRES, protocol.RegisterRespPayload{
			OK:     false,
			Reason: "store unavailable",
		})
	}
}

// handleAuth 校验凭据。成功时登记到注册表并应答uid，
// 失败时应答原因后终止连接
func (h *ConnectionHandler) handleAuth(packet *protocol.Packet) (bool, error) {
	payload, err := protocol.ParseAuthReq(packet)
	if err != nil {
		logger.ErrorF("[%s] Fail to parse AUTH_REQ packet, details: %v", h.conn.ConnID, err)
		return false, err
	}

	uid, err := h.server.store.VerifyUser(payload.Username, payload.Secret)
	if err != nil {
		reason := "invalid credentials"
		if !errors.Is(err, database.ErrInvalidCredentials) {
			logger.ErrorF("[%s] Credential store failure, details: %v", h.conn.ConnID, err)
			reason = "store unavailable"
		}
		_ = h.conn.SendControl(protocol.AUTHRESP, protocol.AuthRespPayload{OK: false, Reason: reason})
		return false, errors.New("authentication failed")
	}

	h.conn.UID = uid
	h.conn.Username = payload.Username
	h.conn.Role = payload.Role

	// 顶替策略：同一身份重复登录时旧连接被踢出，其会话同步清理
	if evicted := h.server.registry.Register(payload.Username, h.conn); evicted != nil {
		h.server.sessions.Teardown(evicted, protocol.ReasonReplaced)
	}

	logger.InfoF("[%s] Authenticated as %s (%s)", h.conn.ConnID, payload.Username, payload.Role)
	if err := h.conn.SendControl(protocol.AUTHRESP, protocol.AuthRespPayload{OK: true, UID: uid}); err != nil {
		return false, err
	}
	return true, nil
}

// handlePacket 认证后的主循环：读一个包，交会话管理器校验，
// 转发给对端或把错误应答给发送方
func (h *ConnectionHandler) handlePacket() {
	for {
		packet, err := h.conn.ReadPacket()
		if err != nil {
			if protocolViolation(err) {
				// 协议违规：只终止当前连接，不影响其他会话
				logger.ErrorF("[%s] Protocol error, details: %v", h.conn.ConnID, err)
			} else {
				connection.HandleReadError(h.conn.ConnID, err)
			}
			return
		}

		logger.DebugF("[%s] Receive %s package", h.conn.ConnID, packet.Type)

		switch packet.Type {
		case protocol.HEARTBEAT:
			// 保活包仅证明连接存活，不转发
		case protocol.AUTHREQ:
			logger.ErrorF("[%s] Duplicate AUTH_REQ package", h.conn.ConnID)
			return
		case protocol.CONNECTREQ:
			if err := h.handleConnectReq(packet); err != nil {
				return
			}
		case protocol.CONNECTANSWER:
			if err := h.dispatchControl(packet); err != nil {
				return
			}
		case protocol.PERMREQ, protocol.PERMRESP, protocol.CHAT, protocol.INPUT:
			if err := h.dispatchControl(packet); err != nil {
				return
			}
		case protocol.FRAME:
			if err := h.server.sessions.RelayFrame(h.conn, packet.Frame); err != nil {
				h.replyError(err)
			}
		case protocol.DISCONNECT:
			payload, _ := protocol.ParseDisconnect(packet)
			logger.InfoF("[%s] Client disconnect, reason: %s", h.conn.ConnID, payload.Reason)
			return
		default:
			logger.WarnF("[%s] %s package is not valid on the server side", h.conn.ConnID, packet.Type)
			return
		}
	}
}

// dispatchControl 解析并路由一个会话类控制包。
// 返回非nil表示协议违规，调用方应终止连接
func (h *ConnectionHandler) dispatchControl(packet *protocol.Packet) error {
	var opErr error

	switch packet.Type {
	case protocol.CONNECTANSWER:
		payload, err := protocol.ParseConnectAnswer(packet)
		if err != nil {
			return h.malformed(packet, err)
		}
		opErr = h.server.sessions.Answer(h.conn, payload)
	case protocol.PERMREQ:
		payload, err := protocol.ParsePermReq(packet)
		if err != nil {
			return h.malformed(packet, err)
		}
		opErr = h.server.sessions.RequestPermission(h.conn, payload)
	case protocol.PERMRESP:
		payload, err := protocol.ParsePermResp(packet)
		if err != nil {
			return h.malformed(packet, err)
		}
		opErr = h.server.sessions.RespondPermission(h.conn, payload)
	case protocol.CHAT:
		payload, err := protocol.ParseChat(packet)
		if err != nil {
			return h.malformed(packet, err)
		}
		opErr = h.server.sessions.RelayChat(h.conn, payload)
	case protocol.INPUT:
		payload, err := protocol.ParseInput(packet)
		if err != nil {
			return h.malformed(packet, err)
		}
		opErr = h.server.sessions.RelayInput(h.conn, payload)
	}

	if opErr != nil {
		h.replyError(opErr)
	}
	return nil
}

func (h *ConnectionHandler) malformed(packet *protocol.Packet, err error) error {
	logger.ErrorF("[%s] Fail to parse %s packet, details: %v", h.conn.ConnID, packet.Type, err)
	return err
}

// handleConnectReq 配对失败时以CONNECT_RESP{ok=false}应答，
// 成功的应答由目标端的CONNECT_ANSWER触发。
// 返回非nil表示负载畸形，调用方终止连接
func (h *ConnectionHandler) handleConnectReq(packet *protocol.Packet) error {
	payload, err := protocol.ParseConnectReq(packet)
	if err != nil {
		return h.malformed(packet, err)
	}

	if _, err := h.server.sessions.Connect(h.conn, payload.Target); err != nil {
		if sendErr := h.conn.SendControl(protocol.CONNECTRESP, protocol.ConnectRespPayload{
			OK:     false,
			Reason: err.Error(),
		}); sendErr != nil {
			logger.WarnF("[%s] Fail to send CONNECT_RESP packet, details: %v", h.conn.ConnID, sendErr)
		}
	}
	return nil
}

// replyError 把授权类错误映射为ERROR应答包，连接保持打开
func (h *ConnectionHandler) replyError(err error) {
	code := protocol.CodeBadRequest
	switch {
	case errors.Is(err, session.ErrPermissionDenied):
		code = protocol.CodePermissionDenied
	case errors.Is(err, session.ErrNotAuthorized):
		code = protocol.CodePermissionDenied
	case errors.Is(err, session.ErrPeerNotFound):
		code = protocol.CodePeerNotFound
	case errors.Is(err, session.ErrPeerBusy):
		code = protocol.CodePeerBusy
	case errors.Is(err, session.ErrNoSession):
		code = protocol.CodeNoSession
	}

	if sendErr := h.conn.SendControl(protocol.ERROR, protocol.ErrorPayload{
		Code:    code,
		Message: err.Error(),
	}); sendErr != nil {
		logger.WarnF("[%s] Fail to send ERROR packet, details: %v", h.conn.ConnID, sendErr)
	}
}

// protocolViolation 区分协议违规和普通传输错误
func protocolViolation(err error) bool {
	return errors.Is(err, protocol.ErrUnknownPacketType) ||
		errors.Is(err, protocol.ErrMalformedPayload) ||
		errors.Is(err, protocol.ErrFrameTooLarge)
}
