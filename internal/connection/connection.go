// Package connection 实现了中继服务器的连接管理功能
package connection

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/remote-desk-dev/remote-desk-go-relay/internal/logger"
	"github.com/remote-desk-dev/remote-desk-go-relay/internal/protocol"
)

// Connection 表示一个已接入的客户端连接。
// 读取由所属的调度循环独占，写出全部经过出站队列由单一写协程串行化。
type Connection struct {
	conn      net.Conn
	ConnID    string // 远端地址，用于日志
	UID       int64
	Username  string
	Role      string
	maxPacket int

	queue     *sendQueue
	alive     atomic.Bool
	closeOnce sync.Once
	writeMu   sync.Mutex
	writeWg   sync.WaitGroup
}

// NewConnection 包装一个已接受的socket并启动写协程
func NewConnection(conn net.Conn, maxPacket, queueSize int) *Connection {
	c := &Connection{
		conn:      conn,
		ConnID:    conn.RemoteAddr().String(),
		maxPacket: maxPacket,
		queue:     newSendQueue(queueSize),
	}
	c.alive.Store(true)
	c.writeWg.Add(1)
	go c.writeLoop()
	return c
}

// ReadPacket 阻塞读取一个完整数据包。仅允许所属的调度循环调用
func (c *Connection) ReadPacket() (*protocol.Packet, error) {
	raw, err := protocol.ReadFrame(c.conn, c.maxPacket)
	if err != nil {
		return nil, err
	}
	return protocol.ParsePacket(raw)
}

// SendControl 编码并入队一个控制包。控制包不会因队列溢出被丢弃
func (c *Connection) SendControl(ptype protocol.PacketType, data any) error {
	payload, err := protocol.EncodeControl(ptype, data)
	if err != nil {
		return err
	}
	return c.queue.push(payload, false)
}

// SendFrame 入队一个屏幕帧。队列溢出时最旧的帧会被丢弃
func (c *Connection) SendFrame(frame *protocol.FramePayload) error {
	return c.queue.push(protocol.EncodeFramePayload(frame), true)
}

// SendRaw 入队一个已编码负载，droppable指示其是否可在背压下丢弃
func (c *Connection) SendRaw(payload []byte, droppable bool) error {
	return c.queue.push(payload, droppable)
}

func (c *Connection) writeLoop() {
	defer c.writeWg.Done()
	for {
		payload, ok := c.queue.pop()
		if !ok {
			return
		}
		c.writeMu.Lock()
		err := protocol.WriteFrame(c.conn, payload, c.maxPacket)
		c.writeMu.Unlock()
		if err != nil {
			if !IsNetClosedError(err) {
				logger.WarnF("[%s] Fail to send data, details: %v", c.ConnID, err)
			}
			c.Close()
			return
		}
		logger.DebugF("[%s] Send %d bytes to client", c.ConnID, len(payload))
	}
}

// SetReadDeadline 设置底层socket的读取期限，零值表示取消
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Alive 报告连接是否仍然有效
func (c *Connection) Alive() bool {
	return c.alive.Load()
}

// Close 立即关闭连接，丢弃未写出的队列数据。
// 关闭socket是唯一的取消原语：它会唤醒阻塞中的读取方并触发断开流程。
// 可重复调用
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.alive.Store(false)
		c.queue.abort()
		if err := c.conn.Close(); err != nil && !IsNetClosedError(err) {
			logger.WarnF("[%s] Error occured while closing connection, details: %v", c.ConnID, err)
		}
	})
}

// 优雅关闭时冲刷出站队列的时间上限，超时后强制断开
const shutdownFlushTimeout = 5 * time.Second

// Shutdown 优雅关闭：停止接收新数据，待写协程冲刷完队列后关闭socket。
// 保证已入队的应答（如AUTH_RESP、DISCONNECT通知）送达对端
func (c *Connection) Shutdown() {
	c.alive.Store(false)
	c.queue.close()
	_ = c.conn.SetWriteDeadline(time.Now().Add(shutdownFlushTimeout))
	go func() {
		c.writeWg.Wait()
		c.Close()
	}()
}

// CloseWait 关闭连接并等待写协程退出，测试中用于确保出站数据已冲刷
func (c *Connection) CloseWait() {
	c.Close()
	c.writeWg.Wait()
}
