// Package server 实现了中继服务器的监听循环和数据包调度
package server

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/remote-desk-dev/remote-desk-go-relay/internal/config"
	"github.com/remote-desk-dev/remote-desk-go-relay/internal/connection"
	"github.com/remote-desk-dev/remote-desk-go-relay/internal/database"
	"github.com/remote-desk-dev/remote-desk-go-relay/internal/logger"
	"github.com/remote-desk-dev/remote-desk-go-relay/internal/session"
)

// 并发连接数上限
const maxConcurrentConnections = 10000

// Server 中继服务器。持有连接注册表和会话管理器，
// 生命周期为启动时创建、停机时销毁
type Server struct {
	registry  *connection.Manager
	sessions  *session.Manager
	store     database.Store
	maxPacket int
	queueSize int

	ln      net.Listener
	sem     chan struct{}
	mu      sync.Mutex
	running bool
}

// NewServer 创建服务器实例并注入存储
func NewServer(store database.Store, cfg config.Config) *Server {
	registry := connection.NewManager()
	return &Server{
		registry:  registry,
		sessions:  session.NewManager(registry, store),
		store:     store,
		maxPacket: cfg.Server.MaxPacketBytes,
		queueSize: cfg.Server.SendQueueSize,
		sem:       make(chan struct{}, maxConcurrentConnections),
	}
}

// Start 开始监听。host为空时监听所有接口
func (s *Server) Start(host string, port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return fmt.Errorf("relay server start error: %w", err)
	}

	s.mu.Lock()
	s.ln = ln
	s.running = true
	s.mu.Unlock()

	logger.InfoF("Relay server listen on %s", ln.Addr().String())
	return nil
}

// Addr 返回实际监听地址，测试中配合端口0使用
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve 接受连接直到监听器被关闭。每个连接由独立协程调度
func (s *Server) Serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			s.mu.Lock()
			running := s.running
			s.mu.Unlock()
			if running && !connection.IsNetClosedError(err) {
				logger.ErrorF("Accept connection error: %v", err)
				continue
			}
			return
		}

		logger.DebugF("Accepted new connection from %s", conn.RemoteAddr().String())

		s.sem <- struct{}{}
		go func(c net.Conn) {
			handler := &ConnectionHandler{
				server: s,
				conn:   connection.NewConnection(c, s.maxPacket, s.queueSize),
			}
			handler.handleConnection()
			<-s.sem
		}(conn)
	}
}

// Stop 关闭监听器，已建立的连接各自走断开流程
func (s *Server) Stop() {
	s.mu.Lock()
	s.running = false
	ln := s.ln
	s.mu.Unlock()

	if ln != nil {
		if err := ln.Close(); err != nil && !connection.IsNetClosedError(err) {
			logger.ErrorF("Server close error: %v", err)
		}
	}
}

// ShutdownCallback 注册到清理器的停机回调
type ShutdownCallback struct {
	server *Server
}

func NewShutdownCallback(s *Server) *ShutdownCallback {
	return &ShutdownCallback{server: s}
}

func (sc *ShutdownCallback) Invoke(ctx context.Context) error {
	sc.server.Stop()
	return nil
}
