package session

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/remote-desk-dev/remote-desk-go-relay/internal/connection"
	"github.com/remote-desk-dev/remote-desk-go-relay/internal/database"
	"github.com/remote-desk-dev/remote-desk-go-relay/internal/protocol"
)

type testPeer struct {
	conn *connection.Connection
	raw  net.Conn
}

type testEnv struct {
	registry *connection.Manager
	store    *database.MemoryStore
	manager  *Manager
}

func newTestEnv() *testEnv {
	registry := connection.NewManager()
	store := database.NewMemoryStore()
	return &testEnv{
		registry: registry,
		store:    store,
		manager:  NewManager(registry, store),
	}
}

func (env *testEnv) addPeer(t *testing.T, username, role string) *testPeer {
	t.Helper()
	server, client := net.Pipe()
	conn := connection.NewConnection(server, protocol.DefaultMaxPacketSize, 16)
	conn.Username = username
	conn.Role = role
	env.registry.Register(username, conn)
	t.Cleanup(func() {
		conn.Close()
		_ = client.Close()
	})
	return &testPeer{conn: conn, raw: client}
}

func (p *testPeer) readPacket(t *testing.T) *protocol.Packet {
	t.Helper()
	_ = p.raw.SetReadDeadline(time.Now().Add(2 * time.Second))
	payload, err := protocol.ReadFrame(p.raw, protocol.DefaultMaxPacketSize)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	pkt, err := protocol.ParsePacket(payload)
	if err != nil {
		t.Fatalf("ParsePacket failed: %v", err)
	}
	return pkt
}

// tryReadPacket 在短暂窗口内尝试读取一个包，超时返回nil
func (p *testPeer) tryReadPacket(d time.Duration) *protocol.Packet {
	_ = p.raw.SetReadDeadline(time.Now().Add(d))
	payload, err := protocol.ReadFrame(p.raw, protocol.DefaultMaxPacketSize)
	if err != nil {
		return nil
	}
	pkt, err := protocol.ParsePacket(payload)
	if err != nil {
		return nil
	}
	return pkt
}

// establish 建立一个ACTIVE会话并消费两端的握手数据包
func establish(t *testing.T, env *testEnv, controller, target *testPeer) *Session {
	t.Helper()

	s, err := env.manager.Connect(controller.conn, target.conn.Username)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	ind := target.readPacket(t)
	if ind.Type != protocol.CONNECTIND {
		t.Fatalf("期望=%s 实际=%s", protocol.CONNECTIND, ind.Type)
	}
	indPayload, err := protocol.ParseConnectInd(ind)
	if err != nil {
		t.Fatalf("ParseConnectInd failed: %v", err)
	}
	if indPayload.Controller != controller.conn.Username {
		t.Fatalf("连接指示的控制端不正确: %+v", indPayload)
	}

	if err := env.manager.Answer(target.conn, protocol.ConnectAnswerPayload{SessionID: s.ID, Accept: true}); err != nil {
		t.Fatalf("Answer failed: %v", err)
	}

	resp := controller.readPacket(t)
	if resp.Type != protocol.CONNECTRESP {
		t.Fatalf("期望=%s 实际=%s", protocol.CONNECTRESP, resp.Type)
	}
	respPayload, _ := protocol.ParseConnectResp(resp)
	if !respPayload.OK || respPayload.SessionID != s.ID {
		t.Fatalf("连接应答不正确: %+v", respPayload)
	}

	if s.State() != StateActive {
		t.Fatalf("期望状态=%s 实际=%s", StateActive, s.State())
	}
	return s
}

func grant(t *testing.T, env *testEnv, controller, target *testPeer, capability protocol.Capability) {
	t.Helper()
	if err := env.manager.RequestPermission(controller.conn, protocol.PermReqPayload{Capability: capability, Want: true}); err != nil {
		t.Fatalf("RequestPermission failed: %v", err)
	}
	if pkt := target.readPacket(t); pkt.Type != protocol.PERMREQ {
		t.Fatalf("期望=%s 实际=%s", protocol.PERMREQ, pkt.Type)
	}
	if err := env.manager.RespondPermission(target.conn, protocol.PermRespPayload{Capability: capability, Granted: true}); err != nil {
		t.Fatalf("RespondPermission failed: %v", err)
	}
	if pkt := controller.readPacket(t); pkt.Type != protocol.PERMRESP {
		t.Fatalf("期望=%s 实际=%s", protocol.PERMRESP, pkt.Type)
	}
}

// stallingStore 持久化调用可被测试挂起，用于验证存储阻塞的影响范围
type stallingStore struct {
	*database.MemoryStore
	stall   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (s *stallingStore) OpenSession(sessionID, controller, target string) error {
	if s.stall.Load() {
		s.entered <- struct{}{}
		<-s.release
	}
	return s.MemoryStore.OpenSession(sessionID, controller, target)
}

// 存储在CONNECT_REQ处理期间阻塞时，其他会话的帧转发不受影响
func TestConnectStoreStallDoesNotBlockRelay(t *testing.T) {
	store := &stallingStore{
		MemoryStore: database.NewMemoryStore(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	registry := connection.NewManager()
	env := &testEnv{
		registry: registry,
		store:    store.MemoryStore,
		manager:  NewManager(registry, store),
	}

	target := env.addPeer(t, "mia", protocol.RoleTarget)
	controller := env.addPeer(t, "ali", protocol.RoleController)
	establish(t, env, controller, target)
	grant(t, env, controller, target, protocol.CapabilityView)

	otherTarget := env.addPeer(t, "tia", protocol.RoleTarget)
	otherController := env.addPeer(t, "bea", protocol.RoleController)

	store.stall.Store(true)
	connectDone := make(chan error, 1)
	go func() {
		_, err := env.manager.Connect(otherController.conn, "tia")
		connectDone <- err
	}()
	<-store.entered // 配对请求此刻正阻塞在存储调用中

	frame := &protocol.FramePayload{Format: 1, Width: 8, Height: 8, Data: []byte{1, 2}}
	relayDone := make(chan error, 1)
	go func() { relayDone <- env.manager.RelayFrame(target.conn, frame) }()

	select {
	case err := <-relayDone:
		if err != nil {
			t.Fatalf("RelayFrame failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("存储阻塞期间无关会话的帧转发被卡住")
	}
	if pkt := controller.readPacket(t); pkt.Type != protocol.FRAME {
		t.Fatalf("期望=%s 实际=%s", protocol.FRAME, pkt.Type)
	}

	close(store.release)
	if err := <-connectDone; err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if pkt := otherTarget.readPacket(t); pkt.Type != protocol.CONNECTIND {
		t.Fatalf("期望=%s 实际=%s", protocol.CONNECTIND, pkt.Type)
	}
}

// 配对未完成时目标端离线：控制端收到CONNECT_RESP{ok=false}而不是DISCONNECT，
// 随后可以发起新的配对
func TestPendingTeardownAnswersController(t *testing.T) {
	env := newTestEnv()
	target := env.addPeer(t, "mia", protocol.RoleTarget)
	controller := env.addPeer(t, "ali", protocol.RoleController)

	s, err := env.manager.Connect(controller.conn, "mia")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	target.readPacket(t) // CONNECT_IND

	env.manager.Teardown(target.conn, protocol.ReasonClientExit)
	if s.State() != StateClosed {
		t.Fatalf("期望状态=%s 实际=%s", StateClosed, s.State())
	}

	pkt := controller.readPacket(t)
	if pkt.Type != protocol.CONNECTRESP {
		t.Fatalf("未建立的会话不应下发DISCONNECT 期望=%s 实际=%s", protocol.CONNECTRESP, pkt.Type)
	}
	resp, err := protocol.ParseConnectResp(pkt)
	if err != nil {
		t.Fatalf("ParseConnectResp failed: %v", err)
	}
	if resp.OK {
		t.Error("配对未完成时应答应为ok=false")
	}

	other := env.addPeer(t, "nia", protocol.RoleTarget)
	if _, err := env.manager.Connect(controller.conn, "nia"); err != nil {
		t.Errorf("配对失败后控制端应可重新发起: %v", err)
	}
	_ = other
}

// 配对未完成时控制端离线：目标端不收到任何通知
func TestPendingTeardownQuietForTarget(t *testing.T) {
	env := newTestEnv()
	target := env.addPeer(t, "mia", protocol.RoleTarget)
	controller := env.addPeer(t, "ali", protocol.RoleController)

	if _, err := env.manager.Connect(controller.conn, "mia"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	target.readPacket(t) // CONNECT_IND

	env.manager.Teardown(controller.conn, protocol.ReasonClientExit)
	if pkt := target.tryReadPacket(150 * time.Millisecond); pkt != nil {
		t.Errorf("配对未完成时目标端不应收到数据包，实际收到=%s", pkt.Type)
	}
}

func TestConnectPeerNotFound(t *testing.T) {
	env := newTestEnv()
	controller := env.addPeer(t, "ali", protocol.RoleController)

	if _, err := env.manager.Connect(controller.conn, "ghost"); !errors.Is(err, ErrPeerNotFound) {
		t.Errorf("期望 ErrPeerNotFound 实际=%v", err)
	}
}

func TestConnectArbitration(t *testing.T) {
	env := newTestEnv()
	target := env.addPeer(t, "mia", protocol.RoleTarget)
	first := env.addPeer(t, "ali", protocol.RoleController)
	second := env.addPeer(t, "bea", protocol.RoleController)

	// 两个控制端同时请求同一个空闲目标，恰好一个成功
	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, peer := range []*testPeer{first, second} {
		wg.Add(1)
		go func(idx int, p *testPeer) {
			defer wg.Done()
			_, results[idx] = env.manager.Connect(p.conn, "mia")
		}(i, peer)
	}
	wg.Wait()

	var okCount, busyCount int
	for _, err := range results {
		switch {
		case err == nil:
			okCount++
		case errors.Is(err, ErrPeerBusy):
			busyCount++
		default:
			t.Fatalf("意外错误: %v", err)
		}
	}
	if okCount != 1 || busyCount != 1 {
		t.Errorf("期望成功=1 忙=1 实际成功=%d 忙=%d", okCount, busyCount)
	}

	_ = target.tryReadPacket(100 * time.Millisecond) // 消费CONNECT_IND
}

func TestPermissionGating(t *testing.T) {
	env := newTestEnv()
	target := env.addPeer(t, "mia", protocol.RoleTarget)
	controller := env.addPeer(t, "ali", protocol.RoleController)
	establish(t, env, controller, target)

	frame := &protocol.FramePayload{Format: 1, Width: 8, Height: 8, Data: []byte{1, 2, 3}}

	// view未授权时帧被拒绝，控制端收不到任何数据
	if err := env.manager.RelayFrame(target.conn, frame); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("期望 ErrPermissionDenied 实际=%v", err)
	}
	if pkt := controller.tryReadPacket(100 * time.Millisecond); pkt != nil {
		t.Errorf("未授权时对端不应收到数据包，实际收到=%s", pkt.Type)
	}

	// mouse未授权时输入被拒绝
	input := protocol.InputPayload{Kind: protocol.InputMouseClick}
	if err := env.manager.RelayInput(controller.conn, input); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("期望 ErrPermissionDenied 实际=%v", err)
	}
	if pkt := target.tryReadPacket(100 * time.Millisecond); pkt != nil {
		t.Errorf("未授权时对端不应收到数据包，实际收到=%s", pkt.Type)
	}

	// 授权后帧可以转发
	grant(t, env, controller, target, protocol.CapabilityView)
	if err := env.manager.RelayFrame(target.conn, frame); err != nil {
		t.Fatalf("RelayFrame failed: %v", err)
	}
	pkt := controller.readPacket(t)
	if pkt.Type != protocol.FRAME || pkt.Frame == nil {
		t.Fatalf("期望=%s 实际=%s", protocol.FRAME, pkt.Type)
	}
	if pkt.Frame.Width != 8 || len(pkt.Frame.Data) != 3 {
		t.Errorf("转发的帧不一致: %+v", pkt.Frame)
	}

	// keyboard独立于mouse授权
	grant(t, env, controller, target, protocol.CapabilityMouse)
	if err := env.manager.RelayInput(controller.conn, protocol.InputPayload{Kind: protocol.InputKeyEvent}); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("键盘事件 期望 ErrPermissionDenied 实际=%v", err)
	}
	if err := env.manager.RelayInput(controller.conn, input); err != nil {
		t.Fatalf("RelayInput failed: %v", err)
	}
	if pkt := target.readPacket(t); pkt.Type != protocol.INPUT {
		t.Errorf("期望=%s 实际=%s", protocol.INPUT, pkt.Type)
	}
}

func TestRoleEnforcement(t *testing.T) {
	env := newTestEnv()
	target := env.addPeer(t, "mia", protocol.RoleTarget)
	controller := env.addPeer(t, "ali", protocol.RoleController)
	establish(t, env, controller, target)
	grant(t, env, controller, target, protocol.CapabilityView)
	grant(t, env, controller, target, protocol.CapabilityMouse)

	frame := &protocol.FramePayload{Format: 1, Width: 8, Height: 8, Data: []byte{1}}
	if err := env.manager.RelayFrame(controller.conn, frame); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("控制端发帧 期望 ErrNotAuthorized 实际=%v", err)
	}
	if err := env.manager.RelayInput(target.conn, protocol.InputPayload{Kind: protocol.InputMouseMove}); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("目标端发输入 期望 ErrNotAuthorized 实际=%v", err)
	}
	if err := env.manager.RespondPermission(controller.conn, protocol.PermRespPayload{Capability: protocol.CapabilityView, Granted: true}); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("控制端应答权限 期望 ErrNotAuthorized 实际=%v", err)
	}
}

func TestChatIndependentOfPermissions(t *testing.T) {
	env := newTestEnv()
	target := env.addPeer(t, "mia", protocol.RoleTarget)
	controller := env.addPeer(t, "ali", protocol.RoleController)
	s := establish(t, env, controller, target)

	chat := protocol.ChatPayload{Text: "hello", Timestamp: "2026-01-01T10:00:00", Sender: "spoofed"}
	if err := env.manager.RelayChat(controller.conn, chat); err != nil {
		t.Fatalf("RelayChat failed: %v", err)
	}

	pkt := target.readPacket(t)
	if pkt.Type != protocol.CHAT {
		t.Fatalf("期望=%s 实际=%s", protocol.CHAT, pkt.Type)
	}
	got, _ := protocol.ParseChat(pkt)
	if got.Sender != "ali" {
		t.Errorf("发送者应被服务器覆写为ali 实际=%s", got.Sender)
	}

	history := env.store.ChatHistory(s.ID)
	if len(history) != 1 || history[0].Text != "hello" || history[0].Sender != "ali" {
		t.Errorf("聊天持久化记录不正确: %+v", history)
	}
}

func TestChatRequiresActiveSession(t *testing.T) {
	env := newTestEnv()
	env.addPeer(t, "mia", protocol.RoleTarget)
	controller := env.addPeer(t, "ali", protocol.RoleController)

	chat := protocol.ChatPayload{Text: "hi", Timestamp: "t"}
	if err := env.manager.RelayChat(controller.conn, chat); !errors.Is(err, ErrNoSession) {
		t.Errorf("无会话 期望 ErrNoSession 实际=%v", err)
	}
}

func TestConnectReject(t *testing.T) {
	env := newTestEnv()
	target := env.addPeer(t, "mia", protocol.RoleTarget)
	controller := env.addPeer(t, "ali", protocol.RoleController)

	s, err := env.manager.Connect(controller.conn, "mia")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	target.readPacket(t) // CONNECT_IND

	if err := env.manager.Answer(target.conn, protocol.ConnectAnswerPayload{SessionID: s.ID, Accept: false}); err != nil {
		t.Fatalf("Answer failed: %v", err)
	}

	resp := controller.readPacket(t)
	respPayload, _ := protocol.ParseConnectResp(resp)
	if respPayload.OK {
		t.Error("拒绝后控制端不应收到ok=true")
	}
	if s.State() != StateClosed {
		t.Errorf("期望状态=%s 实际=%s", StateClosed, s.State())
	}

	// 拒绝后双方都可以开始新的会话
	if _, err := env.manager.Connect(controller.conn, "mia"); err != nil {
		t.Errorf("拒绝后重新连接失败: %v", err)
	}
}

func TestTeardownExactlyOnce(t *testing.T) {
	env := newTestEnv()
	target := env.addPeer(t, "mia", protocol.RoleTarget)
	controller := env.addPeer(t, "ali", protocol.RoleController)
	s := establish(t, env, controller, target)

	// 双方在同一瞬间断开，只允许一次CLOSED转移和至多一条对端通知
	var wg sync.WaitGroup
	for _, conn := range []*connection.Connection{controller.conn, target.conn} {
		wg.Add(1)
		go func(c *connection.Connection) {
			defer wg.Done()
			env.manager.Teardown(c, protocol.ReasonClientExit)
		}(conn)
	}
	wg.Wait()

	if s.State() != StateClosed {
		t.Fatalf("期望状态=%s 实际=%s", StateClosed, s.State())
	}

	notifications := 0
	for _, peer := range []*testPeer{controller, target} {
		if pkt := peer.tryReadPacket(150 * time.Millisecond); pkt != nil {
			if pkt.Type != protocol.DISCONNECT {
				t.Fatalf("期望=%s 实际=%s", protocol.DISCONNECT, pkt.Type)
			}
			notifications++
		}
	}
	if notifications != 1 {
		t.Errorf("期望恰好1条DISCONNECT通知 实际=%d", notifications)
	}

	record, ok := env.store.SessionRecordOf(s.ID)
	if !ok || record.Status != database.SessionStatusClosed {
		t.Errorf("会话持久化记录未关闭: %+v", record)
	}

	// 关闭后的转发返回明确的无会话错误
	if err := env.manager.RelayChat(controller.conn, protocol.ChatPayload{Text: "late", Timestamp: "t"}); !errors.Is(err, ErrNoSession) {
		t.Errorf("关闭后 期望 ErrNoSession 实际=%v", err)
	}
}

func TestTeardownFreesPeers(t *testing.T) {
	env := newTestEnv()
	target := env.addPeer(t, "mia", protocol.RoleTarget)
	controller := env.addPeer(t, "ali", protocol.RoleController)
	establish(t, env, controller, target)

	env.manager.Teardown(controller.conn, protocol.ReasonClientExit)
	if pkt := target.readPacket(t); pkt.Type != protocol.DISCONNECT {
		t.Fatalf("期望=%s 实际=%s", protocol.DISCONNECT, pkt.Type)
	}

	// 会话解绑后目标端重新空闲，可被新控制端连接
	other := env.addPeer(t, "bea", protocol.RoleController)
	if _, err := env.manager.Connect(other.conn, "mia"); err != nil {
		t.Errorf("解绑后连接失败: %v", err)
	}
}
