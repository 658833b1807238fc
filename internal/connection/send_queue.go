package connection

import (
	"errors"
	"sync"
)

// ErrQueueClosed 表示连接已关闭，不再接收出站数据
var ErrQueueClosed = errors.New("send queue is closed")

type outMessage struct {
	payload   []byte
	droppable bool
}

// sendQueue 有界出站队列。慢速接收方不能无限期阻塞发送方：
// 队列满时丢弃最旧的可丢弃消息（帧），控制包永不丢弃，
// 必要时允许控制包暂时超出容量上限。
type sendQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []outMessage
	capacity int
	closed   bool
	aborted  bool
	dropped  uint64
}

func newSendQueue(capacity int) *sendQueue {
	if capacity <= 0 {
		capacity = 64
	}
	q := &sendQueue{capacity: capacity}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *sendQueue) push(payload []byte, droppable bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.aborted {
		return ErrQueueClosed
	}

	if len(q.items) >= q.capacity {
		if idx := q.oldestDroppable(); idx >= 0 {
			q.items = append(q.items[:idx], q.items[idx+1:]...)
			q.dropped++
		} else if droppable {
			// 队列被控制包占满，丢弃新来的帧
			q.dropped++
			return nil
		}
	}

	q.items = append(q.items, outMessage{payload: payload, droppable: droppable})
	q.cond.Signal()
	return nil
}

func (q *sendQueue) oldestDroppable() int {
	for i, msg := range q.items {
		if msg.droppable {
			return i
		}
	}
	return -1
}

// pop 阻塞等待下一条出站消息。队列冲刷完且已关闭时返回false
func (q *sendQueue) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.aborted {
			return nil, false
		}
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items = q.items[1:]
			return msg.payload, true
		}
		if q.closed {
			return nil, false
		}
		q.cond.Wait()
	}
}

// close 停止接收新消息，已入队的消息仍会被写出
func (q *sendQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// abort 停止接收并丢弃未写出的消息
func (q *sendQueue) abort() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.aborted = true
	q.items = nil
	q.cond.Broadcast()
}

// droppedCount 返回因背压被丢弃的帧数量
func (q *sendQueue) droppedCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
