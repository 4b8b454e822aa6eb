// Package bus 实现有界的多订阅者广播通道。
//
// 每个订阅者拥有独立的环形缓冲区，缓冲区满时丢弃最旧的事件，
// 发布方永远不会被慢消费者阻塞。
package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// DefaultCapacity 默认每个订阅者的缓冲容量
const DefaultCapacity = 512

// ErrClosed 订阅已关闭
var ErrClosed = errors.New("订阅已关闭")

// Bus 广播总线
type Bus[T any] struct {
	capacity int

	mu     sync.RWMutex
	subs   map[*Subscription[T]]struct{}
	closed bool

	published atomic.Uint64
}

// New 创建总线，capacity <= 0 时使用默认容量
func New[T any](capacity int) *Bus[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus[T]{
		capacity: capacity,
		subs:     make(map[*Subscription[T]]struct{}),
	}
}

// Capacity 返回每个订阅者的缓冲容量
func (b *Bus[T]) Capacity() int {
	return b.capacity
}

// Published 返回累计发布的事件数
func (b *Bus[T]) Published() uint64 {
	return b.published.Load()
}

// Subscribers 返回当前订阅者数量
func (b *Bus[T]) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish 向所有订阅者投递事件，不阻塞
func (b *Bus[T]) Publish(v T) {
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		s.push(v)
	}
}

// Subscribe 新建订阅，只接收订阅之后发布的事件
func (b *Bus[T]) Subscribe() *Subscription[T] {
	s := &Subscription[T]{
		bus:   b,
		ring:  make([]T, b.capacity),
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.closeLocked()
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Close 关闭总线及全部订阅
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		s.mu.Lock()
		s.closeLocked()
		s.mu.Unlock()
		delete(b.subs, s)
	}
}

func (b *Bus[T]) remove(s *Subscription[T]) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// Subscription 单个订阅者的投递游标
type Subscription[T any] struct {
	bus *Bus[T]

	mu     sync.Mutex
	ring   []T
	head   int // 最旧元素位置
	size   int
	closed bool

	ready   chan struct{}
	done    chan struct{}
	dropped atomic.Uint64
}

func (s *Subscription[T]) push(v T) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.size == len(s.ring) {
		// 满了：覆盖最旧的
		s.ring[s.head] = v
		s.head = (s.head + 1) % len(s.ring)
		s.dropped.Add(1)
	} else {
		s.ring[(s.head+s.size)%len(s.ring)] = v
		s.size++
	}
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Ready 有新事件时收到通知（边沿触发，需配合 Drain 读空）
func (s *Subscription[T]) Ready() <-chan struct{} {
	return s.ready
}

// Done 订阅关闭时关闭
func (s *Subscription[T]) Done() <-chan struct{} {
	return s.done
}

// Drain 取出全部缓冲事件追加到 dst
func (s *Subscription[T]) Drain(dst []T) []T {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T
	for s.size > 0 {
		dst = append(dst, s.ring[s.head])
		s.ring[s.head] = zero
		s.head = (s.head + 1) % len(s.ring)
		s.size--
	}
	return dst
}

// TryNext 非阻塞读取一个事件
func (s *Subscription[T]) TryNext() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T
	if s.size == 0 {
		return zero, false
	}
	v := s.ring[s.head]
	s.ring[s.head] = zero
	s.head = (s.head + 1) % len(s.ring)
	s.size--
	return v, true
}

// Next 阻塞读取下一个事件
func (s *Subscription[T]) Next(ctx context.Context) (T, error) {
	for {
		if v, ok := s.TryNext(); ok {
			return v, nil
		}
		select {
		case <-s.ready:
		case <-s.done:
			// 关闭前已缓冲的事件仍可读出
			if v, ok := s.TryNext(); ok {
				return v, nil
			}
			var zero T
			return zero, ErrClosed
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// buffered 当前缓冲的事件数
func (s *Subscription[T]) buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Dropped 因缓冲满被丢弃的事件数
func (s *Subscription[T]) Dropped() uint64 {
	return s.dropped.Load()
}

// Close 取消订阅，可重复调用
func (s *Subscription[T]) Close() {
	s.bus.remove(s)
	s.mu.Lock()
	s.closeLocked()
	s.mu.Unlock()
}

func (s *Subscription[T]) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}
